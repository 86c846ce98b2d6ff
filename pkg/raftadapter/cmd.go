package raftadapter

import (
	"github.com/google/uuid"
)

// Cmd is one proposed command: an opaque, caller-encoded payload plus the
// ID Execute uses to correlate the eventual apply result. Generalized from
// the teacher's flat Op/Key/Value triple (tied to a single KV store) to an
// opaque Data payload so Node can replicate any command an Applier knows
// how to interpret (here, the Nodes Configuration mutations).
type Cmd struct {
	Data []byte    `json:"data"`
	ID   uuid.UUID `json:"id"`
}

func NewCmd(data []byte) Cmd {
	return Cmd{
		Data: data,
		ID:   uuid.New(),
	}
}
