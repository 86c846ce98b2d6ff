// Package sequencer implements the per-log sequencing authority: the single
// process holding the current epoch for a log, responsible for issuing
// monotonically increasing LSNs and admitting appends. It generalizes the
// teacher's raftadapter.Node event loop (pkg/raftadapter/node.go) — a
// single-goroutine Ready-loop driving state transitions with a
// uuid-keyed pending-result table — into a per-log state machine driven by
// activation, epoch-store CAS, and append admission instead of Raft
// consensus.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"logcore/internal/epochstore"
	"logcore/pkg/logerrors"
	"logcore/pkg/types"
)

// State is a sequencer's lifecycle state.
type State int

const (
	StateUnprovisioned State = iota
	StateActivating
	StateActive
	StateRecovering // substate entered while re-deriving the tail after activation
	StateDraining
	StatePreempted
)

func (s State) String() string {
	switch s {
	case StateUnprovisioned:
		return "UNPROVISIONED"
	case StateActivating:
		return "ACTIVATING"
	case StateActive:
		return "ACTIVE"
	case StateRecovering:
		return "RECOVERING"
	case StateDraining:
		return "DRAINING"
	case StatePreempted:
		return "PREEMPTED"
	default:
		return "UNKNOWN"
	}
}

// AppendSink is implemented by the write coordinator collaborator: it takes
// ownership of replicating one record once the sequencer has issued its LSN.
type AppendSink interface {
	Replicate(ctx context.Context, log types.LogID, lsn types.LSN, payload []byte, flags types.RecordFlags) (chan AppendResult, error)
}

// AppendResult is delivered once the write coordinator settles a record.
type AppendResult struct {
	LSN types.LSN
	Err error
}

// pendingAppend is the per-record entry in the sequencer's admission table,
// mirroring raftadapter.Node's proposals map[uuid.UUID]chan proposeResult.
type pendingAppend struct {
	lsn  types.LSN
	done chan AppendResult
}

// Sequencer owns epoch leadership and LSN issuance for one log.
type Sequencer struct {
	log   types.LogID
	store epochstore.Store
	sink  AppendSink

	mu          sync.Mutex
	state       State
	epoch       types.Epoch
	nextESN     types.ESN
	metadata    *epochstore.EpochMetadata
	preemptedBy types.Epoch

	pendingMu sync.RWMutex
	pending   map[uuid.UUID]*pendingAppend

	inflight    atomic.Int64 // admission backpressure counter
	maxInflight int64
	maxPayload  int
}

// Config configures a new Sequencer.
type Config struct {
	Log         types.LogID
	Store       epochstore.Store
	Sink        AppendSink
	MaxInflight int64
	// MaxPayloadSize bounds the record payload this sequencer admits
	// directly; appends over the limit fail with ErrTooBig. Zero disables
	// the check.
	MaxPayloadSize int
}

// New creates a Sequencer for log in state UNPROVISIONED.
func New(cfg Config) *Sequencer {
	maxInflight := cfg.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 10000
	}
	return &Sequencer{
		log:         cfg.Log,
		store:       cfg.Store,
		sink:        cfg.Sink,
		state:       StateUnprovisioned,
		pending:     make(map[uuid.UUID]*pendingAppend),
		maxInflight: maxInflight,
		maxPayload:  cfg.MaxPayloadSize,
	}
}

// State returns the sequencer's current lifecycle state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate runs the activation protocol: bump the epoch via the epoch
// store's CAS update, read the log's last clean epoch, then transition to
// ACTIVE with esn 1. The last clean epoch is only read: no records of earlier
// epochs are recovered, and the sequencer becomes ACTIVE as soon as the read
// succeeds. On success the sequencer can admit appends.
func (s *Sequencer) Activate(ctx context.Context, nodeset []types.ShardID, prop types.ReplicationProperty) error {
	s.mu.Lock()
	if s.state == StateActive {
		s.mu.Unlock()
		return nil
	}
	s.state = StateActivating
	s.mu.Unlock()

	md, err := s.store.CreateOrUpdateMetadata(ctx, s.log, func(current *epochstore.EpochMetadata) (*epochstore.EpochMetadata, error) {
		next := types.Epoch(1)
		if current != nil {
			next = current.Epoch + 1
		}
		return &epochstore.EpochMetadata{
			Epoch:           next,
			Nodeset:         nodeset,
			ReplicationProp: prop,
			EffectiveSince:  next,
		}, nil
	})
	if err != nil {
		s.mu.Lock()
		s.state = StateUnprovisioned
		s.mu.Unlock()
		return fmt.Errorf("sequencer: activation epoch bump: %w", err)
	}

	s.mu.Lock()
	s.state = StateRecovering
	s.epoch = md.Epoch
	s.metadata = md
	s.mu.Unlock()

	_, _, err = s.store.GetLastCleanEpoch(ctx, s.log)
	if err != nil {
		return fmt.Errorf("sequencer: recovery read: %w", err)
	}

	s.mu.Lock()
	s.nextESN = types.ESN(1)
	s.state = StateActive
	s.mu.Unlock()

	slog.Info("sequencer activated", "log", s.log, "epoch", s.epoch)
	return nil
}

// Preempt transitions the sequencer out of ACTIVE on learning of a higher
// epoch held elsewhere, failing every in-flight append with ErrPreempted.
func (s *Sequencer) Preempt(by types.Epoch) {
	s.mu.Lock()
	if by <= s.epoch {
		s.mu.Unlock()
		return
	}
	s.state = StatePreempted
	s.preemptedBy = by
	s.mu.Unlock()

	s.pendingMu.Lock()
	for id, p := range s.pending {
		select {
		case p.done <- AppendResult{LSN: p.lsn, Err: logerrors.ErrPreempted}:
		default:
		}
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
}

// Drain stops admitting new appends but lets in-flight ones complete.
func (s *Sequencer) Drain() {
	s.mu.Lock()
	if s.state == StateActive {
		s.state = StateDraining
	}
	s.mu.Unlock()
}

// Append admits one record: issues the next LSN under the current epoch and
// hands replication off to the AppendSink. It blocks until the record is
// durable, preempted, or ctx is canceled.
func (s *Sequencer) Append(ctx context.Context, payload []byte, flags types.RecordFlags) (types.LSN, error) {
	if s.maxPayload > 0 && len(payload) > s.maxPayload {
		return types.LSNInvalid, fmt.Errorf("sequencer: payload %d bytes exceeds max %d: %w", len(payload), s.maxPayload, logerrors.ErrTooBig)
	}

	s.mu.Lock()
	if s.state != StateActive {
		err := fmt.Errorf("sequencer: log %d not active (state %s): %w", s.log, s.state, logerrors.ErrNoSequencer)
		s.mu.Unlock()
		return types.LSNInvalid, err
	}
	if s.nextESN >= types.ESNMax {
		s.mu.Unlock()
		return types.LSNInvalid, fmt.Errorf("sequencer: esn space exhausted for epoch %d", s.epoch)
	}
	if s.inflight.Load() >= s.maxInflight {
		s.mu.Unlock()
		return types.LSNInvalid, logerrors.ErrNoBufsSequencer
	}
	lsn := types.LSN{Epoch: s.epoch, ESN: s.nextESN}
	s.nextESN++
	s.mu.Unlock()

	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	id := uuid.New()
	done, err := s.sink.Replicate(ctx, s.log, lsn, payload, flags)
	if err != nil {
		return types.LSNInvalid, fmt.Errorf("sequencer: replicate: %w", err)
	}

	s.pendingMu.Lock()
	s.pending[id] = &pendingAppend{lsn: lsn, done: done}
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	select {
	case res := <-done:
		if res.Err != nil {
			return types.LSNInvalid, res.Err
		}
		return res.LSN, nil
	case <-ctx.Done():
		return types.LSNInvalid, ctx.Err()
	}
}

// Epoch returns the epoch obtained by the most recent activation, or
// EpochInvalid if the sequencer has never activated. It keeps returning that
// epoch after Drain or Preempt.
func (s *Sequencer) Epoch() types.Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}
