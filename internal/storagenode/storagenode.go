// Package storagenode implements the storage-node side of the read path:
// handling START/WINDOW against the Local Log Store and pushing
// RECORD/GAP/filtered-out notifications back to the reader, honoring the
// SCD send-all flag and the shard's trim point. It mirrors the request-
// handler shape of chn0318-logstore's storageserver.StorageServer (one
// struct wrapping the local store and answering one request type per
// method) adapted to a streaming push protocol instead of request/response
// RPCs, and reuses the teacher's store.Store put/get contract
// (pkg/store/store.go) as the shape for LocalStore below.
package storagenode

import (
	"context"
	"fmt"
	"sync"

	"logcore/pkg/types"
)

// LocalStore is the subset of the Local Log Store a storage-node read
// session depends on.
type LocalStore interface {
	ReadNext(log types.LogID, after types.LSN) (types.Record, bool, error)
	TrimPoint(log types.LogID) (types.LSN, error)
}

// FilterFunc reports whether a record at lsn should be withheld from this
// particular reader (server-side filtering support).
type FilterFunc func(log types.LogID, lsn types.LSN) bool

// Session is one active START-ed sub-stream against this storage node.
type Session struct {
	log     types.LogID
	store   LocalStore
	filter  FilterFunc
	sendAll bool
	window  uint32

	mu     sync.Mutex
	cursor types.LSN
	credit uint32
	closed bool
}

// StartRequest mirrors wire.StartBody's semantics at the session layer.
type StartRequest struct {
	Log      types.LogID
	StartLSN types.LSN
	SendAll  bool
	Window   uint32
}

// NewSession opens a read session against store for one log, starting just
// after req.StartLSN.
func NewSession(store LocalStore, filter FilterFunc, req StartRequest) *Session {
	return &Session{
		log:     req.Log,
		store:   store,
		filter:  filter,
		sendAll: req.SendAll,
		window:  req.Window,
		cursor:  req.StartLSN,
		credit:  req.Window,
	}
}

// Outcome is one push event: exactly one of Record, Gap or FilteredOut
// carries data.
type Outcome struct {
	Record      *types.Record
	Gap         *types.Gap
	FilteredOut *types.LSN
}

// Next advances the cursor and returns the next outcome. It does not wait
// for new records itself: ctx is not consulted, and whether ReadNext blocks
// is up to the LocalStore implementation. Returns ok=false when the session
// has been closed, the read-credit window is exhausted, or the store holds
// no record after the cursor.
func (s *Session) Next(ctx context.Context) (Outcome, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Outcome{}, false, nil
	}
	if s.window > 0 && s.credit == 0 {
		s.mu.Unlock()
		return Outcome{}, false, nil
	}
	cursor := s.cursor
	s.mu.Unlock()

	trim, err := s.store.TrimPoint(s.log)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("storagenode: trim point: %w", err)
	}
	if cursor.Less(trim) {
		gap := types.Gap{Log: s.log, Type: types.GapTrim, LowLSN: cursor.Next(), HighLSN: trim}
		s.advanceCursor(trim)
		return Outcome{Gap: &gap}, true, nil
	}

	rec, ok, err := s.store.ReadNext(s.log, cursor)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("storagenode: read next: %w", err)
	}
	if !ok {
		return Outcome{}, false, nil
	}

	s.advanceCursor(rec.LSN)
	s.consumeCredit()

	if s.filter != nil && s.filter(s.log, rec.LSN) {
		lsn := rec.LSN
		return Outcome{FilteredOut: &lsn}, true, nil
	}
	if !s.sendAll {
		// Non-active copy under SCD: confirm the record exists without
		// paying its payload's bandwidth cost.
		rec.Payload = nil
	}
	return Outcome{Record: &rec}, true, nil
}

func (s *Session) advanceCursor(to types.LSN) {
	s.mu.Lock()
	s.cursor = to
	s.mu.Unlock()
}

func (s *Session) consumeCredit() {
	s.mu.Lock()
	if s.window > 0 && s.credit > 0 {
		s.credit--
	}
	s.mu.Unlock()
}

// Window replenishes the session's read-credit, matching the WINDOW
// message's backpressure contract.
func (s *Session) Window(credit uint32) {
	s.mu.Lock()
	s.credit += credit
	s.mu.Unlock()
}

// Close terminates the session; subsequent Next calls return ok=false.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
