// Package readstream implements the client-side read path: fan-out to one
// sub-stream per storage shard in the current copyset, a heap-based merge
// that restores total LSN order, gap detection across epoch boundaries, and
// single-copy-delivery (SCD) shard rotation with an all-send fallback when
// SCD stalls. The merge loop follows the teacher's single-goroutine
// event-loop shape (pkg/raftadapter/node.go's Run/handleReady) adapted to
// drain per-shard channels instead of a Raft Ready channel.
package readstream

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"logcore/pkg/types"
)

// Delivery is one item handed to the stream's consumer: either a Record or
// a Gap, never both.
type Delivery struct {
	Record *types.Record
	Gap    *types.Gap
}

// ShardReader is the per-shard sub-stream source: a START was issued against
// one storage node and it now pushes RECORD/GAP events for that shard.
type ShardReader interface {
	Shard() types.ShardID
	Next(ctx context.Context) (types.Record, types.Gap, bool, error) // ok=false on clean end
	Close()
}

// ReaderFactory opens a ShardReader against one shard starting at from.
// sendAll mirrors the START message's send-all flag: true for the shard
// currently selected under single-copy-delivery (or every shard once the
// stream has fallen back to all-send).
type ReaderFactory func(ctx context.Context, shard types.ShardID, from types.LSN, sendAll bool) (ShardReader, error)

// TailFetcher returns the log's current tail LSN, used to decide where to
// restart a stuck stream. A nil TailFetcher is treated as always returning
// LSNInvalid.
type TailFetcher func(ctx context.Context) (types.LSN, error)

// Stream merges per-shard sub-streams for one log read.
type Stream struct {
	log     types.LogID
	copyset []types.ShardID
	factory ReaderFactory
	prop    types.ReplicationProperty
	tail    TailFetcher

	stuckTimeout time.Duration

	mu      sync.Mutex
	readers map[types.ShardID]ShardReader
	scdIdx  int
	sendAll bool

	out chan Delivery
	err error
}

// Config configures a Stream.
type Config struct {
	Log         types.LogID
	Copyset     []types.ShardID
	Factory     ReaderFactory
	Replication types.ReplicationProperty
	// TailFetcher supplies the log's current tail LSN when the stream gets
	// stuck, so restarts can skip ahead to the last known epoch instead of
	// re-deriving a restart point from lastDelivered alone.
	TailFetcher TailFetcher
	// StuckTimeout bounds how long SCD-mode can go without forward progress
	// before falling back to all-send. Zero uses 30s.
	StuckTimeout time.Duration
}

// New creates a Stream ready to Run against ctx.
func New(cfg Config) *Stream {
	stuckTimeout := cfg.StuckTimeout
	if stuckTimeout <= 0 {
		stuckTimeout = 30 * time.Second
	}
	return &Stream{
		log:          cfg.Log,
		copyset:      cfg.Copyset,
		factory:      cfg.Factory,
		prop:         cfg.Replication,
		tail:         cfg.TailFetcher,
		stuckTimeout: stuckTimeout,
		readers:      make(map[types.ShardID]ShardReader),
		out:          make(chan Delivery, 64),
	}
}

// heapItem is one pending record in the merge heap.
type heapItem struct {
	shard types.ShardID
	lsn   types.LSN
	rec   types.Record
}

type recordHeap []heapItem

func (h recordHeap) Len() int            { return len(h) }
func (h recordHeap) Less(i, j int) bool  { return h[i].lsn.Less(h[j].lsn) }
func (h recordHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *recordHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *recordHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Deliveries returns the channel records and gaps are published on, in
// total LSN order.
func (s *Stream) Deliveries() <-chan Delivery { return s.out }

// Err returns the terminal error, if the stream ended abnormally.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run opens one sub-stream per copyset member starting at from under SCD
// (only the current SCD shard is opened with sendAll=true and streams full
// payloads; the others send records without payloads) and merges their
// output until ctx is canceled.
func (s *Stream) Run(ctx context.Context, from types.LSN) {
	defer close(s.out)

	stuckTimeout := s.stuckTimeout
	nextFrom := from

	rotateTicker := time.NewTicker(10 * time.Second)
	defer rotateTicker.Stop()
	go func() {
		for {
			select {
			case <-rotateTicker.C:
				s.rotateSCD()
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if err := s.openAll(ctx, nextFrom); err != nil {
			s.setErr(err)
			return
		}

		lastDelivered, stuck, err := s.drainOnce(ctx, stuckTimeout)
		s.closeAll()
		if err != nil {
			s.setErr(err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !stuck {
			return
		}

		tail := types.LSNInvalid
		if s.tail != nil {
			if t, terr := s.tail(ctx); terr == nil {
				tail = t
			} else {
				slog.Warn("readstream: tail fetch failed, restarting without it", "log", s.log, "error", terr)
			}
		}
		nextFrom = nextFromLsnWhenStuck(lastDelivered, tail)
		s.mu.Lock()
		s.sendAll = true
		s.mu.Unlock()
		slog.Warn("readstream: stuck, restarting with all-send", "log", s.log, "from", nextFrom)
	}
}

// nextFromLsnWhenStuck computes the restart LSN for a stuck stream from the
// last LSN the merge delivered (L) and the log's current tail LSN (T):
//
//   - both invalid: the stream never delivered anything and has no tail to
//     chase, so restart at the oldest possible record.
//   - L valid, T invalid (tail unknown): the only safe move is past L's
//     epoch, since a storage node still mid-recovery cannot be trusted for
//     ESNs within L's own epoch.
//   - epoch(L) < epoch(T): the log has sealed at least one epoch since L
//     was delivered; restart at the start of T's epoch rather than
//     replaying every sealed epoch in between.
//   - epoch(L) == epoch(T): no epoch has sealed since L, so the merge is
//     stuck on something other than a boundary (a dead or partitioned
//     shard); restart unchanged and rely on all-send to make progress.
func nextFromLsnWhenStuck(last, tail types.LSN) types.LSN {
	switch {
	case !last.Valid() && !tail.Valid():
		return types.LSNOldest
	case last.Valid() && !tail.Valid():
		return last.NextEpoch()
	case last.Epoch < tail.Epoch:
		if tail.Epoch >= types.EpochMax {
			return types.LSNMax
		}
		return types.LSN{Epoch: tail.Epoch, ESN: 1}
	default:
		return last
	}
}

func (s *Stream) openAll(ctx context.Context, from types.LSN) error {
	active := s.activeSet()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sh := range s.copyset {
		r, err := s.factory(ctx, sh, from, active[sh])
		if err != nil {
			return fmt.Errorf("readstream: open shard %d: %w", sh, err)
		}
		s.readers[sh] = r
	}
	return nil
}

func (s *Stream) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sh, r := range s.readers {
		r.Close()
		delete(s.readers, sh)
	}
}

// activeSet returns the shards currently expected to stream full payloads:
// under SCD, a single rotating shard; under all-send fallback, every shard.
func (s *Stream) activeSet() map[types.ShardID]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := make(map[types.ShardID]bool, len(s.copyset))
	if s.sendAll || len(s.copyset) == 0 {
		for _, sh := range s.copyset {
			active[sh] = true
		}
		return active
	}
	active[s.copyset[s.scdIdx%len(s.copyset)]] = true
	return active
}

func (s *Stream) rotateSCD() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scdIdx++
}

// drainOnce pulls from every open sub-stream reader one item at a time,
// request/response style, and only delivers the heap minimum once every
// still-open shard has offered a candidate for the current round — at that
// point no open shard can later produce something smaller than what it has
// already offered, since within one shard LSNs are monotonic. It runs until
// every reader reaches clean end or the merge stalls for stuckTimeout with
// no forward progress (a shard appears permanently behind, e.g. dead or
// partitioned).
func (s *Stream) drainOnce(ctx context.Context, stuckTimeout time.Duration) (types.LSN, bool, error) {
	type event struct {
		shard types.ShardID
		rec   types.Record
		gap   types.Gap
		isGap bool
		ok    bool
		err   error
	}

	s.mu.Lock()
	readers := make(map[types.ShardID]ShardReader, len(s.readers))
	for sh, r := range s.readers {
		readers[sh] = r
	}
	s.mu.Unlock()

	events := make(chan event, len(readers))
	request := func(r ShardReader) {
		go func() {
			rec, gap, ok, err := r.Next(ctx)
			isGap := gap.LowLSN.Valid() || gap.HighLSN.Valid()
			select {
			case events <- event{shard: r.Shard(), rec: rec, gap: gap, isGap: isGap, ok: ok, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	ended := make(map[types.ShardID]bool, len(readers))
	outstanding := 0
	for _, r := range readers {
		request(r)
		outstanding++
	}

	var h recordHeap
	heap.Init(&h)
	var lastDelivered types.LSN
	progress := time.Now()

	deliverReady := func() {
		for outstanding == 0 && h.Len() > 0 {
			item := heap.Pop(&h).(heapItem)
			rec := item.rec
			s.out <- Delivery{Record: &rec}
			lastDelivered = item.lsn
			if !ended[item.shard] {
				request(readers[item.shard])
				outstanding++
			}
		}
	}

	for len(ended) < len(readers) || h.Len() > 0 || outstanding > 0 {
		select {
		case ev := <-events:
			outstanding--
			switch {
			case ev.err != nil:
				return lastDelivered, false, ev.err
			case !ev.ok:
				ended[ev.shard] = true
			case ev.isGap:
				s.out <- Delivery{Gap: &ev.gap}
				lastDelivered = ev.gap.HighLSN
				request(readers[ev.shard])
				outstanding++
			default:
				heap.Push(&h, heapItem{shard: ev.shard, lsn: ev.rec.LSN, rec: ev.rec})
			}
			progress = time.Now()
			deliverReady()
		case <-ctx.Done():
			return lastDelivered, false, nil
		case <-time.After(stuckTimeout):
			if time.Since(progress) >= stuckTimeout {
				return lastDelivered, true, nil
			}
		}
	}
	return lastDelivered, false, nil
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
