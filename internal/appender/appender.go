// Package appender implements the per-record write coordinator: given a
// copyset, it fans a STORE out to every destination, retries failed
// destinations in new "waves" with graylisting, and declares the record
// durable once enough STOREDs land to satisfy the replication property.
// It generalizes the teacher's raftadapter.Transport retry/backoff loop
// (pkg/raftadapter/transport.go) from a fixed-peer broadcast into a
// copyset-driven wave protocol, and reuses the Node's sendMessages
// fire-and-forget fan-out shape (pkg/raftadapter/node.go).
package appender

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"logcore/internal/copyset"
	"logcore/internal/membership"
	"logcore/internal/sequencer"
	"logcore/pkg/logerrors"
	"logcore/pkg/types"
	"logcore/pkg/wire"
)

// State is one record's write-coordinator lifecycle state.
type State int

const (
	StateNew State = iota
	StateSelectingCopyset
	StateStoring
	StateReleasing
	StateRetired
	StateDeferredBW // transient: waiting on a bandwidth callback to resume sending
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSelectingCopyset:
		return "SELECTING_COPYSET"
	case StateStoring:
		return "STORING"
	case StateReleasing:
		return "RELEASING"
	case StateRetired:
		return "RETIRED"
	case StateDeferredBW:
		return "DEFERRED_BW"
	default:
		return "UNKNOWN"
	}
}

// StoreSender abstracts the wire-level send of one STORE to one shard.
type StoreSender interface {
	SendStore(ctx context.Context, dest types.ShardID, body wire.StoreBody) (wire.StoredBody, error)
}

// Preempter is notified when a STORE reveals that a higher epoch has taken
// over the log, so the sequencer that issued the LSN can stop admitting
// further appends.
type Preempter interface {
	Preempt(by types.Epoch)
}

// Coordinator drives one log's in-flight appends: copyset selection, wave
// retry, and releasable-prefix tracking.
type Coordinator struct {
	log       types.LogID
	snap      func() *membership.Snapshot
	prop      types.ReplicationProperty
	sender    StoreSender
	preempter Preempter

	maxWaves     int
	waveTimeout  time.Duration
	releaseDelay time.Duration

	mu         sync.Mutex
	graylist   copyset.Graylist
	releasedUp types.LSN // highest LSN known releasable (fully stored)
	inflight   map[types.LSN]*recordState
}

type recordState struct {
	lsn     types.LSN
	state   State
	copyset []types.ShardID
	wave    uint32
}

// Config configures a Coordinator.
type Config struct {
	Log          types.LogID
	Snapshot     func() *membership.Snapshot
	Replication  types.ReplicationProperty
	Sender       StoreSender
	Preempter    Preempter
	MaxWaves     int
	WaveTimeout  time.Duration
	ReleaseDelay time.Duration
}

// New creates a Coordinator for one log.
func New(cfg Config) *Coordinator {
	maxWaves := cfg.MaxWaves
	if maxWaves <= 0 {
		maxWaves = 5
	}
	waveTimeout := cfg.WaveTimeout
	if waveTimeout <= 0 {
		waveTimeout = 2 * time.Second
	}
	return &Coordinator{
		log:          cfg.Log,
		snap:         cfg.Snapshot,
		prop:         cfg.Replication,
		sender:       cfg.Sender,
		preempter:    cfg.Preempter,
		maxWaves:     maxWaves,
		waveTimeout:  waveTimeout,
		releaseDelay: cfg.ReleaseDelay,
		graylist:     copyset.Graylist{},
		inflight:     make(map[types.LSN]*recordState),
	}
}

// Replicate implements sequencer.AppendSink: it drives one record through
// copyset selection and the STORE/STORED wave protocol, delivering the
// final result on the returned channel.
func (c *Coordinator) Replicate(ctx context.Context, log types.LogID, lsn types.LSN, payload []byte, flags types.RecordFlags) (chan sequencer.AppendResult, error) {
	done := make(chan sequencer.AppendResult, 1)

	rs := &recordState{lsn: lsn, state: StateSelectingCopyset}
	c.mu.Lock()
	c.inflight[lsn] = rs
	c.mu.Unlock()

	go c.run(ctx, rs, payload, flags, done)
	return done, nil
}

func (c *Coordinator) run(ctx context.Context, rs *recordState, payload []byte, flags types.RecordFlags, done chan sequencer.AppendResult) {
	defer func() {
		c.mu.Lock()
		delete(c.inflight, rs.lsn)
		c.mu.Unlock()
	}()

	target := c.prop.ReplicationFactor()
	var existing []types.ShardID // destinations proven good by a prior wave

	for wave := uint32(1); wave <= uint32(c.maxWaves); wave++ {
		rs.wave = wave

		snap := c.snap() // refreshed every wave: membership may have changed since the last one

		c.mu.Lock()
		gl := copyGraylist(c.graylist)
		c.mu.Unlock()

		cs, err := copyset.Select(snap, c.prop, copyset.Options{
			Graylist: gl,
			Existing: existing,
			Extras:   len(existing),
		})
		if err != nil {
			done <- sequencer.AppendResult{LSN: rs.lsn, Err: fmt.Errorf("appender: copyset selection: %w", err)}
			return
		}
		rs.copyset = cs
		rs.state = StateStoring

		acked, preempted, preemptedBy := c.sendWave(ctx, rs, cs, payload, flags, wave)
		if preempted {
			if c.preempter != nil {
				c.preempter.Preempt(preemptedBy)
			}
			done <- sequencer.AppendResult{LSN: rs.lsn, Err: fmt.Errorf("appender: store preempted by epoch %d: %w", preemptedBy, logerrors.ErrPreempted)}
			return
		}
		if len(acked) >= target {
			rs.state = StateReleasing
			c.advanceReleasePoint(rs.lsn)
			rs.state = StateRetired
			done <- sequencer.AppendResult{LSN: rs.lsn}
			return
		}

		c.mu.Lock()
		for _, sh := range cs {
			if !contains(acked, sh) {
				c.graylist[sh] = true
			}
		}
		c.mu.Unlock()
		existing = acked // next wave keeps only destinations this wave actually proved good
	}

	done <- sequencer.AppendResult{LSN: rs.lsn, Err: fmt.Errorf("appender: exhausted %d waves: %w", c.maxWaves, logerrors.ErrTimedOut)}
}

// sendWave fans STORE out to every destination in cs concurrently and
// returns the subset that replied StoredOK within the wave timeout. If any
// destination reports StoredPreempted, the wave is considered lost to a
// higher epoch and preempted is reported along with the epoch that
// preempted it, regardless of what other destinations returned.
func (c *Coordinator) sendWave(ctx context.Context, rs *recordState, cs []types.ShardID, payload []byte, flags types.RecordFlags, wave uint32) (acked []types.ShardID, preempted bool, preemptedBy types.Epoch) {
	waveCtx, cancel := context.WithTimeout(ctx, c.waveTimeout)
	defer cancel()

	body := wire.StoreBody{
		Log:     c.log,
		LSN:     rs.lsn,
		Flags:   flags,
		Copyset: cs,
		Payload: payload,
		Wave:    wave,
	}

	type result struct {
		dest        types.ShardID
		ok          bool
		preempted   bool
		preemptedBy types.Epoch
	}
	results := make(chan result, len(cs))
	var wg sync.WaitGroup
	for _, dest := range cs {
		wg.Add(1)
		go func(dest types.ShardID) {
			defer wg.Done()
			stored, err := c.sender.SendStore(waveCtx, dest, body)
			if err != nil {
				slog.Debug("appender: STORE failed", "log", c.log, "lsn", rs.lsn, "dest", dest, "error", err)
				return
			}
			switch stored.Status {
			case wire.StoredOK:
				results <- result{dest: dest, ok: true}
			case wire.StoredPreempted:
				slog.Warn("appender: STORE preempted", "log", c.log, "lsn", rs.lsn, "by", stored.PreemptingEpoch)
				results <- result{dest: dest, preempted: true, preemptedBy: stored.PreemptingEpoch}
			}
		}(dest)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		if r.preempted {
			preempted = true
			if r.preemptedBy > preemptedBy {
				preemptedBy = r.preemptedBy
			}
			continue
		}
		acked = append(acked, r.dest)
	}
	return acked, preempted, preemptedBy
}

func (c *Coordinator) advanceReleasePoint(lsn types.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.releasedUp.Less(lsn) {
		lowest := lsn
		for other := range c.inflight {
			if other.Less(lowest) {
				lowest = other
			}
		}
		if lowest == lsn {
			c.releasedUp = lsn
		}
	}
}

// ReleasedUpTo returns the highest LSN known fully replicated; readers may
// safely deliver up to this point without risking an unreplicated gap.
func (c *Coordinator) ReleasedUpTo() types.LSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releasedUp
}

func contains(shards []types.ShardID, target types.ShardID) bool {
	for _, s := range shards {
		if s == target {
			return true
		}
	}
	return false
}

func copyGraylist(gl copyset.Graylist) copyset.Graylist {
	out := make(copyset.Graylist, len(gl))
	for k, v := range gl {
		out[k] = v
	}
	return out
}
