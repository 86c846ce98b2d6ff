// Package gossip implements the Failure Detector: a best-effort node
// liveness signal consumed by the Sequencer (to avoid activating against
// a dead nodeset member) and the Read Stream (to route around nodes it
// already suspects are down before waiting out a full request timeout).
//
// It is grounded in the teacher's ZooKeeper watch idiom
// (internal/membership/zkwatch.go's ZKSource.Run ChildrenW loop): node
// presence is tracked the same way — ephemeral znode children under a
// watched path — but generalized from "set of currently-registered names"
// into a heartbeat/suspicion state machine, since plain znode presence
// does not by itself express a transitional "suspect" state. The live set
// is held in a github.com/zhangyunhao116/skipset.Set, the concurrent
// ordered-set sibling of the skipmap used by the Local Log Store and
// Membership View.
package gossip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/zhangyunhao116/skipset"
)

// State is a node's liveness state as seen by this detector.
type State int

const (
	StateAlive State = iota
	StateSuspect
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "ALIVE"
	case StateSuspect:
		return "SUSPECT"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Config configures a Detector.
type Config struct {
	Servers         []string
	RootPath        string
	SelfName        string
	HeartbeatPeriod time.Duration
	SuspectAfter    time.Duration // no heartbeat for this long -> SUSPECT
	DeadAfter       time.Duration // SUSPECT for this long -> DEAD
}

// Observer is called whenever a node's State changes.
type Observer func(node string, state State)

// Detector tracks node liveness via ephemeral znode heartbeats.
type Detector struct {
	cfg  Config
	conn *zk.Conn

	alive *skipset.StringSet

	mu        sync.Mutex
	lastSeen  map[string]time.Time
	state     map[string]State
	suspectAt map[string]time.Time
	observers []Observer
}

func withDefaults(cfg Config) Config {
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 2 * time.Second
	}
	if cfg.SuspectAfter <= 0 {
		cfg.SuspectAfter = 3 * cfg.HeartbeatPeriod
	}
	if cfg.DeadAfter <= 0 {
		cfg.DeadAfter = 3 * cfg.SuspectAfter
	}
	return cfg
}

func newDetector(cfg Config) *Detector {
	return &Detector{
		cfg:       withDefaults(cfg),
		alive:     skipset.NewString(),
		lastSeen:  make(map[string]time.Time),
		state:     make(map[string]State),
		suspectAt: make(map[string]time.Time),
	}
}

// New connects to the gossip ensemble and returns a Detector that has not
// yet started watching. Call Run to begin.
func New(cfg Config) (*Detector, error) {
	d := newDetector(cfg)
	conn, _, err := zk.Connect(cfg.Servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("gossip: zk connect: %w", err)
	}
	d.conn = conn
	return d, nil
}

// Close releases the underlying ZooKeeper connection.
func (d *Detector) Close() error {
	d.conn.Close()
	return nil
}

// Subscribe registers observer for future state transitions.
func (d *Detector) Subscribe(observer Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, observer)
}

// State returns node's last-known liveness state. Unknown nodes are
// reported dead (fail closed: never route to a node we've never heard
// from).
func (d *Detector) State(node string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.state[node]
	if !ok {
		return StateDead
	}
	return st
}

// IsAlive is a convenience wrapper for State(node) == StateAlive.
func (d *Detector) IsAlive(node string) bool {
	return d.State(node) == StateAlive
}

func (d *Detector) ensurePath(path string) error {
	if path == "" || path == "/" {
		return nil
	}
	exists, _, err := d.conn.Exists(path)
	if err != nil {
		return err
	}
	if !exists {
		_, err = d.conn.Create(path, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return err
		}
	}
	return nil
}

// PublishHeartbeat (re-)creates this node's ephemeral znode, renewing its
// heartbeat.
func (d *Detector) PublishHeartbeat() error {
	if err := d.ensurePath(d.cfg.RootPath); err != nil {
		return fmt.Errorf("gossip: ensure root: %w", err)
	}
	path := d.cfg.RootPath + "/" + d.cfg.SelfName
	_, err := d.conn.Create(path, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err == zk.ErrNodeExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("gossip: create heartbeat znode: %w", err)
	}
	return nil
}

// Run starts the heartbeat publisher and the watch+suspicion loop. It
// blocks until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	go d.heartbeatLoop(ctx)
	go d.watchLoop(ctx)
	go d.suspicionLoop(ctx)
	<-ctx.Done()
}

func (d *Detector) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		if err := d.PublishHeartbeat(); err != nil {
			slog.Warn("gossip: publish heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchLoop mirrors ZKSource.Run's ChildrenW loop: every change to the set
// of ephemeral children refreshes lastSeen for the nodes present.
func (d *Detector) watchLoop(ctx context.Context) {
	for {
		children, _, ch, err := d.conn.ChildrenW(d.cfg.RootPath)
		if err != nil {
			slog.Warn("gossip: ChildrenW failed, retrying", "error", err)
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		for _, name := range children {
			d.MarkSeen(name)
		}

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return
		}
	}
}

// suspicionLoop periodically checks for nodes whose ephemeral znode is
// still present but who have been unreachable long enough to demote, and
// for nodes whose znode has disappeared entirely.
func (d *Detector) suspicionLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.checkSuspicion(time.Now())
	}
}

// MarkSeen records a fresh heartbeat for node, promoting it to ALIVE. It
// is exported so tests (and non-ZooKeeper transports, should one be
// wired in later) can drive the state machine without a real ensemble.
func (d *Detector) MarkSeen(node string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen[node] = time.Now()
	d.alive.Add(node)
	d.transition(node, StateAlive)
}

// checkSuspicion runs one suspicion-detection pass against now, promoting
// nodes to SUSPECT or DEAD per the configured timeouts.
func (d *Detector) checkSuspicion(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, seen := range d.lastSeen {
		switch d.state[name] {
		case StateAlive:
			if now.Sub(seen) > d.cfg.SuspectAfter {
				d.suspectAt[name] = now
				d.transition(name, StateSuspect)
			}
		case StateSuspect:
			if now.Sub(d.suspectAt[name]) > d.cfg.DeadAfter {
				d.alive.Remove(name)
				d.transition(name, StateDead)
			}
		}
	}
}

// transition updates state[node] and fires observers if it changed; a node
// with no recorded state counts as changed. Must be called with d.mu held.
func (d *Detector) transition(node string, next State) {
	if cur, known := d.state[node]; known && cur == next {
		return
	}
	d.state[node] = next
	observers := append([]Observer{}, d.observers...)
	for _, obs := range observers {
		obs(node, next)
	}
}
