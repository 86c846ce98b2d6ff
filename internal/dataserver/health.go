package dataserver

import (
	"time"

	"logcore/pkg/clock"
)

// ConnState classifies a data-plane connection's health, following the same
// suspect/dead threshold style internal/gossip uses for node liveness, but
// applied to one connection's send path instead of a node's heartbeat.
type ConnState int

const (
	ConnActive     ConnState = iota
	ConnIdle                 // no session open, no recent traffic: expected quiet
	ConnAppLimited           // a session is open but there is nothing new to push
	ConnRecvSlow             // a push has been blocked briefly; the peer is slow to read
	ConnNetSlow              // a push has been blocked well past RecvSlowAfter
	ConnStalled              // blocked long enough that the connection should be closed
)

func (s ConnState) String() string {
	switch s {
	case ConnActive:
		return "active"
	case ConnIdle:
		return "idle"
	case ConnAppLimited:
		return "app_limited"
	case ConnRecvSlow:
		return "recv_slow"
	case ConnNetSlow:
		return "net_slow"
	case ConnStalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// HealthConfig bounds the periodic connection-health classifier.
type HealthConfig struct {
	// IdleAfter is how long a connection with no session open and no recent
	// traffic stays ACTIVE before it is classified IDLE.
	IdleAfter time.Duration
	// RecvSlowAfter, NetSlowAfter and StalledAfter bound how long a blocked
	// push to the peer is tolerated before escalating RECV_SLOW -> NET_SLOW
	// -> STALLED. StalledAfter triggers a rate-limited close.
	RecvSlowAfter time.Duration
	NetSlowAfter  time.Duration
	StalledAfter  time.Duration
	// CheckInterval is how often the classifier runs.
	CheckInterval time.Duration
	// CloseCooldown rate-limits repeated close attempts on a connection that
	// keeps reclassifying as STALLED.
	CloseCooldown time.Duration
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.IdleAfter <= 0 {
		c.IdleAfter = 5 * time.Second
	}
	if c.RecvSlowAfter <= 0 {
		c.RecvSlowAfter = 500 * time.Millisecond
	}
	if c.NetSlowAfter <= 0 {
		c.NetSlowAfter = 2 * time.Second
	}
	if c.StalledAfter <= 0 {
		c.StalledAfter = 10 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}
	if c.CloseCooldown <= 0 {
		c.CloseCooldown = 30 * time.Second
	}
	return c
}

// connHealth tracks one connection's send-path activity with lock-free
// timestamps, following pkg/clock.AtomicClock's use as a monotonically
// updated counter shared across goroutines without a mutex.
type connHealth struct {
	cfg HealthConfig

	lastActivity *clock.AtomicClock // unix nanos of last completed read or write
	writeStart   *clock.AtomicClock // unix nanos a push started blocking; 0 if none in flight
	lastClosed   *clock.AtomicClock // unix nanos of the last rate-limited close attempt
}

func newConnHealth(cfg HealthConfig, now time.Time) *connHealth {
	h := &connHealth{
		cfg:          cfg.withDefaults(),
		lastActivity: clock.NewAtomic(uint64(now.UnixNano())),
		writeStart:   clock.NewAtomic(0),
		lastClosed:   clock.NewAtomic(0),
	}
	return h
}

func (h *connHealth) markActivity(now time.Time) {
	h.lastActivity.Set(uint64(now.UnixNano()))
}

func (h *connHealth) beginWrite(now time.Time) {
	h.writeStart.Set(uint64(now.UnixNano()))
}

func (h *connHealth) endWrite(now time.Time) {
	h.writeStart.Set(0)
	h.markActivity(now)
}

// classify reports the connection's current state. sessionOpen indicates
// whether the client has an outstanding START on any log.
func (h *connHealth) classify(now time.Time, sessionOpen bool) ConnState {
	nowNs := uint64(now.UnixNano())

	if ws := h.writeStart.Val(); ws != 0 {
		blocked := time.Duration(nowNs - ws)
		switch {
		case blocked >= h.cfg.StalledAfter:
			return ConnStalled
		case blocked >= h.cfg.NetSlowAfter:
			return ConnNetSlow
		case blocked >= h.cfg.RecvSlowAfter:
			return ConnRecvSlow
		default:
			return ConnActive
		}
	}

	idleFor := time.Duration(nowNs - h.lastActivity.Val())
	switch {
	case idleFor < h.cfg.IdleAfter:
		return ConnActive
	case !sessionOpen:
		return ConnIdle
	default:
		return ConnAppLimited
	}
}

// shouldClose reports whether state warrants closing the connection now,
// rate-limited by CloseCooldown so a connection stuck at STALLED is not
// closed on every classifier tick.
func (h *connHealth) shouldClose(now time.Time, state ConnState) bool {
	if state != ConnStalled {
		return false
	}
	if time.Duration(uint64(now.UnixNano())-h.lastClosed.Val()) < h.cfg.CloseCooldown {
		return false
	}
	h.lastClosed.Set(uint64(now.UnixNano()))
	return true
}
