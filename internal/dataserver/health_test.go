package dataserver

import (
	"testing"
	"time"
)

func testHealthConfig() HealthConfig {
	return HealthConfig{
		IdleAfter:     50 * time.Millisecond,
		RecvSlowAfter: 10 * time.Millisecond,
		NetSlowAfter:  30 * time.Millisecond,
		StalledAfter:  60 * time.Millisecond,
		CheckInterval: 5 * time.Millisecond,
		CloseCooldown: 100 * time.Millisecond,
	}
}

func TestConnHealthClassifyActiveThenIdleThenAppLimited(t *testing.T) {
	start := time.Unix(0, 0)
	h := newConnHealth(testHealthConfig(), start)

	if got := h.classify(start, false); got != ConnActive {
		t.Fatalf("classify immediately after activity = %s, want active", got)
	}
	if got := h.classify(start.Add(60*time.Millisecond), false); got != ConnIdle {
		t.Fatalf("classify with no session after IdleAfter = %s, want idle", got)
	}
	if got := h.classify(start.Add(60*time.Millisecond), true); got != ConnAppLimited {
		t.Fatalf("classify with open session after IdleAfter = %s, want app_limited", got)
	}
}

func TestConnHealthClassifyEscalatesWhileWriteBlocked(t *testing.T) {
	// Non-zero base time: connHealth reads a zero timestamp as "no write in
	// flight" / "never closed".
	start := time.Unix(1, 0)
	h := newConnHealth(testHealthConfig(), start)
	h.beginWrite(start)

	if got := h.classify(start.Add(2*time.Millisecond), true); got != ConnActive {
		t.Fatalf("classify just after write starts = %s, want active", got)
	}
	if got := h.classify(start.Add(15*time.Millisecond), true); got != ConnRecvSlow {
		t.Fatalf("classify past RecvSlowAfter = %s, want recv_slow", got)
	}
	if got := h.classify(start.Add(35*time.Millisecond), true); got != ConnNetSlow {
		t.Fatalf("classify past NetSlowAfter = %s, want net_slow", got)
	}
	if got := h.classify(start.Add(65*time.Millisecond), true); got != ConnStalled {
		t.Fatalf("classify past StalledAfter = %s, want stalled", got)
	}

	h.endWrite(start.Add(65 * time.Millisecond))
	if got := h.classify(start.Add(66*time.Millisecond), true); got != ConnActive {
		t.Fatalf("classify right after write completes = %s, want active", got)
	}
}

func TestConnHealthShouldCloseRateLimited(t *testing.T) {
	start := time.Unix(1, 0) // non-zero: zero means "never closed"
	h := newConnHealth(testHealthConfig(), start)
	h.beginWrite(start)

	stalledAt := start.Add(65 * time.Millisecond)
	if !h.shouldClose(stalledAt, ConnStalled) {
		t.Fatalf("expected first stalled classification to trigger a close")
	}
	if h.shouldClose(stalledAt.Add(5*time.Millisecond), ConnStalled) {
		t.Fatalf("expected close to be rate-limited within CloseCooldown")
	}
	if !h.shouldClose(stalledAt.Add(200*time.Millisecond), ConnStalled) {
		t.Fatalf("expected close to be allowed again after CloseCooldown")
	}
	if h.shouldClose(start, ConnActive) {
		t.Fatalf("expected non-stalled state to never trigger a close")
	}
}
