package gossip

import (
	"testing"
	"time"
)

func TestMarkSeenPromotesToAlive(t *testing.T) {
	d := newDetector(Config{SelfName: "n1"})
	d.MarkSeen("n2")
	if got := d.State("n2"); got != StateAlive {
		t.Fatalf("state = %v, want ALIVE", got)
	}
	if !d.IsAlive("n2") {
		t.Fatal("expected IsAlive true")
	}
}

func TestUnknownNodeFailsClosedDead(t *testing.T) {
	d := newDetector(Config{SelfName: "n1"})
	if got := d.State("never-seen"); got != StateDead {
		t.Fatalf("state = %v, want DEAD", got)
	}
}

func TestCheckSuspicionPromotesThroughStates(t *testing.T) {
	d := newDetector(Config{
		SelfName:        "n1",
		HeartbeatPeriod: time.Second,
		SuspectAfter:    2 * time.Second,
		DeadAfter:       2 * time.Second,
	})
	base := time.Now()
	d.mu.Lock()
	d.lastSeen["n2"] = base
	d.state["n2"] = StateAlive
	d.alive.Add("n2")
	d.mu.Unlock()

	d.checkSuspicion(base.Add(time.Second))
	if got := d.State("n2"); got != StateAlive {
		t.Fatalf("state after 1s = %v, want ALIVE", got)
	}

	d.checkSuspicion(base.Add(3 * time.Second))
	if got := d.State("n2"); got != StateSuspect {
		t.Fatalf("state after 3s = %v, want SUSPECT", got)
	}

	d.checkSuspicion(base.Add(6 * time.Second))
	if got := d.State("n2"); got != StateDead {
		t.Fatalf("state after 6s = %v, want DEAD", got)
	}
	if d.IsAlive("n2") {
		t.Fatal("expected IsAlive false once DEAD")
	}
}

func TestSubscribeFiresOnTransition(t *testing.T) {
	d := newDetector(Config{SelfName: "n1"})
	var got []State
	d.Subscribe(func(node string, state State) {
		if node == "n2" {
			got = append(got, state)
		}
	})
	d.MarkSeen("n2")
	d.MarkSeen("n2") // repeat heartbeat must not re-fire the observer

	if len(got) != 1 || got[0] != StateAlive {
		t.Fatalf("observed transitions = %v, want [ALIVE]", got)
	}
}
