package raftadapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"logcore/pkg/config"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// kvApplier replicates a single key/value pair, used only to exercise the
// Node event loop end to end.
type kvApplier struct {
	mu sync.RWMutex
	m  map[string]string
}

func newKVApplier() *kvApplier {
	return &kvApplier{m: make(map[string]string)}
}

func (a *kvApplier) Apply(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m["k"] = string(data)
	return nil
}

func (a *kvApplier) get() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.m["k"]
	return v, ok
}

// inprocTransport routes raft messages between nodes in memory.
type inprocTransport struct {
	nodesMu sync.RWMutex
	nodes   map[uint64]*Node
}

func newInprocTransport() *inprocTransport {
	return &inprocTransport{nodes: make(map[uint64]*Node)}
}

func (t *inprocTransport) Send(msg raftpb.Message) error {
	t.nodesMu.RLock()
	target, ok := t.nodes[msg.To]
	t.nodesMu.RUnlock()
	if !ok {
		return nil
	}
	go func() {
		_ = target.Handle(context.Background(), msg)
	}()
	return nil
}

func (t *inprocTransport) AddPeer(id uint64, addr string) {
	_ = id
	_ = addr
}
func (t *inprocTransport) RemovePeer(id uint64)              { _ = id }
func (t *inprocTransport) UpdatePeer(id uint64, addr string) { _ = id; _ = addr }

func waitForLeader(t *testing.T, nodes []*Node, timeout time.Duration) *Node {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var leaders []*Node
		for _, n := range nodes {
			if n.IsLeader() {
				leaders = append(leaders, n)
			}
		}
		if len(leaders) == 1 {
			return leaders[0]
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("leader not elected within %s", timeout)
	return nil
}

func TestReplication_3Nodes(t *testing.T) {
	appliers := []*kvApplier{newKVApplier(), newKVApplier(), newKVApplier()}
	cfg := func(id uint64) *config.RaftConfig {
		peers := []config.RaftPeerConfig{
			{ID: 1, Address: "n1"},
			{ID: 2, Address: "n2"},
			{ID: 3, Address: "n3"},
		}
		return &config.RaftConfig{
			ID:                        id,
			ElectionTick:              10,
			HeartbeatTick:             2,
			MaxSizePerMsg:             1024,
			MaxCommittedSizePerReady:  4096,
			MaxUncommittedEntriesSize: 8192,
			MaxInflightMsgs:           256,
			Peers:                     peers,
		}
	}

	nodes := make([]*Node, 3)
	transport := newInprocTransport()

	for i := 0; i < 3; i++ {
		n, err := NewNode(cfg(uint64(i+1)), appliers[i])
		if err != nil {
			t.Fatalf("failed to create node %d: %v", i+1, err)
		}
		n.transport = transport
		nodes[i] = n
	}

	for _, n := range nodes {
		transport.nodesMu.Lock()
		transport.nodes[n.ID] = n
		transport.nodesMu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(len(nodes))
	for _, n := range nodes {
		go func(node *Node) {
			defer wg.Done()
			_ = node.Run(ctx)
		}(n)
	}

	leader := waitForLeader(t, nodes, 5*time.Second)
	t.Logf("leader elected: %d", leader.ID)

	if err := leader.Execute(context.Background(), []byte("v")); err != nil {
		t.Fatalf("leader Execute failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		all := true
		for _, a := range appliers {
			if _, ok := a.get(); !ok {
				all = false
				break
			}
		}
		if all {
			for _, n := range nodes {
				_ = n.Stop()
			}
			wg.Wait()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	for i, a := range appliers {
		v, ok := a.get()
		t.Logf("applier %d has key? %v value=%s", i+1, ok, v)
	}
	for _, n := range nodes {
		_ = n.Stop()
	}
	wg.Wait()
	t.Fatalf("replication did not reach all nodes in time")
}
