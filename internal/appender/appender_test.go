package appender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"logcore/internal/membership"
	"logcore/pkg/logerrors"
	"logcore/pkg/types"
	"logcore/pkg/wire"
)

func threeNodeSnapshot(t *testing.T) *membership.Snapshot {
	t.Helper()
	nodes := []membership.NodeInfo{
		{Index: 0, Name: "n0", Address: "10.0.0.1:1", Location: types.Location{"n0", "r0"},
			Storage: &membership.StorageInfo{NumShards: 1, ShardState: map[types.ShardID]membership.ShardMembershipState{0: membership.ShardReadWrite}}},
		{Index: 1, Name: "n1", Address: "10.0.0.2:1", Location: types.Location{"n1", "r1"},
			Storage: &membership.StorageInfo{NumShards: 1, ShardState: map[types.ShardID]membership.ShardMembershipState{1: membership.ShardReadWrite}}},
		{Index: 2, Name: "n2", Address: "10.0.0.3:1", Location: types.Location{"n2", "r2"},
			Storage: &membership.StorageInfo{NumShards: 1, ShardState: map[types.ShardID]membership.ShardMembershipState{2: membership.ShardReadWrite}}},
	}
	snap, err := membership.NewSnapshot(1, nodes)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	return snap
}

type alwaysOKSender struct{}

func (alwaysOKSender) SendStore(ctx context.Context, dest types.ShardID, body wire.StoreBody) (wire.StoredBody, error) {
	return wire.StoredBody{Log: body.Log, LSN: body.LSN, Status: wire.StoredOK}, nil
}

func TestReplicateSucceedsWithAllAcks(t *testing.T) {
	snap := threeNodeSnapshot(t)
	c := New(Config{
		Log:         1,
		Snapshot:    func() *membership.Snapshot { return snap },
		Replication: types.ReplicationProperty{types.ScopeNode: 3},
		Sender:      alwaysOKSender{},
	})

	done, err := c.Replicate(context.Background(), 1, types.LSN{Epoch: 1, ESN: 1}, []byte("x"), 0)
	if err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	select {
	case res := <-done:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for result")
	}
	if c.ReleasedUpTo() != (types.LSN{Epoch: 1, ESN: 1}) {
		t.Fatalf("releasedUpTo = %v", c.ReleasedUpTo())
	}
}

type partialFailSender struct{ failDest types.ShardID }

func (s partialFailSender) SendStore(ctx context.Context, dest types.ShardID, body wire.StoreBody) (wire.StoredBody, error) {
	if dest == s.failDest {
		return wire.StoredBody{Status: wire.StoredNoSpc}, nil
	}
	return wire.StoredBody{Log: body.Log, LSN: body.LSN, Status: wire.StoredOK}, nil
}

func TestReplicateRetriesFailedDestination(t *testing.T) {
	snap := threeNodeSnapshot(t)
	c := New(Config{
		Log:         1,
		Snapshot:    func() *membership.Snapshot { return snap },
		Replication: types.ReplicationProperty{types.ScopeNode: 2},
		Sender:      partialFailSender{failDest: 0},
		MaxWaves:    3,
		WaveTimeout: 200 * time.Millisecond,
	})

	done, err := c.Replicate(context.Background(), 1, types.LSN{Epoch: 1, ESN: 1}, []byte("x"), 0)
	if err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	select {
	case res := <-done:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for result")
	}
}

type preemptedSender struct{ by types.Epoch }

func (s preemptedSender) SendStore(ctx context.Context, dest types.ShardID, body wire.StoreBody) (wire.StoredBody, error) {
	return wire.StoredBody{Log: body.Log, LSN: body.LSN, Status: wire.StoredPreempted, PreemptingEpoch: s.by}, nil
}

type fakePreempter struct {
	mu sync.Mutex
	by types.Epoch
}

func (f *fakePreempter) Preempt(by types.Epoch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.by = by
}

func TestReplicateFailsRecordAndPreemptsSequencerOnStoredPreempted(t *testing.T) {
	snap := threeNodeSnapshot(t)
	preempter := &fakePreempter{}
	c := New(Config{
		Log:         1,
		Snapshot:    func() *membership.Snapshot { return snap },
		Replication: types.ReplicationProperty{types.ScopeNode: 3},
		Sender:      preemptedSender{by: 7},
		Preempter:   preempter,
	})

	done, err := c.Replicate(context.Background(), 1, types.LSN{Epoch: 1, ESN: 1}, []byte("x"), 0)
	if err != nil {
		t.Fatalf("Replicate: %v", err)
	}
	select {
	case res := <-done:
		if !errors.Is(res.Err, logerrors.ErrPreempted) {
			t.Fatalf("expected ErrPreempted, got %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for result")
	}
	preempter.mu.Lock()
	defer preempter.mu.Unlock()
	if preempter.by != 7 {
		t.Fatalf("expected sequencer preempted with epoch 7, got %d", preempter.by)
	}
}
