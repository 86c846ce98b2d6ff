package copyset

import (
	"testing"

	"logcore/internal/membership"
	"logcore/pkg/types"
)

func buildSnapshot(t *testing.T, perRack int, racks int) *membership.Snapshot {
	t.Helper()
	var nodes []membership.NodeInfo
	idx := types.NodeIndex(0)
	shard := types.ShardID(0)
	for r := 0; r < racks; r++ {
		for n := 0; n < perRack; n++ {
			nodes = append(nodes, membership.NodeInfo{
				Index:    idx,
				Name:     "n",
				Address:  fmtAddr(int(idx)),
				Location: types.Location{"node" + itoa(int(idx)), "rack" + itoa(r)},
				Storage: &membership.StorageInfo{
					NumShards: 1,
					ShardState: map[types.ShardID]membership.ShardMembershipState{
						shard: membership.ShardReadWrite,
					},
				},
			})
			idx++
			shard++
		}
	}
	snap, err := membership.NewSnapshot(1, nodes)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	return snap
}

func fmtAddr(i int) string { return "10.0.0." + itoa(i) + ":4440" }

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func TestSelectSatisfiesReplicationFactor(t *testing.T) {
	snap := buildSnapshot(t, 3, 3)
	prop := types.ReplicationProperty{types.ScopeRack: 3}

	picked, err := Select(snap, prop, Options{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(picked) != 3 {
		t.Fatalf("len(picked) = %d, want 3", len(picked))
	}
}

func TestSelectDeterministic(t *testing.T) {
	snap := buildSnapshot(t, 3, 3)
	prop := types.ReplicationProperty{types.ScopeRack: 3}

	a, err := Select(snap, prop, Options{Seed: 42})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	b, err := Select(snap, prop, Options{Seed: 42})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("non-deterministic result lengths")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("non-deterministic selection at %d: %v vs %v", i, a, b)
		}
	}
}

func TestSelectInsufficientCandidates(t *testing.T) {
	snap := buildSnapshot(t, 1, 1)
	prop := types.ReplicationProperty{types.ScopeRack: 3}

	_, err := Select(snap, prop, Options{})
	if err != ErrInsufficientCandidates {
		t.Fatalf("err = %v, want ErrInsufficientCandidates", err)
	}
}

func TestSelectGraylistFallback(t *testing.T) {
	snap := buildSnapshot(t, 3, 1)
	prop := types.ReplicationProperty{types.ScopeNode: 3}

	gl := Graylist{0: true, 1: true, 2: true}
	picked, err := Select(snap, prop, Options{Graylist: gl})
	if err != nil {
		t.Fatalf("Select with full graylist should fall back: %v", err)
	}
	if len(picked) != 3 {
		t.Fatalf("len(picked) = %d, want 3", len(picked))
	}
}
