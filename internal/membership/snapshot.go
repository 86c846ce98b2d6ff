// Package membership provides the immutable, versioned cluster view that the
// rest of the core routes and replicates against. It follows the teacher's
// atomic-pointer snapshot-swap pattern (see pkg/memtable's
// atomic.Pointer[concurrentSet] rotation) rather than sharing mutable state
// across workers.
package membership

import (
	"fmt"
	"sort"

	"logcore/pkg/types"
)

// ShardMembershipState is the lifecycle state of one shard on one node.
type ShardMembershipState int

const (
	ShardProvisioning ShardMembershipState = iota
	ShardNone
	ShardReadOnly
	ShardReadWrite
	ShardDataMigration
	ShardInvalid
)

func (s ShardMembershipState) String() string {
	switch s {
	case ShardProvisioning:
		return "PROVISIONING"
	case ShardNone:
		return "NONE"
	case ShardReadOnly:
		return "READ_ONLY"
	case ShardReadWrite:
		return "READ_WRITE"
	case ShardDataMigration:
		return "DATA_MIGRATION"
	default:
		return "INVALID"
	}
}

// StorageInfo describes a node's storage role attributes.
type StorageInfo struct {
	NumShards      int
	CapacityWeight float64
	ShardState     map[types.ShardID]ShardMembershipState
}

// SequencerInfo describes a node's sequencer role attributes.
type SequencerInfo struct {
	Weight float64
}

// NodeInfo is one node's full membership record.
type NodeInfo struct {
	Index      types.NodeIndex
	Name       string
	Address    string
	Gossip     string // gossip-connection address
	Location   types.Location
	Generation uint32

	Storage   *StorageInfo   // nil if the node has no storage role
	Sequencer *SequencerInfo // nil if the node has no sequencer role
}

// HasStorageRole reports whether the node carries the storage role.
func (n NodeInfo) HasStorageRole() bool { return n.Storage != nil }

// HasSequencerRole reports whether the node carries the sequencer role.
func (n NodeInfo) HasSequencerRole() bool { return n.Sequencer != nil }

// Snapshot is an immutable view of the cluster at a given version. Once
// published, a Snapshot is never mutated; a new version replaces it wholesale.
type Snapshot struct {
	Version uint64
	nodes   map[types.NodeIndex]NodeInfo
	byName  map[string]types.NodeIndex
}

// NewSnapshot builds a Snapshot from a node list, validating that indices
// and addresses are unique.
func NewSnapshot(version uint64, nodeList []NodeInfo) (*Snapshot, error) {
	s := &Snapshot{
		Version: version,
		nodes:   make(map[types.NodeIndex]NodeInfo, len(nodeList)),
		byName:  make(map[string]types.NodeIndex, len(nodeList)),
	}
	seenAddr := make(map[string]bool, len(nodeList))
	for _, n := range nodeList {
		if _, dup := s.nodes[n.Index]; dup {
			return nil, fmt.Errorf("membership: duplicate node index %d", n.Index)
		}
		if seenAddr[n.Address] {
			return nil, fmt.Errorf("membership: duplicate node address %q", n.Address)
		}
		seenAddr[n.Address] = true
		s.nodes[n.Index] = n
		s.byName[n.Name] = n.Index
	}
	return s, nil
}

// Get returns the node at idx.
func (s *Snapshot) Get(idx types.NodeIndex) (NodeInfo, bool) {
	n, ok := s.nodes[idx]
	return n, ok
}

// GetByName returns the node with the given name.
func (s *Snapshot) GetByName(name string) (NodeInfo, bool) {
	idx, ok := s.byName[name]
	if !ok {
		return NodeInfo{}, false
	}
	n, ok := s.nodes[idx]
	return n, ok
}

// All returns every node, sorted by index for deterministic iteration.
func (s *Snapshot) All() []NodeInfo {
	out := make([]NodeInfo, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// StorageNodes returns every node carrying the storage role.
func (s *Snapshot) StorageNodes() []NodeInfo {
	var out []NodeInfo
	for _, n := range s.All() {
		if n.HasStorageRole() {
			out = append(out, n)
		}
	}
	return out
}

// SequencerNodes returns every node carrying the sequencer role.
func (s *Snapshot) SequencerNodes() []NodeInfo {
	var out []NodeInfo
	for _, n := range s.All() {
		if n.HasSequencerRole() {
			out = append(out, n)
		}
	}
	return out
}

// ClosestSharedScope returns the narrowest failure-domain scope shared by the
// locations of idx1 and idx2. Locations are narrowest-first with element i
// naming the domain at scope i, so the shared domains form a common suffix
// and the narrowest shared scope is the index where that suffix starts.
// Nodes not found, or with no location element in common, share only the
// root scope.
func (s *Snapshot) ClosestSharedScope(idx1, idx2 types.NodeIndex) types.Scope {
	n1, ok1 := s.nodes[idx1]
	n2, ok2 := s.nodes[idx2]
	if !ok1 || !ok2 {
		return types.ScopeRoot
	}
	l1, l2 := n1.Location, n2.Location
	shared := 0
	for shared < len(l1) && shared < len(l2) && l1[len(l1)-1-shared] == l2[len(l2)-1-shared] {
		shared++
	}
	start := len(l1) - shared
	if shared == 0 || start >= int(types.ScopeRoot) {
		return types.ScopeRoot
	}
	return types.Scope(start)
}

// NumShardsTotal returns the sum of per-node shard counts across storage
// nodes, used by nodeset selectors that need a stable shard-space size.
func (s *Snapshot) NumShardsTotal() int {
	total := 0
	for _, n := range s.StorageNodes() {
		total += n.Storage.NumShards
	}
	return total
}
