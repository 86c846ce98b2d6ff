// Package adminrpc implements the control-plane collaborator surface: a
// chi-routed HTTP API over a Raft-replicated Nodes Configuration, grounded in
// internal/http/server.go's router style and pkg/raftadapter/node.go's
// Propose/applyEntry event loop (generalized here via the raftadapter.Applier
// interface rather than a hardcoded KV store).
package adminrpc

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"logcore/pkg/types"
)

// StorageState is the lifecycle state of a node's storage role, distinct
// from the per-shard states tracked by internal/membership — this is the
// coarser state the admin surface accepts mutations against.
type StorageState int

const (
	StorageStateProvisioning StorageState = iota
	StorageStateNone
	StorageStateReadOnly
	StorageStateReadWrite
	StorageStateDataMigration
	StorageStateDisabled
)

func (s StorageState) String() string {
	switch s {
	case StorageStateProvisioning:
		return "PROVISIONING"
	case StorageStateNone:
		return "NONE"
	case StorageStateReadOnly:
		return "READ_ONLY"
	case StorageStateReadWrite:
		return "READ_WRITE"
	case StorageStateDataMigration:
		return "DATA_MIGRATION"
	case StorageStateDisabled:
		return "DISABLED"
	default:
		return "INVALID"
	}
}

// removable reports whether a node in this storage state is eligible for
// removal (disabled or never provisioned).
func (s StorageState) removable() bool {
	return s == StorageStateDisabled || s == StorageStateProvisioning || s == StorageStateNone
}

// NodeRecord is one node's entry in the Nodes Configuration, the unit the
// admin RPC surface adds, removes, and updates.
type NodeRecord struct {
	Index      types.NodeIndex `json:"index"`
	Name       string          `json:"name"`
	Address    string          `json:"address"` // data-plane address, used for collision checks
	Gossip     string          `json:"gossip"`
	Location   types.Location  `json:"location"`
	Generation uint32          `json:"generation"`

	HasStorageRole bool         `json:"has_storage_role"`
	StorageState   StorageState `json:"storage_state"`
	NumShards      int          `json:"num_shards"`
	StorageWeight  float64      `json:"storage_weight"`

	HasSequencerRole bool    `json:"has_sequencer_role"`
	SequencerWeight  float64 `json:"sequencer_weight"`

	// MetadataStorageState tracks this node's role in the metadata logs,
	// supplementing the distilled spec's node record with the original's
	// separate metadata-storage lifecycle.
	MetadataStorageState StorageState `json:"metadata_storage_state"`
}

func (n NodeRecord) clone() NodeRecord {
	out := n
	out.Location = append(types.Location{}, n.Location...)
	return out
}

// aliveChecker is satisfied by *gossip.Detector; kept as a local interface so
// adminrpc does not need to import internal/gossip directly in tests.
type aliveChecker interface {
	IsAlive(node string) bool
}

// NodesConfig is the replicated cluster membership state machine. Every
// mutation flows through Apply, so the in-memory map here is only ever
// touched on the Raft apply path (via raftadapter.Node.Execute on the
// proposer side, or directly by followers applying committed entries).
type NodesConfig struct {
	mu      sync.RWMutex
	version uint64
	nodes   map[types.NodeIndex]NodeRecord
	byAddr  map[string]types.NodeIndex
	alive   aliveChecker
}

// NewNodesConfig creates an empty Nodes Configuration. alive may be nil, in
// which case removeNodes never blocks on NOT_DEAD (useful for tests and for
// bootstrapping before the gossip detector is wired up).
func NewNodesConfig(alive aliveChecker) *NodesConfig {
	return &NodesConfig{
		nodes:  make(map[types.NodeIndex]NodeRecord),
		byAddr: make(map[string]types.NodeIndex),
		alive:  alive,
	}
}

func (nc *NodesConfig) isAlive(gossipAddr string) bool {
	if nc.alive == nil || gossipAddr == "" {
		return false
	}
	return nc.alive.IsAlive(gossipAddr)
}

// Version returns the current configuration version.
func (nc *NodesConfig) Version() uint64 {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.version
}

// Get returns the node at idx.
func (nc *NodesConfig) Get(idx types.NodeIndex) (NodeRecord, bool) {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	n, ok := nc.nodes[idx]
	return n.clone(), ok
}

// All returns every node sorted by index.
func (nc *NodesConfig) All() []NodeRecord {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	out := make([]NodeRecord, 0, len(nc.nodes))
	for _, n := range nc.nodes {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

type opKind string

const (
	opAddNodes              opKind = "add_nodes"
	opRemoveNodes           opKind = "remove_nodes"
	opUpdateNodes           opKind = "update_nodes"
	opBumpGeneration        opKind = "bump_generation"
	opMarkShardsProvisioned opKind = "mark_shards_provisioned"
	opBootstrap             opKind = "bootstrap_cluster"
)

// updateRequest pairs a target index with the fields to overwrite, so a
// caller-supplied mismatched index can be distinguished from "no change".
type updateRequest struct {
	TargetIndex types.NodeIndex `json:"target_index"`
	Patch       NodeRecord      `json:"patch"`
}

type command struct {
	Kind    opKind                              `json:"kind"`
	Nodes   []NodeRecord                        `json:"nodes,omitempty"`
	Indices []types.NodeIndex                   `json:"indices,omitempty"`
	Updates []updateRequest                     `json:"updates,omitempty"`
	Shards  map[types.NodeIndex][]types.ShardID `json:"shards,omitempty"`
}

func encodeCommand(cmd command) ([]byte, error) {
	return json.Marshal(cmd)
}

// Apply implements raftadapter.Applier: every committed command mutates the
// local map under the write lock, the same apply-time validation point a
// replicated KV store would use, which is why NO_MATCH_IN_CONFIG and similar
// state-dependent errors can only be produced here rather than at propose time.
func (nc *NodesConfig) Apply(data []byte) error {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("adminrpc: unmarshal command: %w", err)
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()

	switch cmd.Kind {
	case opAddNodes:
		return nc.applyAddNodes(cmd.Nodes)
	case opRemoveNodes:
		return nc.applyRemoveNodes(cmd.Indices)
	case opUpdateNodes:
		return nc.applyUpdateNodes(cmd.Updates)
	case opBumpGeneration:
		return nc.applyBumpGeneration(cmd.Indices)
	case opMarkShardsProvisioned:
		return nc.applyMarkShardsProvisioned(cmd.Shards)
	case opBootstrap:
		return nc.applyBootstrap(cmd.Nodes)
	default:
		return fmt.Errorf("adminrpc: unknown command kind %q", cmd.Kind)
	}
}

func validateRoles(n NodeRecord) error {
	if !n.HasStorageRole && !n.HasSequencerRole {
		return failedWith(ReasonInvalidRequestNodesConfig, "node %d carries no role", n.Index)
	}
	if n.HasStorageRole && n.NumShards <= 0 {
		return failedWith(ReasonInvalidRequestNodesConfig, "node %d has storage role with no shard count", n.Index)
	}
	if n.HasSequencerRole && n.SequencerWeight <= 0 {
		return failedWith(ReasonInvalidRequestNodesConfig, "node %d has sequencer role with non-positive weight", n.Index)
	}
	return nil
}

// nextFreeIndex returns the smallest NodeIndex not currently in use.
func (nc *NodesConfig) nextFreeIndex() types.NodeIndex {
	var idx types.NodeIndex
	for {
		if _, taken := nc.nodes[idx]; !taken {
			return idx
		}
		idx++
	}
}

func (nc *NodesConfig) applyAddNodes(add []NodeRecord) error {
	// Validate the whole batch before mutating anything, so a rejected
	// batch never applies partially.
	resolved := make([]NodeRecord, len(add))
	seenAddr := make(map[string]bool, len(add))
	for i, n := range add {
		if err := validateRoles(n); err != nil {
			return err
		}
		if n.Index == types.AnyNodeIdx {
			n.Index = nc.nextFreeIndex()
		}
		if _, exists := nc.nodes[n.Index]; exists {
			return failedWith(ReasonAlreadyExists, "node index %d already present", n.Index)
		}
		if n.Address == "" {
			return failedWith(ReasonInvalidRequestNodesConfig, "node %d missing data address", n.Index)
		}
		if _, exists := nc.byAddr[n.Address]; exists || seenAddr[n.Address] {
			return failedWith(ReasonAlreadyExists, "address %q already in use", n.Address)
		}
		seenAddr[n.Address] = true
		resolved[i] = n
	}

	for _, n := range resolved {
		nc.nodes[n.Index] = n
		nc.byAddr[n.Address] = n.Index
	}
	nc.version++
	return nil
}

func (nc *NodesConfig) applyRemoveNodes(indices []types.NodeIndex) error {
	for _, idx := range indices {
		n, ok := nc.nodes[idx]
		if !ok {
			return failedWith(ReasonNoMatchInConfig, "node %d not in config", idx)
		}
		if nc.isAlive(n.Gossip) {
			return failedWith(ReasonNotDead, "node %d is alive", idx)
		}
		if n.HasStorageRole && !n.StorageState.removable() {
			return failedWith(ReasonNotDisabled, "node %d storage state %s is not disabled", idx, n.StorageState)
		}
	}
	for _, idx := range indices {
		n := nc.nodes[idx]
		delete(nc.byAddr, n.Address)
		delete(nc.nodes, idx)
	}
	nc.version++
	return nil
}

func (nc *NodesConfig) applyUpdateNodes(updates []updateRequest) error {
	for _, u := range updates {
		cur, ok := nc.nodes[u.TargetIndex]
		if !ok {
			return failedWith(ReasonNoMatchInConfig, "node %d not in config", u.TargetIndex)
		}
		if u.Patch.Index != 0 && u.Patch.Index != u.TargetIndex {
			return failedWith(ReasonInvalidRequestNodesConfig, "patch index %d does not match target %d", u.Patch.Index, u.TargetIndex)
		}
		if len(u.Patch.Location) > 0 && !locationsEqual(u.Patch.Location, cur.Location) {
			return invalidParam("location", "node %d location is immutable", u.TargetIndex)
		}
	}

	for _, u := range updates {
		cur := nc.nodes[u.TargetIndex]
		next := mergeNodeRecord(cur, u.Patch)
		if next.Address != cur.Address {
			if _, exists := nc.byAddr[next.Address]; exists {
				return failedWith(ReasonAlreadyExists, "address %q already in use", next.Address)
			}
			delete(nc.byAddr, cur.Address)
			nc.byAddr[next.Address] = u.TargetIndex
		}
		nc.nodes[u.TargetIndex] = next
	}
	nc.version++
	return nil
}

func locationsEqual(a, b types.Location) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// mergeNodeRecord applies non-zero fields of patch over cur. Index and
// Location are handled by the caller (immutability, index pinning); this
// only merges the mutable attributes.
func mergeNodeRecord(cur, patch NodeRecord) NodeRecord {
	next := cur
	if patch.Name != "" {
		next.Name = patch.Name
	}
	if patch.Address != "" {
		next.Address = patch.Address
	}
	if patch.Gossip != "" {
		next.Gossip = patch.Gossip
	}
	if patch.HasStorageRole {
		next.HasStorageRole = true
	}
	if patch.HasSequencerRole {
		next.HasSequencerRole = true
	}
	if patch.NumShards != 0 {
		next.NumShards = patch.NumShards
	}
	if patch.StorageWeight != 0 {
		next.StorageWeight = patch.StorageWeight
	}
	if patch.SequencerWeight != 0 {
		next.SequencerWeight = patch.SequencerWeight
	}
	if patch.StorageState != 0 {
		next.StorageState = patch.StorageState
	}
	if patch.MetadataStorageState != 0 {
		next.MetadataStorageState = patch.MetadataStorageState
	}
	return next
}

func (nc *NodesConfig) applyBumpGeneration(indices []types.NodeIndex) error {
	for _, idx := range indices {
		if _, ok := nc.nodes[idx]; !ok {
			return failedWith(ReasonNoMatchInConfig, "node %d not in config", idx)
		}
	}
	for _, idx := range indices {
		n := nc.nodes[idx]
		n.Generation++
		nc.nodes[idx] = n
	}
	nc.version++
	return nil
}

func (nc *NodesConfig) applyMarkShardsProvisioned(shards map[types.NodeIndex][]types.ShardID) error {
	for idx := range shards {
		if _, ok := nc.nodes[idx]; !ok {
			return failedWith(ReasonNoMatchInConfig, "node %d not in config", idx)
		}
	}
	for idx := range shards {
		n := nc.nodes[idx]
		if n.StorageState == StorageStateProvisioning {
			n.StorageState = StorageStateNone
		}
		nc.nodes[idx] = n
	}
	nc.version++
	return nil
}

// applyBootstrap installs the initial Nodes Configuration wholesale. Once
// any node has been added this always fails, mirroring the control plane's
// one-shot cluster bootstrap.
func (nc *NodesConfig) applyBootstrap(nodes []NodeRecord) error {
	if len(nc.nodes) != 0 {
		return failedWith(ReasonAlreadyExists, "cluster already bootstrapped")
	}
	return nc.applyAddNodes(nodes)
}
