// Package copyset selects replica sets for a record or a nodeset, honoring
// failure-domain scope requirements. It generalizes the teacher's
// cluster.Placement.Owners (modulo-rotation ownership over a flat node list,
// pkg/cluster/placement.go) and HashRing (pkg/cluster/ring.go) into a
// domain-aware selector driven by a ReplicationProperty instead of a single
// replication factor.
package copyset

import (
	"fmt"
	"sort"

	"logcore/internal/membership"
	"logcore/pkg/types"
)

// Graylist marks shards that recently failed a STORE wave; the selector
// avoids them unless avoiding them leaves too few candidates.
type Graylist map[types.ShardID]bool

// Options configures one selection call.
type Options struct {
	Exclude  map[types.ShardID]bool // never select, regardless of graylist fallback
	Graylist Graylist
	Existing []types.ShardID // already-selected members an extension must keep
	Extras   int             // additional candidates beyond Existing to reach target
	Seed     int64           // deterministic tie-break seed; 0 uses a fixed default
}

// ErrInsufficientCandidates is returned when no placement can satisfy the
// replication property from the available nodeset.
var ErrInsufficientCandidates = fmt.Errorf("copyset: insufficient candidates to satisfy replication property")

// Select deterministically picks a copyset of nodes from the storage nodes in
// snap that satisfies prop, preferring graylist-free candidates and spreading
// selections across failure domains by scope. Select is a pure function of
// its inputs: given the same snapshot, property and options (including seed),
// it always returns the same copyset, up to permutation-invariant ordering of
// ties.
func Select(snap *membership.Snapshot, prop types.ReplicationProperty, opts Options) ([]types.ShardID, error) {
	if err := prop.Validate(); err != nil {
		return nil, err
	}
	target := prop.ReplicationFactor() + opts.Extras

	candidates := collectCandidates(snap, opts.Exclude)
	if len(candidates) < target {
		return nil, ErrInsufficientCandidates
	}

	preferred := filterGraylist(candidates, opts.Graylist)
	chosen := append([]types.ShardID{}, opts.Existing...)
	chosenSet := toSet(chosen)

	if ordered, err := tryBuild(snap, preferred, prop, target, chosen, chosenSet, opts.Seed); err == nil {
		return ordered, nil
	}

	// Graylist left too few candidates to satisfy the property: fall back to
	// the full candidate set, still excluding opts.Exclude.
	ordered, err := tryBuild(snap, candidates, prop, target, chosen, chosenSet, opts.Seed)
	if err != nil {
		return nil, ErrInsufficientCandidates
	}
	return ordered, nil
}

func collectCandidates(snap *membership.Snapshot, exclude map[types.ShardID]bool) []types.ShardID {
	var out []types.ShardID
	for _, n := range snap.StorageNodes() {
		if n.Storage == nil {
			continue
		}
		for sid, state := range n.Storage.ShardState {
			if exclude[sid] {
				continue
			}
			if state.String() != "READ_WRITE" {
				continue
			}
			out = append(out, sid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func filterGraylist(candidates []types.ShardID, gl Graylist) []types.ShardID {
	if len(gl) == 0 {
		return candidates
	}
	var out []types.ShardID
	for _, c := range candidates {
		if !gl[c] {
			out = append(out, c)
		}
	}
	return out
}

func toSet(shards []types.ShardID) map[types.ShardID]bool {
	s := make(map[types.ShardID]bool, len(shards))
	for _, sh := range shards {
		s[sh] = true
	}
	return s
}

// tryBuild greedily extends chosen with candidates, maximizing the minimum
// failure-domain scope distance between any two picked nodes, until len ==
// target or candidates are exhausted.
func tryBuild(snap *membership.Snapshot, candidates []types.ShardID, prop types.ReplicationProperty, target int, chosen []types.ShardID, chosenSet map[types.ShardID]bool, seed int64) ([]types.ShardID, error) {
	result := append([]types.ShardID{}, chosen...)
	resultSet := make(map[types.ShardID]bool, len(chosenSet))
	for k := range chosenSet {
		resultSet[k] = true
	}

	ownerOf := shardOwnerIndex(snap)
	remaining := make([]types.ShardID, 0, len(candidates))
	for _, c := range candidates {
		if !resultSet[c] {
			remaining = append(remaining, c)
		}
	}
	deterministicShuffle(remaining, seed)

	for len(result) < target && len(remaining) > 0 {
		best := pickFarthest(snap, ownerOf, result, remaining)
		result = append(result, best)
		resultSet[best] = true
		remaining = removeShard(remaining, best)
	}

	if len(result) < target {
		return nil, ErrInsufficientCandidates
	}
	if !satisfiesProperty(snap, ownerOf, result, prop) {
		return nil, ErrInsufficientCandidates
	}
	return result, nil
}

func shardOwnerIndex(snap *membership.Snapshot) map[types.ShardID]types.NodeIndex {
	idx := make(map[types.ShardID]types.NodeIndex)
	for _, n := range snap.StorageNodes() {
		if n.Storage == nil {
			continue
		}
		for sid := range n.Storage.ShardState {
			idx[sid] = n.Index
		}
	}
	return idx
}

// pickFarthest returns the remaining candidate whose minimum ClosestSharedScope
// distance to every already-picked node is largest (i.e. shares the fewest
// failure domains with the current selection), breaking ties by shard id.
func pickFarthest(snap *membership.Snapshot, ownerOf map[types.ShardID]types.NodeIndex, picked []types.ShardID, remaining []types.ShardID) types.ShardID {
	if len(picked) == 0 {
		return remaining[0]
	}
	bestIdx := 0
	bestScope := types.ScopeNode - 1 // worse than any real scope
	for i, cand := range remaining {
		worstScope := types.ScopeRoot
		for _, p := range picked {
			sc := snap.ClosestSharedScope(ownerOf[cand], ownerOf[p])
			if sc < worstScope {
				worstScope = sc
			}
		}
		if worstScope > bestScope {
			bestScope = worstScope
			bestIdx = i
		}
	}
	return remaining[bestIdx]
}

func removeShard(shards []types.ShardID, target types.ShardID) []types.ShardID {
	out := shards[:0]
	for _, s := range shards {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// satisfiesProperty checks that for every scope in prop, the picked shards
// span at least that many distinct failure domains at that scope.
func satisfiesProperty(snap *membership.Snapshot, ownerOf map[types.ShardID]types.NodeIndex, picked []types.ShardID, prop types.ReplicationProperty) bool {
	for scope, minCount := range prop {
		domains := map[string]bool{}
		for _, sid := range picked {
			node, ok := snap.Get(ownerOf[sid])
			if !ok {
				continue
			}
			domains[domainKey(node.Location, scope)] = true
		}
		if len(domains) < minCount {
			return false
		}
	}
	return true
}

// domainKey returns the failure-domain identity of loc at scope: the
// location suffix from scope's index outward, since Location is narrowest
// (node) first. Two nodes share a domain at scope iff their domainKey
// matches.
func domainKey(loc types.Location, scope types.Scope) string {
	start := int(scope)
	if start > len(loc) {
		start = len(loc)
	}
	key := ""
	for i := start; i < len(loc); i++ {
		key += loc[i] + "/"
	}
	return key
}

// deterministicShuffle reorders shards using a simple linear-congruential
// sequence seeded by seed, so selection among equally-good candidates is
// reproducible rather than dependent on map/slice iteration order.
func deterministicShuffle(shards []types.ShardID, seed int64) {
	if seed == 0 {
		seed = 0x2545F4914F6CDD1D
	}
	state := uint64(seed)
	for i := len(shards) - 1; i > 0; i-- {
		state = state*6364136223846793005 + 1442695040888963407
		j := int(state % uint64(i+1))
		shards[i], shards[j] = shards[j], shards[i]
	}
}
