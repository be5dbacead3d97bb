// Package shard implements the fixed-count shard table: deterministic
// key-to-shard mapping, per-node ownership bookkeeping, and metadata-only
// rebalancing.
//
// Grounded on the teacher's clusterserver.ShardMap (AssignShard/GetShard/
// Stats), cut down to the allocation+owned_shards model the spec names and
// stripped of the streaming data-migration path that ShardMap's companion
// rebalance.go performed — rebalance here only ever recomputes `allocation`.
package shard

import (
	"crypto/md5"
	"sort"
	"sync"

	"github.com/quorumkv/quorumkv/internal/core/domain"
)

// DefaultNumShards is the default partition count.
const DefaultNumShards = 10

// ShardOf computes the shard id for a key: MD5(key) mod numShards. This
// uses the same hash primitive as the ring (package ringhash) because
// spec.md defines both in terms of MD5, not because the two rings need to
// agree on anything — shard and ring placement are independent mappings.
func ShardOf(key string, numShards int) int {
	sum := md5.Sum([]byte(key))
	// Reduce the whole 128-bit big-endian digest mod numShards, byte by byte.
	r := 0
	for _, b := range sum {
		r = (r<<8 | int(b)) % numShards
	}
	return r
}

// Manager owns the shard allocation table for one node.
type Manager struct {
	mu         sync.RWMutex
	selfID     string
	numShards  int
	allocation []string // shard id -> node id
	owned      map[int]bool
}

// New creates a Manager for selfID with numShards partitions, all
// unassigned until AssignInitial or AddShard/RemoveShard populate them.
func New(selfID string, numShards int) *Manager {
	if numShards <= 0 {
		numShards = DefaultNumShards
	}
	return &Manager{
		selfID:     selfID,
		numShards:  numShards,
		allocation: make([]string, numShards),
		owned:      make(map[int]bool),
	}
}

// NumShards returns the configured shard count.
func (m *Manager) NumShards() int {
	return m.numShards
}

// ShardOf computes the shard id for key against this manager's shard count.
func (m *Manager) ShardOf(key string) int {
	return ShardOf(key, m.numShards)
}

// AssignInitial assigns shard s to nodesSorted[s % len(nodesSorted)] for
// every shard, deterministically given the ordered node list (round-robin
// over the statically configured node order).
func (m *Manager) AssignInitial(nodesSorted []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(nodesSorted)
	for s := 0; s < m.numShards; s++ {
		owner := nodesSorted[s%n]
		m.allocation[s] = owner
		if owner == m.selfID {
			m.owned[s] = true
		} else {
			delete(m.owned, s)
		}
	}
}

// OwnsKey reports whether this node owns the shard key maps to.
func (m *Manager) OwnsKey(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owned[ShardOf(key, m.numShards)]
}

// Owner returns the node id owning the shard key maps to.
func (m *Manager) Owner(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocation[ShardOf(key, m.numShards)]
}

// OwnedShards returns the sorted set of shard ids currently owned by this
// node.
func (m *Manager) OwnedShards() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, 0, len(m.owned))
	for s := range m.owned {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// AddShard assigns shard s to this node, updating both the allocation table
// and the local owned-shards set atomically.
func (m *Manager) AddShard(s int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocation[s] = m.selfID
	m.owned[s] = true
}

// RemoveShard clears this node's ownership of shard s. The allocation entry
// is left to the caller (typically immediately reassigned as part of
// Rebalance or AssignInitial); RemoveShard alone only guarantees this node
// no longer claims it.
func (m *Manager) RemoveShard(s int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owned, s)
}

// Rebalance recomputes the allocation table over nodesSorted so that every
// node ends up with floor(numShards/len(nodes)) or ceil(...) shards, moving
// shards from overloaded to underloaded nodes in a stable order: source
// nodes are iterated in config order, destinations in config order. This
// updates `allocation` and, if this node is a source or destination of any
// move, its own owned-shards set — it never touches stored data (moving a
// shard is a metadata act, per spec.md §4.2).
func (m *Manager) Rebalance(nodesSorted []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(nodesSorted)
	if n == 0 {
		return
	}

	target := m.numShards / n
	remainder := m.numShards % n

	// ceilCount nodes (in config order) get target+1 shards; the rest get target.
	capacity := make(map[string]int, n)
	for i, node := range nodesSorted {
		c := target
		if i < remainder {
			c++
		}
		capacity[node] = c
	}

	byNode := make(map[string][]int, n)
	for s, owner := range m.allocation {
		byNode[owner] = append(byNode[owner], s)
	}

	// Collect shards that must move off overloaded nodes, in config order.
	var floating []int
	for _, node := range nodesSorted {
		shards := byNode[node]
		sort.Ints(shards)
		keep := capacity[node]
		if keep > len(shards) {
			keep = len(shards)
		}
		byNode[node] = shards[:keep]
		floating = append(floating, shards[keep:]...)
	}
	// Shards whose previous owner is no longer in nodesSorted also float.
	for s, owner := range m.allocation {
		stillPresent := false
		for _, node := range nodesSorted {
			if node == owner {
				stillPresent = true
				break
			}
		}
		if !stillPresent {
			floating = append(floating, s)
		}
	}
	sort.Ints(floating)
	floating = dedupInts(floating)

	fi := 0
	for _, node := range nodesSorted {
		need := capacity[node] - len(byNode[node])
		for ; need > 0 && fi < len(floating); need-- {
			byNode[node] = append(byNode[node], floating[fi])
			fi++
		}
	}

	newAllocation := make([]string, m.numShards)
	for _, node := range nodesSorted {
		for _, s := range byNode[node] {
			newAllocation[s] = node
		}
	}
	m.allocation = newAllocation

	m.owned = make(map[int]bool)
	for s, owner := range m.allocation {
		if owner == m.selfID {
			m.owned[s] = true
		}
	}
}

func dedupInts(in []int) []int {
	out := in[:0]
	var last int
	for i, v := range in {
		if i == 0 || v != last {
			out = append(out, v)
			last = v
		}
	}
	return out
}

// Stats is a snapshot of the current allocation, for GetMetadata/diagnostics.
type Stats struct {
	NumShards    int
	OwnedShards  []int
	Allocation   map[int]string
}

// Snapshot returns a point-in-time copy of the allocation table.
func (m *Manager) Snapshot() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alloc := make(map[int]string, m.numShards)
	owned := make([]int, 0, len(m.owned))
	for s, owner := range m.allocation {
		alloc[s] = owner
	}
	for s := range m.owned {
		owned = append(owned, s)
	}
	sort.Ints(owned)
	return Stats{
		NumShards:   m.numShards,
		OwnedShards: owned,
		Allocation:  alloc,
	}
}

// OwnerError builds the NotOwner error for key when this node does not own
// its shard.
func (m *Manager) OwnerError(key string) error {
	return domain.NotOwner(m.Owner(key))
}
