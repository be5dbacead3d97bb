// Package ringhash implements the consistent-hash ring used for initial
// node placement and dynamic membership.
//
// Ring positions are the low 32 bits of the MD5 digest of the hashed input,
// matching the cross-process placement-determinism requirement: any two
// processes computing Ring.GetNode for the same key against the same node
// set must agree, so the hash must be a pure function of its input bytes
// with no process-local seed (the teacher's shard.go uses murmur3 for the
// same structure; MD5 is substituted here because the hash algorithm itself
// is pinned by spec, not left to the implementer).
package ringhash

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/quorumkv/quorumkv/internal/core/domain"
)

// DefaultVirtualNodes is the default number of ring positions per real node.
const DefaultVirtualNodes = 150

type vnode struct {
	pos    uint32
	nodeID string
	seq    uint64 // insertion order, used to break position ties deterministically
}

// Ring is a consistent-hash ring mapping keys to nodes via virtual nodes.
type Ring struct {
	mu            sync.RWMutex
	virtualNodes  int
	entries       []vnode // kept sorted by pos, tie-broken by seq
	nextSeq       uint64
	realNodeCount map[string]int
}

// New creates a Ring with the given number of virtual nodes per real node.
// A value <= 0 selects DefaultVirtualNodes.
func New(virtualNodesPerReal int) *Ring {
	if virtualNodesPerReal <= 0 {
		virtualNodesPerReal = DefaultVirtualNodes
	}
	return &Ring{
		virtualNodes:  virtualNodesPerReal,
		realNodeCount: make(map[string]int),
	}
}

// hashPos derives a ring position in [0, 2^32) from an arbitrary key via
// truncated MD5, per spec.
func hashPos(key string) uint32 {
	sum := md5.Sum([]byte(key))
	return binary.BigEndian.Uint32(sum[12:16])
}

// AddNode inserts virtual_nodes_per_real entries for nodeID. Calling AddNode
// twice for the same node is not idempotent — callers must RemoveNode first
// to re-add, matching the invariant that after AddNode there are exactly
// virtual_nodes_per_real entries for the node.
func (r *Ring) AddNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.virtualNodes; i++ {
		pos := hashPos(fmt.Sprintf("%s:%d", nodeID, i))
		r.entries = append(r.entries, vnode{pos: pos, nodeID: nodeID, seq: r.nextSeq})
		r.nextSeq++
	}
	r.realNodeCount[nodeID] = r.virtualNodes
	r.sortEntries()
}

// RemoveNode deletes every entry belonging to nodeID.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.nodeID != nodeID {
			kept = append(kept, e)
		}
	}
	r.entries = kept
	delete(r.realNodeCount, nodeID)
}

func (r *Ring) sortEntries() {
	sort.Slice(r.entries, func(i, j int) bool {
		if r.entries[i].pos != r.entries[j].pos {
			return r.entries[i].pos < r.entries[j].pos
		}
		return r.entries[i].seq < r.entries[j].seq
	})
}

// GetNode returns the node owning key: the node at the smallest ring
// position >= hash(key), wrapping around to the first entry.
func (r *Ring) GetNode(key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return "", domain.ErrEmptyRing
	}

	p := hashPos(key)
	idx := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].pos >= p
	})
	if idx == len(r.entries) {
		idx = 0
	}
	return r.entries[idx].nodeID, nil
}

// GetNodes walks clockwise from hash(key) collecting up to count distinct
// real node ids. It fails with InsufficientNodes if fewer than count
// distinct nodes are present on the ring.
func (r *Ring) GetNodes(key string, count int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return nil, domain.ErrEmptyRing
	}
	if count > len(r.realNodeCount) {
		return nil, domain.ErrInsufficientNodes
	}

	p := hashPos(key)
	start := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].pos >= p
	})
	if start == len(r.entries) {
		start = 0
	}

	seen := make(map[string]bool, count)
	result := make([]string, 0, count)
	for i := 0; i < len(r.entries) && len(result) < count; i++ {
		e := r.entries[(start+i)%len(r.entries)]
		if seen[e.nodeID] {
			continue
		}
		seen[e.nodeID] = true
		result = append(result, e.nodeID)
	}
	if len(result) < count {
		return nil, domain.ErrInsufficientNodes
	}
	return result, nil
}

// Size returns the total number of virtual-node entries currently on the
// ring, for diagnostics and the rebalance-idempotence test property.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Nodes returns the set of distinct real node ids currently on the ring.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]string, 0, len(r.realNodeCount))
	for id := range r.realNodeCount {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}
