// Package hashring implements the consistent-hash ring used to route queue
// names to an owning peer.
//
// Virtual node placement and the 128-bit position space are mandated
// directly by the coordination protocol this ring serves, so the mapping
// function H is crypto/md5 rather than an imported hashing library: the
// protocol defines ownership in terms of an MD5-compatible digest, which
// makes the choice of hash itself part of the wire contract, not an
// implementation detail a third-party library could paper over.
package hashring

import (
	"crypto/md5"
	"fmt"
	"sort"
	"sync"
)

// DefaultVirtualNodes is the number of ring positions placed per physical
// node, matching consistent_hash_virtual_nodes's default.
const DefaultVirtualNodes = 150

type vnode struct {
	pos    [16]byte
	nodeID string
}

// Ring is a consistent-hash ring mapping opaque keys to node ids.
// Safe for concurrent use.
type Ring struct {
	mu           sync.RWMutex
	virtualNodes int
	vnodes       []vnode // sorted by pos, ties broken by nodeID
	members      map[string]struct{}
}

// New creates an empty ring with the given virtual-node count per physical
// node. A count <= 0 selects DefaultVirtualNodes.
func New(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		virtualNodes: virtualNodes,
		members:      make(map[string]struct{}),
	}
}

func position(s string) [16]byte {
	return md5.Sum([]byte(s))
}

func less(a, b [16]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// AddNode inserts a physical node's virtual positions into the ring. A
// no-op if the node is already a member.
func (r *Ring) AddNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; ok {
		return
	}
	r.members[id] = struct{}{}
	for i := 0; i < r.virtualNodes; i++ {
		r.vnodes = append(r.vnodes, vnode{
			pos:    position(fmt.Sprintf("%s:%d", id, i)),
			nodeID: id,
		})
	}
	r.resort()
}

// RemoveNode deletes a physical node's virtual positions from the ring.
func (r *Ring) RemoveNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return
	}
	delete(r.members, id)
	out := r.vnodes[:0]
	for _, v := range r.vnodes {
		if v.nodeID != id {
			out = append(out, v)
		}
	}
	r.vnodes = out
}

func (r *Ring) resort() {
	sort.Slice(r.vnodes, func(i, j int) bool {
		if r.vnodes[i].pos != r.vnodes[j].pos {
			return less(r.vnodes[i].pos, r.vnodes[j].pos)
		}
		return r.vnodes[i].nodeID < r.vnodes[j].nodeID
	})
}

// Owner returns the node id owning key: the smallest virtual position
// greater than or equal to H(key), wrapping around the ring.
func (r *Ring) Owner(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.vnodes) == 0 {
		return "", false
	}
	p := position(key)
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return !less(r.vnodes[i].pos, p)
	})
	if idx == len(r.vnodes) {
		idx = 0
	}
	return r.vnodes[idx].nodeID, true
}

// Successors returns up to n distinct node ids walking clockwise from
// key's owner, used to pick a fallback owner after repeated forward
// failures.
func (r *Ring) Successors(key string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.vnodes) == 0 {
		return nil
	}
	p := position(key)
	start := sort.Search(len(r.vnodes), func(i int) bool {
		return !less(r.vnodes[i].pos, p)
	})
	seen := make(map[string]struct{})
	var out []string
	for i := 0; i < len(r.vnodes) && len(out) < n; i++ {
		v := r.vnodes[(start+i)%len(r.vnodes)]
		if _, ok := seen[v.nodeID]; ok {
			continue
		}
		seen[v.nodeID] = struct{}{}
		out = append(out, v.nodeID)
	}
	return out
}

// Members returns the current physical node ids, in no particular order.
func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}
