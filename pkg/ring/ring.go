// Package ring places keys on cluster members by consistent hashing.
//
// Each member owns a fixed number of virtual points on a 32-bit circle; a
// key belongs to the member owning the first point at or after the key's
// hash. A Ring is typically kept in step with membership events so that
// every node computes the same owners once their views converge.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
	"sync"

	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
)

const DefaultReplicas = 128

type Hasher func([]byte) uint32

type Ring struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> member id
	members  map[string]cluster.Member
}

func New(replicas int, h Hasher) *Ring {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	if h == nil {
		h = FNV32a
	}
	return &Ring{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		members:  make(map[string]cluster.Member),
	}
}

// Add places m on the ring. It reports false if m was already present.
func (r *Ring) Add(m cluster.Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[m.ID]; ok {
		return false
	}
	r.members[m.ID] = m
	r.placeLocked(m.ID)
	slices.Sort(r.points)
	return true
}

// Remove takes the member with id off the ring. Keys it owned move to the
// next points on the circle; all other keys stay where they were.
func (r *Ring) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	r.rebuildLocked()
	return true
}

// Reset replaces the ring content with members.
func (r *Ring) Reset(members []cluster.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.members)
	for _, m := range members {
		r.members[m.ID] = m
	}
	r.rebuildLocked()
}

func (r *Ring) rebuildLocked() {
	r.points = r.points[:0]
	clear(r.owners)
	for id := range r.members {
		r.placeLocked(id)
	}
	slices.Sort(r.points)
}

func (r *Ring) placeLocked(id string) {
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(id, i))
		r.owners[pt] = id
		r.points = append(r.points, pt)
	}
}

// Lookup returns the member owning key.
func (r *Ring) Lookup(key []byte) (cluster.Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return cluster.Member{}, false
	}
	m, ok := r.members[r.owners[r.points[r.searchLocked(key)]]]
	return m, ok
}

// LookupN returns up to n distinct members for key, owner first, walking
// the circle clockwise.
func (r *Ring) LookupN(key []byte, n int) []cluster.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.searchLocked(key)
	seen := make(map[string]struct{}, n)
	out := make([]cluster.Member, 0, min(n, len(r.members)))
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, r.members[id])
	}
	return out
}

// first point >= hash(key), wrapping to 0
func (r *Ring) searchLocked(key []byte) int {
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

// Member returns the placed member with id.
func (r *Ring) Member(id string) (cluster.Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	return m, ok
}

// Members returns a copy of the placed members keyed by id.
func (r *Ring) Members() map[string]cluster.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]cluster.Member, len(r.members))
	for id, m := range r.members {
		out[id] = m
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(id string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(id), buf[:]...)
}
