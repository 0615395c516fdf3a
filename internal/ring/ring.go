package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultSlots is the ring size used when none is configured.
	DefaultSlots = 512
	// DefaultVNodes is the number of virtual nodes per replica used when none is configured.
	DefaultVNodes = 9

	// maxSlots keeps slot arithmetic inside uint64 without overflow.
	maxSlots = 1 << 24
	// vnodeStride spaces the virtual nodes of one replica around the ring.
	vnodeStride = 17
)

var (
	// ErrDuplicateReplica is returned when adding a replica that is already active.
	ErrDuplicateReplica = errors.New("replica already active")
	// ErrUnknownReplica is returned when removing a replica that is not active.
	ErrUnknownReplica = errors.New("replica not active")
	// ErrInvalidReplicaID is returned for non-positive replica ids.
	ErrInvalidReplicaID = errors.New("replica id must be positive")
)

// VirtualNode is one of the V ring positions of a physical replica.
type VirtualNode struct {
	ReplicaID int
	Index     int
}

// snapshot is an immutable view of the ring. Slot slices are never mutated
// after publication; writers replace the slices of the slots they touch.
type snapshot struct {
	slots  [][]VirtualNode
	active map[int]struct{}
	owners map[VirtualNode]int
}

// Ring maps integer request keys to physical replica ids.
type Ring struct {
	numSlots int
	vnodes   int

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// NewRing creates an empty ring. numSlots and vnodes are fixed for the ring's lifetime.
func NewRing(numSlots, vnodes int) (*Ring, error) {
	if numSlots <= 0 || numSlots > maxSlots {
		return nil, fmt.Errorf("slot count %d out of range (1..%d)", numSlots, maxSlots)
	}
	if vnodes <= 0 {
		return nil, fmt.Errorf("virtual nodes per replica must be positive, got %d", vnodes)
	}

	r := &Ring{numSlots: numSlots, vnodes: vnodes}
	r.snap.Store(&snapshot{
		slots:  make([][]VirtualNode, numSlots),
		active: make(map[int]struct{}),
		owners: make(map[VirtualNode]int),
	})
	return r, nil
}

// Slots returns the number of slots on the ring.
func (r *Ring) Slots() int { return r.numSlots }

// VNodes returns the number of virtual nodes placed per replica.
func (r *Ring) VNodes() int { return r.vnodes }

// PlacementSlot returns the slot holding virtual node virtualIndex of replica physicalID.
// slot = (id² + 2·id + 17·virtualIndex) mod numSlots
func (r *Ring) PlacementSlot(physicalID, virtualIndex int) int {
	n := uint64(r.numSlots)
	p := uint64(physicalID) % n
	v := uint64(virtualIndex) % n
	return int((p*p + 2*p + vnodeStride*v) % n)
}

// RequestSlot returns the home slot of a request key.
// slot = (key² + 2·key) mod numSlots
func (r *Ring) RequestSlot(key uint64) int {
	n := uint64(r.numSlots)
	k := key % n
	return int((k*k + 2*k) % n)
}

// AddReplica places the V virtual nodes of physicalID on the ring.
func (r *Ring) AddReplica(physicalID int) error {
	if physicalID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidReplicaID, physicalID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, exists := cur.active[physicalID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateReplica, physicalID)
	}

	next := cur.clone()
	touched := make(map[int]bool, r.vnodes)
	for i := 0; i < r.vnodes; i++ {
		slot := r.PlacementSlot(physicalID, i)
		if !touched[slot] {
			next.slots[slot] = append([]VirtualNode(nil), next.slots[slot]...)
			touched[slot] = true
		}
		vn := VirtualNode{ReplicaID: physicalID, Index: i}
		next.slots[slot] = append(next.slots[slot], vn)
		next.owners[vn] = physicalID
	}
	next.active[physicalID] = struct{}{}

	r.snap.Store(next)
	return nil
}

// RemoveReplica removes every virtual node of physicalID from the ring.
func (r *Ring) RemoveReplica(physicalID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, exists := cur.active[physicalID]; !exists {
		return fmt.Errorf("%w: %d", ErrUnknownReplica, physicalID)
	}

	next := cur.clone()
	for i := 0; i < r.vnodes; i++ {
		slot := r.PlacementSlot(physicalID, i)
		vn := VirtualNode{ReplicaID: physicalID, Index: i}
		next.slots[slot] = without(next.slots[slot], vn)
		delete(next.owners, vn)
	}
	delete(next.active, physicalID)

	r.snap.Store(next)
	return nil
}

// Lookup returns the replica owning key: the owner of the first virtual node
// in the first non-empty slot at or after the key's home slot, wrapping
// around the ring once. It returns false only when no replica is active.
func (r *Ring) Lookup(key uint64) (int, bool) {
	s := r.snap.Load()
	if len(s.active) == 0 {
		return 0, false
	}

	start := r.RequestSlot(key)
	for i := 0; i < r.numSlots; i++ {
		vnodes := s.slots[(start+i)%r.numSlots]
		if len(vnodes) == 0 {
			continue
		}
		return s.owners[vnodes[0]], true
	}
	return 0, false
}

// Contains reports whether physicalID is active on the ring.
func (r *Ring) Contains(physicalID int) bool {
	_, ok := r.snap.Load().active[physicalID]
	return ok
}

// Len returns the number of active replicas.
func (r *Ring) Len() int {
	return len(r.snap.Load().active)
}

// Replicas returns the active replica ids in ascending order.
func (r *Ring) Replicas() []int {
	s := r.snap.Load()
	ids := make([]int, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Slot returns a copy of the virtual nodes held by slot i, in arrival order.
func (r *Ring) Slot(i int) []VirtualNode {
	if i < 0 || i >= r.numSlots {
		return nil
	}
	return append([]VirtualNode(nil), r.snap.Load().slots[i]...)
}

// Occupied returns the number of non-empty slots.
func (r *Ring) Occupied() int {
	n := 0
	for _, vnodes := range r.snap.Load().slots {
		if len(vnodes) > 0 {
			n++
		}
	}
	return n
}

// Fingerprint digests the slot contents of the current snapshot. Two rings
// with the same virtual nodes in the same slot order have equal fingerprints.
func (r *Ring) Fingerprint() uint64 {
	s := r.snap.Load()
	h := xxhash.New()
	var buf [8]byte
	for i, vnodes := range s.slots {
		if len(vnodes) == 0 {
			continue
		}
		binary.LittleEndian.PutUint64(buf[:], uint64(i))
		h.Write(buf[:])
		for _, vn := range vnodes {
			binary.LittleEndian.PutUint32(buf[:4], uint32(vn.ReplicaID))
			binary.LittleEndian.PutUint32(buf[4:], uint32(vn.Index))
			h.Write(buf[:])
		}
	}
	return h.Sum64()
}

// Distribution routes every key against a single snapshot and counts keys per replica.
func (r *Ring) Distribution(keys []uint64) map[int]int {
	s := r.snap.Load()
	counts := make(map[int]int, len(s.active))
	if len(s.active) == 0 {
		return counts
	}
	for _, key := range keys {
		start := r.RequestSlot(key)
		for i := 0; i < r.numSlots; i++ {
			vnodes := s.slots[(start+i)%r.numSlots]
			if len(vnodes) > 0 {
				counts[s.owners[vnodes[0]]]++
				break
			}
		}
	}
	return counts
}

// clone copies the snapshot's maps and slot headers. Slot slices are shared
// until a writer replaces them.
func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		slots:  make([][]VirtualNode, len(s.slots)),
		active: make(map[int]struct{}, len(s.active)+1),
		owners: make(map[VirtualNode]int, len(s.owners)),
	}
	copy(next.slots, s.slots)
	for id := range s.active {
		next.active[id] = struct{}{}
	}
	for vn, id := range s.owners {
		next.owners[vn] = id
	}
	return next
}

// without returns a new slice lacking the first occurrence of vn.
func without(vnodes []VirtualNode, vn VirtualNode) []VirtualNode {
	out := make([]VirtualNode, 0, len(vnodes))
	removed := false
	for _, v := range vnodes {
		if !removed && v == vn {
			removed = true
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
