package membership

import (
	"github.com/gobwas/avl"

	"ringlb/internal/provision"
)

// Replica is an active physical replica.
type Replica struct {
	ID       int
	Hostname string
	Handle   provision.Handle
}

// replicaItem orders replicas by id. Ids are monotonic, so id order is join order.
type replicaItem struct {
	Replica
}

// idKey searches the registry by replica id.
type idKey int

func (r replicaItem) Compare(x avl.Item) int { return compareIDs(r.ID, itemID(x)) }

func (k idKey) Compare(x avl.Item) int { return compareIDs(int(k), itemID(x)) }

func itemID(x avl.Item) int {
	switch v := x.(type) {
	case replicaItem:
		return v.ID
	case idKey:
		return int(v)
	default:
		panic("membership: unexpected registry item")
	}
}

func compareIDs(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IDAllocator hands out strictly increasing replica ids starting at 1.
// It is not safe for concurrent use; Manager guards it with its lock.
type IDAllocator struct {
	last int
}

// Next returns a fresh id.
func (a *IDAllocator) Next() int {
	a.last++
	return a.last
}

// Seed makes every subsequent id greater than highWater.
func (a *IDAllocator) Seed(highWater int) {
	if highWater > a.last {
		a.last = highWater
	}
}
