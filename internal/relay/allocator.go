package relay

import "fmt"

// PoolSize is the number of client indices available to apps and viewers.
const PoolSize = 16

// AllocatorSnapshot is the reducer's read-only view of the index pool.
type AllocatorSnapshot [PoolSize]bool

// SmallestUnused returns the smallest free index, or an error when the pool
// is exhausted.
func (a AllocatorSnapshot) SmallestUnused() (int, error) {
	for i, used := range a {
		if !used {
			return i, nil
		}
	}
	return 0, fmt.Errorf("client index pool exhausted")
}

// IndexAllocator is the mutable pool owned by the hub. It is mutated only
// through AllocateIndexAction / ReleaseIndexAction on the hub loop, so no
// locking is needed.
type IndexAllocator struct {
	used AllocatorSnapshot
}

// NewIndexAllocator creates an empty pool.
func NewIndexAllocator() *IndexAllocator {
	return &IndexAllocator{}
}

// Snapshot returns the current pool state for the reducer.
func (a *IndexAllocator) Snapshot() AllocatorSnapshot {
	return a.used
}

// Mark sets an index as in use.
func (a *IndexAllocator) Mark(idx int) error {
	if idx < 0 || idx >= PoolSize {
		return fmt.Errorf("index %d out of range [0..%d]", idx, PoolSize-1)
	}
	if a.used[idx] {
		return fmt.Errorf("index %d already in use", idx)
	}
	a.used[idx] = true
	return nil
}

// Release returns an index to the free set. Releasing a free index is a
// no-op.
func (a *IndexAllocator) Release(idx int) {
	if idx >= 0 && idx < PoolSize {
		a.used[idx] = false
	}
}
