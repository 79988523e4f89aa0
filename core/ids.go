package core

import "sync/atomic"

// IDAllocator hands out monotonically increasing uint64 identifiers.
// The zero value starts allocating at 1; Seed moves the floor upward,
// which the snapshot store uses to make version ids restart-safe.
type IDAllocator struct {
	last atomic.Uint64
}

// Next returns the next identifier.
func (a *IDAllocator) Next() uint64 {
	return a.last.Add(1)
}

// Seed raises the allocator floor to at least last. Safe to call
// concurrently with Next.
func (a *IDAllocator) Seed(last uint64) {
	for {
		cur := a.last.Load()
		if cur >= last {
			return
		}
		if a.last.CompareAndSwap(cur, last) {
			return
		}
	}
}

// Last returns the most recently allocated identifier, or the seed floor.
func (a *IDAllocator) Last() uint64 {
	return a.last.Load()
}
