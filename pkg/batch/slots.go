package batch

import (
	"context"
	"sync"
)

// Slot is one unit of execution capacity.
type Slot struct {
	ID int
}

// SlotPool is a fixed-size resource pool backing the executor's
// concurrency limit. All slots are pre-allocated at construction; the
// invariant available+allocated == total holds at all times.
type SlotPool struct {
	total int
	free  chan Slot

	// batchMu serializes AllocateBatch so concurrent batch allocations
	// cannot deadlock each other by each grabbing a partial set.
	batchMu sync.Mutex
}

// NewSlotPool pre-allocates n slots.
func NewSlotPool(n int) *SlotPool {
	p := &SlotPool{
		total: n,
		free:  make(chan Slot, n),
	}
	for i := 0; i < n; i++ {
		p.free <- Slot{ID: i}
	}
	return p
}

// Allocate returns one slot without blocking, or ErrInsufficientResources
// when none are free.
func (p *SlotPool) Allocate() (Slot, error) {
	select {
	case s := <-p.free:
		return s, nil
	default:
		return Slot{}, ErrInsufficientResources
	}
}

// AllocateBatch atomically returns n disjoint slots or fails without
// taking any.
func (p *SlotPool) AllocateBatch(n int) ([]Slot, error) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	if n <= 0 {
		return nil, nil
	}
	slots := make([]Slot, 0, n)
	for len(slots) < n {
		select {
		case s := <-p.free:
			slots = append(slots, s)
		default:
			// Roll back: all-or-nothing.
			for _, s := range slots {
				p.free <- s
			}
			return nil, ErrInsufficientResources
		}
	}
	return slots, nil
}

// Acquire blocks until a slot frees up or ctx expires.
func (p *SlotPool) Acquire(ctx context.Context) (Slot, error) {
	select {
	case s := <-p.free:
		return s, nil
	case <-ctx.Done():
		return Slot{}, ctx.Err()
	}
}

// Release returns a slot to the free list.
func (p *SlotPool) Release(s Slot) {
	p.free <- s
}

// Total returns the fixed pool size.
func (p *SlotPool) Total() int {
	return p.total
}

// Available returns the current free slot count.
func (p *SlotPool) Available() int {
	return len(p.free)
}
