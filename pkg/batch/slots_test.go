package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotPoolInvariant(t *testing.T) {
	p := NewSlotPool(4)
	assert.Equal(t, 4, p.Total())
	assert.Equal(t, 4, p.Available())

	s1, err := p.Allocate()
	require.NoError(t, err)
	s2, err := p.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, 2, p.Available())

	p.Release(s1)
	p.Release(s2)
	assert.Equal(t, 4, p.Available(), "available + allocated stays equal to total")
}

func TestAllocateBatchAtomic(t *testing.T) {
	p := NewSlotPool(3)

	slots, err := p.AllocateBatch(3)
	require.NoError(t, err)
	require.Len(t, slots, 3)

	ids := map[int]struct{}{}
	for _, s := range slots {
		ids[s.ID] = struct{}{}
	}
	assert.Len(t, ids, 3, "batch slots are disjoint")

	for _, s := range slots {
		p.Release(s)
	}
}

func TestAllocateBatchFailsWithoutPartialTake(t *testing.T) {
	p := NewSlotPool(2)

	held, err := p.Allocate()
	require.NoError(t, err)

	_, err = p.AllocateBatch(2)
	require.ErrorIs(t, err, ErrInsufficientResources)
	assert.Equal(t, 1, p.Available(), "failed batch allocation takes nothing")

	p.Release(held)
}

func TestAllocateExhausted(t *testing.T) {
	p := NewSlotPool(1)

	s, err := p.Allocate()
	require.NoError(t, err)

	_, err = p.Allocate()
	assert.ErrorIs(t, err, ErrInsufficientResources)

	p.Release(s)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := NewSlotPool(1)
	s, err := p.Allocate()
	require.NoError(t, err)

	got := make(chan Slot, 1)
	go func() {
		acquired, err := p.Acquire(context.Background())
		if err == nil {
			got <- acquired
		}
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(s)

	select {
	case acquired := <-got:
		p.Release(acquired)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	p := NewSlotPool(1)
	s, err := p.Allocate()
	require.NoError(t, err)
	defer p.Release(s)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
