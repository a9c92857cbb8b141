package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/compval/internal/fence"
	"github.com/roach88/compval/internal/format"
)

func newTestPool(t *testing.T, count int) (*Pool, *HeapAllocator, *fence.Tracker) {
	t.Helper()
	alloc := NewHeapAllocator(format.MustDefault(), 0)
	tr := fence.NewTracker()
	p, err := NewPool(alloc, tr, 16, 8, format.RGBA, count)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, alloc, tr
}

func TestPool_AcquireNextRotates(t *testing.T) {
	p, _, _ := newTestPool(t, 3)
	assert.Nil(t, p.Current())
	assert.Equal(t, -1, p.CurrentIndex())

	b0 := p.AcquireNext()
	b1 := p.AcquireNext()
	b2 := p.AcquireNext()
	b3 := p.AcquireNext()

	assert.NotEqual(t, b0.Handle, b1.Handle)
	assert.NotEqual(t, b1.Handle, b2.Handle)
	assert.Same(t, b0, b3, "rotation wraps")
	assert.Same(t, b3, p.Current())
	assert.Equal(t, 0, p.CurrentIndex())
}

func TestPool_EnsureCapacityGrowsNeverShrinks(t *testing.T) {
	p, alloc, _ := newTestPool(t, 2)
	require.NoError(t, p.EnsureCapacity(5))
	assert.Equal(t, 6, p.Len())

	require.NoError(t, p.EnsureCapacity(1))
	assert.Equal(t, 6, p.Len())
	assert.Equal(t, 6, alloc.Allocations())

	b, err := p.Select(7)
	require.NoError(t, err)
	assert.Equal(t, 8, p.Len())
	assert.Same(t, b, p.Current())
}

func TestPool_AllocationFailureIsFatalResourceError(t *testing.T) {
	rules := format.MustDefault()
	alloc := NewHeapAllocator(rules, rules.BufferBytes(format.RGBA, 16, 8)*2)
	tr := fence.NewTracker()

	p, err := NewPool(alloc, tr, 16, 8, format.RGBA, 2)
	require.NoError(t, err)
	defer p.Close()

	err = p.EnsureCapacity(2)
	require.ErrorIs(t, err, ErrAllocFailed)
	assert.Equal(t, 2, p.Len())

	_, err = NewPool(alloc, tr, 16, 8, format.RGBA, 1)
	require.ErrorIs(t, err, ErrAllocFailed)
}

func TestPool_WaitAndReleaseDiscardsFence(t *testing.T) {
	p, _, tr := newTestPool(t, 2)
	tl := fence.NewTimeline(tr)

	p.AcquireNext()
	p.SetReleaseFence(tl.Next())
	tl.Advance(1)

	require.NoError(t, p.WaitAndRelease(context.Background(), time.Second))
	assert.Nil(t, p.ReleaseFence())
	assert.Equal(t, int64(0), tr.Open())
}

func TestPool_WaitAndReleaseTimeoutIsRecoverable(t *testing.T) {
	p, _, tr := newTestPool(t, 2)
	tl := fence.NewTimeline(tr)

	p.AcquireNext()
	p.SetReleaseFence(tl.Next())

	err := p.WaitAndRelease(context.Background(), 2*time.Millisecond)
	require.Error(t, err)
	assert.True(t, fence.IsTimeout(err))
	assert.Nil(t, p.ReleaseFence(), "fence is discarded even on timeout")
	assert.Equal(t, int64(0), tr.Open())

	// The pool stays usable.
	assert.NotNil(t, p.AcquireNext())
	assert.NoError(t, p.WaitAndRelease(context.Background(), time.Millisecond))
}

func TestPool_SetReleaseFenceMerges(t *testing.T) {
	p, _, tr := newTestPool(t, 2)
	a := fence.NewTimeline(tr)
	b := fence.NewTimeline(tr)

	p.AcquireNext()
	p.SetReleaseFence(a.Next())
	p.SetReleaseFence(b.Next())

	merged := p.ReleaseFence()
	require.NotNil(t, merged)
	assert.Equal(t, int64(1), tr.Open(), "inputs closed, merged handle held")

	a.Advance(1)
	assert.False(t, merged.Signalled(), "first dependency alone must not release the slot")
	b.Advance(1)
	assert.True(t, merged.Signalled())
}

func TestPool_SetReleaseFenceBeforeAcquireClosesHandle(t *testing.T) {
	p, _, tr := newTestPool(t, 2)
	p.SetReleaseFence(fence.NewSignalled(tr))
	assert.Equal(t, int64(0), tr.Open())
}

func TestPool_CloseFreesThroughDestroyer(t *testing.T) {
	alloc := NewHeapAllocator(format.MustDefault(), 0)
	tr := fence.NewTracker()
	d := NewAsyncDestroyer(alloc, 4)

	p, err := NewPool(alloc, tr, 4, 4, format.RGBA, 3, WithDestroyer(d))
	require.NoError(t, err)
	assert.Greater(t, alloc.Used(), 0)

	p.AcquireNext()
	p.SetReleaseFence(fence.NewTimeline(tr).Next())
	p.Close()
	d.Close()

	assert.Equal(t, 0, alloc.Used())
	assert.Equal(t, int64(0), tr.Open())
	assert.Equal(t, 0, p.Len())
}
