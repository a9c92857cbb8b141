package buffer

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/compval/internal/fence"
	"github.com/roach88/compval/internal/format"
)

// DefaultSlots is the number of buffers a pool starts with.
const DefaultSlots = 3

// Pool is a small rotating set of buffers for one surface. Each slot keeps
// the release fence of the last consumer of its buffer; the buffer's
// pixels may only be written once that fence has signalled or is absent.
//
// The pool grows on demand and never shrinks.
//
// Thread-safety: none. A pool belongs to one layer and is driven from the
// single frame-submission goroutine.
type Pool struct {
	alloc     Allocator
	destroyer Destroyer
	tracker   *fence.Tracker

	width  int
	height int
	format format.Format

	slots []slot
	cur   int
}

type slot struct {
	buf     *Buffer
	release *fence.Fence
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDestroyer hands discarded buffers to d instead of freeing them inline.
func WithDestroyer(d Destroyer) PoolOption {
	return func(p *Pool) {
		p.destroyer = d
	}
}

// NewPool allocates count buffers of the given geometry. Allocation failure
// is returned wrapped around ErrAllocFailed and leaves nothing allocated.
func NewPool(alloc Allocator, tracker *fence.Tracker, w, h int, f format.Format, count int, opts ...PoolOption) (*Pool, error) {
	if count < 1 {
		count = 1
	}
	p := &Pool{
		alloc:   alloc,
		tracker: tracker,
		width:   w,
		height:  h,
		format:  f,
		cur:     -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.EnsureCapacity(count - 1); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Len returns the number of slots.
func (p *Pool) Len() int { return len(p.slots) }

// Width returns the buffer width.
func (p *Pool) Width() int { return p.width }

// Height returns the buffer height.
func (p *Pool) Height() int { return p.height }

// Format returns the buffer format.
func (p *Pool) Format() format.Format { return p.format }

// CurrentIndex returns the current slot index, -1 before the first acquire.
func (p *Pool) CurrentIndex() int { return p.cur }

// Current returns the current buffer, nil before the first acquire.
func (p *Pool) Current() *Buffer {
	if p.cur < 0 {
		return nil
	}
	return p.slots[p.cur].buf
}

// AcquireNext advances the rotation cursor and returns the new current
// buffer. Exactly one buffer is current at a time.
func (p *Pool) AcquireNext() *Buffer {
	p.cur = (p.cur + 1) % len(p.slots)
	return p.slots[p.cur].buf
}

// Select makes slot index current, growing the pool if needed.
func (p *Pool) Select(index int) (*Buffer, error) {
	if err := p.EnsureCapacity(index); err != nil {
		return nil, err
	}
	p.cur = index
	return p.slots[index].buf, nil
}

// EnsureCapacity grows the slot list so that index is valid.
func (p *Pool) EnsureCapacity(index int) error {
	for len(p.slots) <= index {
		b, err := p.alloc.Allocate(p.width, p.height, p.format)
		if err != nil {
			return fmt.Errorf("grow pool to %d slots: %w", index+1, err)
		}
		p.slots = append(p.slots, slot{buf: b})
	}
	return nil
}

// WaitAndRelease blocks until the current slot's release fence signals or
// timeout elapses, then discards the fence. On expiry the fence is still
// discarded and a *fence.TimeoutError is returned; callers record it and
// carry on.
func (p *Pool) WaitAndRelease(ctx context.Context, timeout time.Duration) error {
	if p.cur < 0 {
		return nil
	}
	s := &p.slots[p.cur]
	if s.release == nil {
		return nil
	}
	err := s.release.Wait(ctx, timeout)
	s.release.Close()
	s.release = nil
	return err
}

// SetReleaseFence stores f against the current slot, taking ownership of
// the handle. An outstanding fence is merged with f rather than replaced.
func (p *Pool) SetReleaseFence(f *fence.Fence) {
	if p.cur < 0 || f == nil {
		f.Close()
		return
	}
	s := &p.slots[p.cur]
	if s.release == nil {
		s.release = f
		return
	}
	merged := fence.Merge(p.tracker, s.release, f)
	s.release.Close()
	f.Close()
	s.release = merged
}

// ReleaseFence returns the current slot's outstanding fence without
// transferring ownership.
func (p *Pool) ReleaseFence() *fence.Fence {
	if p.cur < 0 {
		return nil
	}
	return p.slots[p.cur].release
}

// Close discards all fences and buffers.
func (p *Pool) Close() {
	for i := range p.slots {
		s := &p.slots[i]
		s.release.Close()
		s.release = nil
		if p.destroyer != nil {
			p.destroyer.Destroy(s.buf)
		} else {
			p.alloc.Free(s.buf)
		}
		s.buf = nil
	}
	p.slots = nil
	p.cur = -1
}
