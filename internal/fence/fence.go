// Package fence models synchronisation fences: handles to a future point at
// which a buffer becomes safe to read (acquire fences) or write (release
// fences).
//
// A nil *Fence is valid everywhere and means "already signalled". Every
// non-nil fence is a handle that must be closed exactly once; a Tracker
// counts open handles so leaks show up in validation results.
package fence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker counts open fence handles and hands out fence IDs.
//
// Thread-safety: safe for concurrent use.
type Tracker struct {
	nextID atomic.Uint64
	open   atomic.Int64
}

// NewTracker creates a tracker with no open handles.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Open returns the number of fence handles created and not yet closed.
func (t *Tracker) Open() int64 {
	return t.open.Load()
}

func (t *Tracker) register() uint64 {
	t.open.Add(1)
	return t.nextID.Add(1)
}

// Fence is a one-shot signal. A leaf fence owns a channel that its
// timeline closes; a merged fence signals once all of its inputs have.
type Fence struct {
	id      uint64
	tracker *Tracker
	done    chan struct{}
	inputs  []*Fence
	closed  atomic.Bool
}

// ID returns the fence identifier, 0 for nil.
func (f *Fence) ID() uint64 {
	if f == nil {
		return 0
	}
	return f.id
}

// Signalled reports whether the fence has signalled without blocking.
func (f *Fence) Signalled() bool {
	if f == nil {
		return true
	}
	if f.done != nil {
		select {
		case <-f.done:
			return true
		default:
			return false
		}
	}
	for _, in := range f.inputs {
		if !in.Signalled() {
			return false
		}
	}
	return true
}

// Wait blocks until the fence signals, the timeout elapses or ctx is done.
// Expiry returns a *TimeoutError; it is a validation failure, not a fault.
func (f *Fence) Wait(ctx context.Context, timeout time.Duration) error {
	if f.Signalled() {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	if err := f.wait(ctx, deadline.C); err != nil {
		if errors.Is(err, errExpired) {
			return &TimeoutError{FenceID: f.id, Timeout: timeout}
		}
		return err
	}
	return nil
}

var errExpired = errors.New("fence wait expired")

func (f *Fence) wait(ctx context.Context, expired <-chan time.Time) error {
	if f == nil {
		return nil
	}
	if f.done != nil {
		select {
		case <-f.done:
			return nil
		case <-expired:
			return errExpired
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, in := range f.inputs {
		if err := in.wait(ctx, expired); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the handle. The signal state is unaffected, so merged
// fences built from this one keep working. Closing twice is a no-op.
func (f *Fence) Close() {
	if f == nil {
		return
	}
	if f.closed.CompareAndSwap(false, true) && f.tracker != nil {
		f.tracker.open.Add(-1)
	}
}

// Closed reports whether Close has been called.
func (f *Fence) Closed() bool {
	return f != nil && f.closed.Load()
}

func (f *Fence) String() string {
	if f == nil {
		return "fence(none)"
	}
	return fmt.Sprintf("fence(%d)", f.id)
}

// Merge returns a new handle that signals once both a and b have. The
// inputs stay owned by the caller. If either input is nil the result is a
// fresh handle on the other; if both are nil the result is nil.
func Merge(t *Tracker, a, b *Fence) *Fence {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return dup(t, b)
	case b == nil:
		return dup(t, a)
	}
	return &Fence{id: t.register(), tracker: t, inputs: []*Fence{a, b}}
}

// MergeAll folds Merge over fences, returning nil when none are non-nil.
func MergeAll(t *Tracker, fences ...*Fence) *Fence {
	var live []*Fence
	for _, f := range fences {
		if f != nil {
			live = append(live, f)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return dup(t, live[0])
	}
	return &Fence{id: t.register(), tracker: t, inputs: live}
}

func dup(t *Tracker, f *Fence) *Fence {
	return &Fence{id: t.register(), tracker: t, inputs: []*Fence{f}}
}

// NewSignalled returns a handle that is already signalled.
func NewSignalled(t *Tracker) *Fence {
	done := make(chan struct{})
	close(done)
	return &Fence{id: t.register(), tracker: t, done: done}
}

// TimeoutError reports a fence that did not signal in time.
type TimeoutError struct {
	FenceID uint64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fence %d not signalled after %s", e.FenceID, e.Timeout)
}

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Timeline is a monotonically increasing counter; fences created at a
// point signal once the counter reaches it.
//
// Thread-safety: safe for concurrent use.
type Timeline struct {
	mu      sync.Mutex
	tracker *Tracker
	value   uint64
	pending []timelinePoint
}

type timelinePoint struct {
	at   uint64
	done chan struct{}
}

// NewTimeline creates a timeline at value 0.
func NewTimeline(t *Tracker) *Timeline {
	return &Timeline{tracker: t}
}

// CreateFence returns a fence that signals when the timeline reaches at.
func (tl *Timeline) CreateFence(at uint64) *Fence {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	done := make(chan struct{})
	if at <= tl.value {
		close(done)
	} else {
		tl.pending = append(tl.pending, timelinePoint{at: at, done: done})
	}
	return &Fence{id: tl.tracker.register(), tracker: tl.tracker, done: done}
}

// Next returns a fence for the point one past the current value.
func (tl *Timeline) Next() *Fence {
	tl.mu.Lock()
	at := tl.value + 1
	tl.mu.Unlock()
	return tl.CreateFence(at)
}

// Advance moves the timeline forward by n and signals every fence whose
// point has been reached.
func (tl *Timeline) Advance(n uint64) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.value += n
	kept := tl.pending[:0]
	for _, p := range tl.pending {
		if p.at <= tl.value {
			close(p.done)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(tl.pending); i++ {
		tl.pending[i] = timelinePoint{}
	}
	tl.pending = kept
}

// Value returns the current timeline value.
func (tl *Timeline) Value() uint64 {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.value
}
