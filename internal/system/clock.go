package system

import "sync/atomic"

// Clock hands out frame sequence numbers.
//
// Every submitted or dropped frame is stamped with a strictly increasing
// sequence number. Drop rules, fill patterns and golden traces all key off
// this value rather than wall time, so a replay of the same input produces
// the same sequence.
type Clock interface {
	Next() int64
	Current() int64
}

// FrameClock is the production Clock.
//
// Thread-safety: safe for concurrent use (atomic operations), although the
// frame loop is the only caller of Next.
type FrameClock struct {
	seq atomic.Int64
}

// NewFrameClock creates a clock starting at 0. The first Next returns 1.
func NewFrameClock() *FrameClock {
	return &FrameClock{}
}

// NewFrameClockAt creates a clock that resumes after start.
func NewFrameClockAt(start int64) *FrameClock {
	c := &FrameClock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *FrameClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last sequence number handed out.
func (c *FrameClock) Current() int64 {
	return c.seq.Load()
}
