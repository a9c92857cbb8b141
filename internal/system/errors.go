package system

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/compval/internal/buffer"
	"github.com/roach88/compval/internal/fence"
)

// CheckError is a validation failure recorded during a run.
//
// Check errors never stop the frame loop. They are collected in Checks and
// reported at the end: fence timeouts, allocation failures, malformed
// trace lines and cache inconsistencies all end up here.
type CheckError struct {
	// Code identifies the failure category.
	Code CheckCode

	// Message is a human-readable description.
	Message string

	// Display is the affected display, -1 when not display specific.
	Display int

	// Frame is the frame sequence number, 0 when outside a frame.
	Frame int64

	// Err is the underlying error, if any.
	Err error
}

// CheckCode categorizes validation failures.
type CheckCode string

const (
	// CodeFenceTimeout indicates a fence did not signal within the wait bound.
	CodeFenceTimeout CheckCode = "FENCE_TIMEOUT"

	// CodeAllocFailed indicates a buffer could not be allocated.
	CodeAllocFailed CheckCode = "ALLOC_FAILED"

	// CodeMalformedLine indicates a trace line that could not be parsed.
	CodeMalformedLine CheckCode = "MALFORMED_LINE"

	// CodeCacheInconsistent indicates a replay cache entry whose buffer
	// geometry disagreed with the trace.
	CodeCacheInconsistent CheckCode = "CACHE_INCONSISTENT"

	// CodeComposeFailed indicates the compositor boundary rejected a frame.
	CodeComposeFailed CheckCode = "COMPOSE_FAILED"

	// CodeFenceLeak indicates fence handles left open at the end of a run.
	CodeFenceLeak CheckCode = "FENCE_LEAK"
)

// Error implements the error interface.
func (e *CheckError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Display >= 0 {
		msg += fmt.Sprintf(" (display=%d", e.Display)
		if e.Frame > 0 {
			msg += fmt.Sprintf(", frame=%d", e.Frame)
		}
		msg += ")"
	} else if e.Frame > 0 {
		msg += fmt.Sprintf(" (frame=%d)", e.Frame)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *CheckError) Unwrap() error { return e.Err }

// NewCheck builds a CheckError from an underlying error, picking the code
// from its type: fence timeouts and allocation failures are recognised,
// everything else gets fallback.
func NewCheck(fallback CheckCode, display int, frame int64, err error) *CheckError {
	code := fallback
	switch {
	case fence.IsTimeout(err):
		code = CodeFenceTimeout
	case errors.Is(err, buffer.ErrAllocFailed):
		code = CodeAllocFailed
	}
	return &CheckError{Code: code, Message: err.Error(), Display: display, Frame: frame, Err: err}
}

// IsFenceTimeout reports whether err is a fence timeout check.
func IsFenceTimeout(err error) bool {
	var ce *CheckError
	if errors.As(err, &ce) {
		return ce.Code == CodeFenceTimeout
	}
	return fence.IsTimeout(err)
}

// IsAllocFailure reports whether err is an allocation failure.
func IsAllocFailure(err error) bool {
	var ce *CheckError
	if errors.As(err, &ce) {
		return ce.Code == CodeAllocFailed
	}
	return errors.Is(err, buffer.ErrAllocFailed)
}

// Checks collects validation failures.
//
// Thread-safety: safe for concurrent use.
type Checks struct {
	mu     sync.Mutex
	errs   []*CheckError
	counts map[CheckCode]int
}

// NewChecks creates an empty collector.
func NewChecks() *Checks {
	return &Checks{counts: make(map[CheckCode]int)}
}

// Add records a failure.
func (c *Checks) Add(e *CheckError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, e)
	c.counts[e.Code]++
}

// Count returns the number of failures with the given code.
func (c *Checks) Count(code CheckCode) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[code]
}

// Len returns the total number of failures.
func (c *Checks) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

// All returns the failures in recording order. Never returns nil.
func (c *Checks) All() []*CheckError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*CheckError, len(c.errs))
	copy(out, c.errs)
	return out
}
