// Package system holds the per-run state shared by the layer model, the
// submission pipeline and the replay reconciler.
//
// There are no package-level singletons: a Context is constructed for each
// validation run and passed to every component at construction, and its
// lifetime is the run's.
package system

import (
	"io"
	"log/slog"

	"github.com/roach88/compval/internal/buffer"
	"github.com/roach88/compval/internal/display"
	"github.com/roach88/compval/internal/fence"
	"github.com/roach88/compval/internal/format"
)

// Context is the explicit replacement for global display, allocator and
// statistics state.
type Context struct {
	RunID     string
	Displays  *display.Set
	Formats   *format.Rules
	Fences    *fence.Tracker
	Alloc     buffer.Allocator
	Destroyer buffer.Destroyer
	Logger    *slog.Logger
	Clock     Clock
	Checks    *Checks
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) { c.Logger = l }
}

// WithFormats sets the format rule table.
func WithFormats(r *format.Rules) Option {
	return func(c *Context) { c.Formats = r }
}

// WithAllocator sets the buffer allocator.
func WithAllocator(a buffer.Allocator) Option {
	return func(c *Context) { c.Alloc = a }
}

// WithDestroyer routes discarded buffers through d.
func WithDestroyer(d buffer.Destroyer) Option {
	return func(c *Context) { c.Destroyer = d }
}

// WithClock sets the frame clock.
func WithClock(clk Clock) Option {
	return func(c *Context) { c.Clock = clk }
}

// WithRunID fixes the run ID instead of generating one.
func WithRunID(id string) Option {
	return func(c *Context) { c.RunID = id }
}

// WithRunIDGenerator generates the run ID with g.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(c *Context) { c.RunID = g.Generate() }
}

// New builds a Context for displays. Unset fields get defaults: the
// embedded format table, an unlimited heap allocator, a fresh fence
// tracker, a frame clock, a discard logger and a UUIDv7 run ID.
func New(displays *display.Set, opts ...Option) *Context {
	c := &Context{
		Displays: displays,
		Fences:   fence.NewTracker(),
		Checks:   NewChecks(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Formats == nil {
		c.Formats = format.MustDefault()
	}
	if c.Alloc == nil {
		c.Alloc = buffer.NewHeapAllocator(c.Formats, 0)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Clock == nil {
		c.Clock = NewFrameClock()
	}
	if c.RunID == "" {
		c.RunID = UUIDv7Generator{}.Generate()
	}
	return c
}

// PoolOptions returns the options every pool created in this run uses.
func (c *Context) PoolOptions() []buffer.PoolOption {
	if c.Destroyer == nil {
		return nil
	}
	return []buffer.PoolOption{buffer.WithDestroyer(c.Destroyer)}
}

// Record logs a validation failure and adds it to Checks.
func (c *Context) Record(e *CheckError) {
	c.Logger.Warn("validation check failed",
		"code", string(e.Code),
		"display", e.Display,
		"frame", e.Frame,
		"error", e.Message,
	)
	c.Checks.Add(e)
}
