package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/compval/internal/buffer"
	"github.com/roach88/compval/internal/display"
	"github.com/roach88/compval/internal/fence"
	"github.com/roach88/compval/internal/format"
	"github.com/roach88/compval/internal/geom"
	"github.com/roach88/compval/internal/layer"
)

// LayerState is one entry of a submitted content list.
type LayerState struct {
	Name        string
	Composition layer.Composition
	Handle      buffer.Handle
	Generation  uint64
	Format      format.Format
	Crop        geom.FRect
	Frame       geom.Rect
	Transform   geom.Transform
	Blend       layer.Blend
	Alpha       uint8
	Skip        bool

	// Acquire is borrowed for the duration of Present; the compositor must
	// not close it.
	Acquire *fence.Fence
}

// Contents is the content list for one display, bottom first. The last
// entry is always the framebuffer target.
type Contents struct {
	Display display.ID
	Seq     int64
	Refill  bool
	Layers  []LayerState
}

// PresentResult is what the compositor hands back. The caller owns every
// fence in it.
type PresentResult struct {
	// Retire signals when the presented frame leaves the screen.
	Retire *fence.Fence

	// Releases are per-entry release fences aligned with Contents.Layers;
	// missing or nil entries mean the buffer is free immediately.
	Releases []*fence.Fence
}

// Compositor is the boundary to the display compositor under test.
type Compositor interface {
	Present(ctx context.Context, c *Contents) (*PresentResult, error)
	Hotplug(ctx context.Context, id display.ID, connected bool) error
	Blank(ctx context.Context, id display.ID, blank bool) error
}

// Recorded is a fence-free copy of a presented content list.
type Recorded struct {
	Display display.ID
	Seq     int64
	Refill  bool
	Layers  []LayerState
}

// String renders the entry as a single trace line.
func (r Recorded) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "present %s seq=%d refill=%t", r.Display, r.Seq, r.Refill)
	for _, l := range r.Layers {
		fmt.Fprintf(&b, " [%s %s %s %s %s tr=%d a=%02x]",
			l.Composition, l.Name, l.Format, l.Crop, l.Frame, l.Transform, l.Alpha)
	}
	return b.String()
}

// OfflineCompositor stands in for a real compositor. It records every
// content list and control event and paces fences like a double-buffered
// display: a frame's release fences signal when the next frame is
// presented on the same display.
//
// Thread-safety: safe for concurrent use.
type OfflineCompositor struct {
	mu        sync.Mutex
	tracker   *fence.Tracker
	timelines map[display.ID]*fence.Timeline
	stalled   bool
	frames    []Recorded
	events    []string
	failNext  error
}

// NewOfflineCompositor creates a compositor whose fences are counted by
// tracker.
func NewOfflineCompositor(tracker *fence.Tracker) *OfflineCompositor {
	return &OfflineCompositor{tracker: tracker, timelines: make(map[display.ID]*fence.Timeline)}
}

// Stall stops fence signalling, so waits on released buffers time out.
func (c *OfflineCompositor) Stall(stalled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalled = stalled
}

// FailNext makes the next Present return err.
func (c *OfflineCompositor) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

// Present implements Compositor.
func (c *OfflineCompositor) Present(_ context.Context, contents *Contents) (*PresentResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failNext; err != nil {
		c.failNext = nil
		return nil, err
	}

	tl, ok := c.timelines[contents.Display]
	if !ok {
		tl = fence.NewTimeline(c.tracker)
		c.timelines[contents.Display] = tl
	}
	if !c.stalled {
		tl.Advance(1)
	}

	rec := Recorded{Display: contents.Display, Seq: contents.Seq, Refill: contents.Refill}
	rec.Layers = make([]LayerState, len(contents.Layers))
	for i, l := range contents.Layers {
		l.Acquire = nil
		rec.Layers[i] = l
	}
	c.frames = append(c.frames, rec)
	c.events = append(c.events, rec.String())

	next := tl.Value() + 1
	res := &PresentResult{
		Retire:   tl.CreateFence(next),
		Releases: make([]*fence.Fence, len(contents.Layers)),
	}
	for i := range contents.Layers {
		res.Releases[i] = tl.CreateFence(next)
	}
	return res, nil
}

// Hotplug implements Compositor.
func (c *OfflineCompositor) Hotplug(_ context.Context, id display.ID, connected bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := "disconnected"
	if connected {
		state = "connected"
	}
	c.events = append(c.events, fmt.Sprintf("hotplug %s %s", id, state))
	return nil
}

// Blank implements Compositor.
func (c *OfflineCompositor) Blank(_ context.Context, id display.ID, blank bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := "unblank"
	if blank {
		state = "blank"
	}
	c.events = append(c.events, fmt.Sprintf("%s %s", state, id))
	return nil
}

// Frames returns every recorded content list in presentation order.
func (c *OfflineCompositor) Frames() []Recorded {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Recorded{}, c.frames...)
}

// Events returns presents and control events as trace lines.
func (c *OfflineCompositor) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.events...)
}

// Signal advances every display timeline, releasing all outstanding
// buffers.
func (c *OfflineCompositor) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tl := range c.timelines {
		tl.Advance(1)
	}
}
