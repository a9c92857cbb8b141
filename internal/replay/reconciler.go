// Package replay drives the frame pipeline from a captured trace.
//
// A trace names layers only by their position in a frame and by buffer
// handles the recording device made up. The reconciler decides, line by
// line, whether a layer is one it already replays, one carried over from
// before a geometry change, a clone of a primary-display layer, or a new
// surface that needs its own buffers.
//
// Two caches key layers by (index, display). The current cache holds the
// layers of the running geometry epoch. A geometry change on the primary
// display moves the current cache to the previous cache and starts an
// empty one; lines that miss the current cache are matched against the
// previous one with the configured Mode. The previous cache only lives
// until the frame that opened the new epoch is submitted.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/roach88/compval/internal/buffer"
	"github.com/roach88/compval/internal/display"
	"github.com/roach88/compval/internal/format"
	"github.com/roach88/compval/internal/geom"
	"github.com/roach88/compval/internal/layer"
	"github.com/roach88/compval/internal/pipeline"
	"github.com/roach88/compval/internal/system"
	"github.com/roach88/compval/internal/trace"
)

const tracerName = "github.com/roach88/compval/internal/replay"

// DefaultMaxDelay caps the reproduced gap between recorded frames. Traces
// are often concatenated captures whose timestamps jump.
const DefaultMaxDelay = 500 * time.Millisecond

type key struct {
	index   int
	display display.ID
}

func sortedKeys(m map[key]*layer.Layer) []key {
	keys := make([]key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].display != keys[j].display {
			return keys[i].display < keys[j].display
		}
		return keys[i].index < keys[j].index
	})
	return keys
}

// layerLine is a live or snapshot layer line reduced to what the
// reconciler needs.
type layerLine struct {
	index     int
	display   display.ID
	comp      layer.Composition
	handle    buffer.Handle
	width     int
	height    int
	format    format.Format
	crop      geom.FRect
	frame     geom.Rect
	transform geom.Transform
	blend     layer.Blend
	alpha     uint8
	skip      bool
	profile   string
}

func (ln *layerLine) shape() Shape {
	return Shape{Size: geom.Size{W: ln.width, H: ln.height}, Crop: ln.crop, Frame: ln.frame}
}

func (ln *layerLine) geometry() layer.Geometry {
	return layer.Geometry{
		Crop:      ln.crop,
		Frame:     geom.LogicalRect{Rect: ln.frame},
		Transform: ln.transform,
	}
}

// Sleeper reproduces recorded inter-frame delays.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper sleeps on the wall clock.
type TimerSleeper struct{}

// Sleep waits for d or until ctx is done.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Reconciler replays trace records through a pipeline.
//
// Thread-safety: none. Records must be applied from one goroutine.
type Reconciler struct {
	sys      *system.Context
	pipe     *pipeline.Pipeline
	mode     Mode
	maxDelay time.Duration
	sleeper  Sleeper
	alpha    map[int]uint8
	onFrame  func(*pipeline.Report)
	tracer   oteltrace.Tracer

	frame    *layer.Frame
	current  map[key]*layer.Layer
	previous map[key]*layer.Layer

	// pending frame state
	pending    bool
	headers    map[display.ID]bool
	frameTime  time.Duration
	timed      bool
	lastTime   time.Duration
	lastTimed  bool
	display    display.ID
	transition bool

	snapshotRows map[display.ID]int
	palette      int

	stats   Stats
	segment *Segment
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMode selects the match mode. Default DefaultMode.
func WithMode(m Mode) Option {
	return func(r *Reconciler) { r.mode = m }
}

// WithMaxDelay caps reproduced inter-frame delays. Zero disables delays.
func WithMaxDelay(d time.Duration) Option {
	return func(r *Reconciler) { r.maxDelay = d }
}

// WithSleeper replaces the wall-clock sleeper.
func WithSleeper(s Sleeper) Option {
	return func(r *Reconciler) { r.sleeper = s }
}

// WithAlphaOverrides forces the plane alpha of layers by index.
func WithAlphaOverrides(m map[int]uint8) Option {
	return func(r *Reconciler) { r.alpha = m }
}

// WithFrameHandler is called with every submitted frame's report.
func WithFrameHandler(fn func(*pipeline.Report)) Option {
	return func(r *Reconciler) { r.onFrame = fn }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t oteltrace.Tracer) Option {
	return func(r *Reconciler) { r.tracer = t }
}

// New creates a reconciler submitting through pipe.
func New(sys *system.Context, pipe *pipeline.Pipeline, opts ...Option) *Reconciler {
	r := &Reconciler{
		sys:          sys,
		pipe:         pipe,
		mode:         DefaultMode,
		maxDelay:     DefaultMaxDelay,
		sleeper:      TimerSleeper{},
		tracer:       otel.Tracer(tracerName),
		frame:        layer.NewFrame(),
		current:      make(map[key]*layer.Layer),
		previous:     make(map[key]*layer.Layer),
		headers:      make(map[display.ID]bool),
		snapshotRows: make(map[display.ID]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Frame returns the frame the reconciler assembles.
func (r *Reconciler) Frame() *layer.Frame { return r.frame }

// Stats returns the counters so far. The segment in progress is included.
func (r *Reconciler) Stats() Stats {
	s := r.stats
	s.Segments = append([]Segment(nil), r.stats.Segments...)
	if r.segment != nil {
		s.Segments = append(s.Segments, *r.segment)
	}
	return s
}

// Replay reads the whole trace, applying every record, and submits the
// final pending frame. Malformed lines are recorded and skipped.
func (r *Reconciler) Replay(ctx context.Context, src io.Reader) (Stats, error) {
	ctx, span := r.tracer.Start(ctx, "replay.Replay",
		oteltrace.WithAttributes(attribute.String("replay.mode", r.mode.String())))
	defer span.End()

	rd := trace.NewReader(src)
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		r.stats.Lines++
		if err != nil {
			var le *trace.LineError
			if !errors.As(err, &le) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "read failed")
				return r.Stats(), err
			}
			r.stats.Malformed++
			r.sys.Record(&system.CheckError{
				Code:    system.CodeMalformedLine,
				Message: le.Error(),
				Display: -1,
				Frame:   r.sys.Clock.Current(),
				Err:     err,
			})
			continue
		}
		if err := r.Apply(ctx, rec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "apply failed")
			return r.Stats(), err
		}
	}
	if err := r.Flush(ctx); err != nil {
		return r.Stats(), err
	}
	r.endSegment()

	stats := r.Stats()
	span.SetAttributes(
		attribute.Int("replay.frames", stats.Frames),
		attribute.Int("replay.matches", stats.Matches),
		attribute.Int("replay.allocations", stats.Allocations),
	)
	return stats, nil
}

// Apply processes one record. The only errors returned are context
// cancellation and compositor control failures; everything else is
// recorded as a validation check.
func (r *Reconciler) Apply(ctx context.Context, rec trace.Record) error {
	switch rec := rec.(type) {
	case *trace.Hotplug:
		r.ensureDisplay(display.ID(rec.Display))
		return r.pipe.Hotplug(ctx, display.ID(rec.Display), rec.Connected)
	case *trace.Blank:
		r.ensureDisplay(display.ID(rec.Display))
		return r.pipe.Blank(ctx, display.ID(rec.Display), rec.Blank)
	case *trace.Header:
		return r.header(ctx, display.ID(rec.Display), rec.GeometryChanged(), rec.Time, true)
	case *trace.Display:
		return r.snapshotDisplay(ctx, rec)
	case *trace.Layer:
		r.line(&layerLine{
			index:     rec.Index,
			display:   r.display,
			comp:      rec.Composition,
			handle:    rec.Handle,
			width:     rec.Width,
			height:    rec.Height,
			format:    rec.Format,
			crop:      rec.Crop,
			frame:     rec.Frame,
			transform: rec.Transform,
			blend:     rec.Blend,
			alpha:     rec.Alpha,
			skip:      rec.Skip(),
		})
	case *trace.SnapshotLayer:
		idx := r.snapshotRows[r.display]
		r.snapshotRows[r.display] = idx + 1
		r.line(&layerLine{
			index:     idx,
			display:   r.display,
			comp:      rec.Composition,
			handle:    rec.Handle,
			width:     int(math.Ceil(rec.Crop.R)),
			height:    int(math.Ceil(rec.Crop.B)),
			format:    rec.Format,
			crop:      rec.Crop,
			frame:     rec.Frame,
			transform: rec.Transform,
			blend:     rec.Blend,
			alpha:     0xff,
			skip:      rec.Skip(),
			profile:   rec.Profile,
		})
	case *trace.Sentinel:
		if err := r.Flush(ctx); err != nil {
			return err
		}
		r.endSegment()
	}
	return nil
}

// header starts display d's part of a frame. A display that already has
// a header in the pending frame closes that frame first.
func (r *Reconciler) header(ctx context.Context, d display.ID, geometryChanged bool, at time.Duration, timed bool) error {
	if r.headers[d] {
		if err := r.Flush(ctx); err != nil {
			return err
		}
	}
	r.ensureDisplay(d)
	r.startSegment()

	if !r.pending {
		r.pending = true
		r.frameTime, r.timed = at, timed
	}
	r.headers[d] = true
	r.display = d

	for _, l := range r.frame.Layers(d) {
		r.frame.Detach(l)
	}

	if geometryChanged {
		r.frame.MarkGeometryChanged(d)
		if d == display.Primary {
			r.discardPrevious()
			r.previous, r.current = r.current, make(map[key]*layer.Layer)
			r.transition = true
			r.sys.Logger.Debug("geometry epoch started", "display", int(d), "carried", len(r.previous))
		} else if r.transition {
			r.discardPrevious()
		}
	}
	return nil
}

func (r *Reconciler) snapshotDisplay(ctx context.Context, rec *trace.Display) error {
	d := display.ID(rec.Display)
	if err := r.header(ctx, d, true, 0, false); err != nil {
		return err
	}
	r.snapshotRows[d] = 0
	disp, _ := r.sys.Displays.Get(d)
	size := geom.Size{W: rec.Width, H: rec.Height}
	if disp.Size() != size {
		disp.Resize(size)
	}
	disp.SetMode(display.Mode{DPIX: rec.DPIX, DPIY: rec.DPIY, RefreshPeriod: rec.Refresh})
	return nil
}

func (r *Reconciler) ensureDisplay(d display.ID) {
	if _, ok := r.sys.Displays.Get(d); ok {
		return
	}
	size := geom.Size{}
	if p, ok := r.sys.Displays.Get(display.Primary); ok {
		size = p.Size()
	}
	r.sys.Logger.Warn("trace names unknown display, adding it", "display", int(d), "size", fmt.Sprintf("%dx%d", size.W, size.H))
	r.sys.Displays.Add(display.New(d, size))
}

// line resolves one layer line to a layer and attaches it to the pending
// frame.
func (r *Reconciler) line(ln *layerLine) {
	if !r.pending {
		r.sys.Logger.Warn("layer line outside a frame, skipped", "index", ln.index)
		return
	}
	if ln.comp == layer.CompositionTarget {
		// The pipeline supplies its own framebuffer target.
		return
	}
	if a, ok := r.alpha[ln.index]; ok {
		ln.alpha = a
	}

	k := key{index: ln.index, display: ln.display}
	l := r.current[k]
	if l != nil && l.Closed() {
		delete(r.current, k)
		l = nil
	}

	switch {
	case l != nil:
		r.known(l, ln)
	default:
		if l = r.reconcile(ln); l != nil {
			r.current[k] = l
			break
		}
		if l = r.cloneFromPrimary(ln); l != nil {
			r.current[k] = l
			break
		}
		l = r.allocate(ln)
		r.current[k] = l
	}

	r.update(l, ln)
	if l.Frame() == r.frame && l.Display() == ln.display {
		r.sys.Logger.Warn("layer index repeated in one frame", "index", ln.index, "display", int(ln.display))
		return
	}
	if l.Frame() != nil {
		l.Frame().Detach(l)
	}
	if err := r.frame.Attach(ln.display, l, layer.Borrowed); err != nil {
		r.sys.Logger.Warn("attach failed", "layer", l.Name(), "error", err)
	}
}

// known handles a line whose key is in the current cache.
func (r *Reconciler) known(l *layer.Layer, ln *layerLine) {
	r.stats.Known++
	if !l.IsClone() && (l.Size() != (geom.Size{W: ln.width, H: ln.height}) || l.Format() != ln.format) {
		r.stats.Inconsistent++
		r.segment.Inconsistent++
		r.sys.Record(&system.CheckError{
			Code: system.CodeCacheInconsistent,
			Message: fmt.Sprintf("layer %s cached as %dx%d %s, trace has %dx%d %s",
				l.Name(), l.Size().W, l.Size().H, l.Format(), ln.width, ln.height, ln.format),
			Display: int(ln.display),
			Frame:   r.sys.Clock.Current(),
		})
		if err := l.Resize(ln.width, ln.height, ln.format); err != nil {
			r.recordAlloc(ln, err)
		}
	}
	if ln.handle == l.Handle() {
		return
	}
	if !l.Knows(ln.handle) && r.mode.match(l, ln) {
		r.stats.Matches++
		r.segment.Matches++
	}
	// A handle always selects its own slot, registering an unseen one.
	l.SelectHandle(ln.handle)
}

// reconcile looks for ln in the previous cache. A match moves the layer
// into the current cache.
func (r *Reconciler) reconcile(ln *layerLine) *layer.Layer {
	if len(r.previous) == 0 {
		return nil
	}
	for _, k := range sortedKeys(r.previous) {
		l := r.previous[k]
		if l.Closed() {
			delete(r.previous, k)
			continue
		}
		if l.IsClone() || !r.mode.match(l, ln) {
			continue
		}
		delete(r.previous, k)
		r.stats.Matches++
		r.segment.Matches++
		if l.Size() != (geom.Size{W: ln.width, H: ln.height}) || l.Format() != ln.format {
			if err := l.Resize(ln.width, ln.height, ln.format); err != nil {
				r.recordAlloc(ln, err)
			}
		}
		if l.Knows(ln.handle) {
			l.SelectHandle(ln.handle)
		} else {
			l.AdoptHandle(ln.handle)
		}
		r.sys.Logger.Debug("layer matched", "layer", l.Name(), "from", fmt.Sprintf("%d@%s", k.index, k.display),
			"to", fmt.Sprintf("%d@%s", ln.index, ln.display), "mode", r.mode.String())
		return l
	}
	r.segment.Misses++
	return nil
}

// cloneFromPrimary clones the same-index primary layer when it already
// knows the handle.
func (r *Reconciler) cloneFromPrimary(ln *layerLine) *layer.Layer {
	if ln.display == display.Primary {
		return nil
	}
	src := r.current[key{index: ln.index, display: display.Primary}]
	if src == nil || src.Closed() || src.IsClone() || !src.Knows(ln.handle) {
		return nil
	}
	c := src.CloneTo(ln.display)
	r.stats.Clones++
	r.segment.Clones++
	r.sys.Logger.Debug("layer cloned", "layer", src.Name(), "display", int(ln.display))
	return c
}

// allocate creates a new layer for ln with a placeholder pattern.
func (r *Reconciler) allocate(ln *layerLine) *layer.Layer {
	r.stats.Allocations++
	r.segment.Allocations++

	l := layer.New(r.sys, layer.Config{
		Name:        fmt.Sprintf("L%d@%s", ln.index, ln.display),
		Index:       ln.index,
		Width:       ln.width,
		Height:      ln.height,
		Format:      ln.format,
		Geometry:    ln.geometry(),
		Blend:       ln.blend,
		Alpha:       ln.alpha,
		Composition: ln.comp,
		Skip:        ln.skip,
		Pattern:     r.placeholder(ln),
		Identity:    layer.IdentityHandles,
	})
	if err := l.AllocateBuffers(); err != nil {
		r.recordAlloc(ln, err)
	}
	l.SelectHandle(ln.handle)
	r.sys.Logger.Debug("layer allocated", "layer", l.Name(), "handle", ln.handle.String(),
		"size", fmt.Sprintf("%dx%d", ln.width, ln.height), "format", string(ln.format))
	return l
}

// placeholder picks a deterministic fill: a profile's canned pattern,
// white for a full-screen base layer, otherwise the next palette colour.
func (r *Reconciler) placeholder(ln *layerLine) layer.Pattern {
	switch ln.profile {
	case "clock":
		return layer.NewHorizontalLine(layer.Black, layer.White, 4, 8)
	case "video":
		return layer.NewAnimated(1)
	case "static":
		return layer.NewSolid(layer.PaletteColor(r.nextPalette()))
	}
	if ln.index == 0 {
		if d, ok := r.sys.Displays.Get(ln.display); ok {
			full := geom.Rect{R: d.Size().W, B: d.Size().H}
			if ln.frame == full {
				return layer.NewSolid(layer.White)
			}
		}
	}
	return layer.NewSolid(layer.PaletteColor(r.nextPalette()))
}

func (r *Reconciler) nextPalette() int {
	i := r.palette
	r.palette = (r.palette + 1) % layer.PaletteSize()
	return i
}

// update copies the line's per-frame fields onto l. Clones follow their
// source for everything but placement.
func (r *Reconciler) update(l *layer.Layer, ln *layerLine) {
	l.SetGeometry(ln.geometry())
	if l.IsClone() {
		return
	}
	l.SetComposition(ln.comp)
	l.SetBlend(ln.blend)
	l.SetAlpha(ln.alpha)
	l.SetSkip(ln.skip)
}

func (r *Reconciler) recordAlloc(ln *layerLine, err error) {
	r.sys.Record(system.NewCheck(system.CodeAllocFailed, int(ln.display), r.sys.Clock.Current(), err))
}

// discardPrevious closes every layer left in the previous cache that the
// current epoch did not take over.
func (r *Reconciler) discardPrevious() {
	live := make(map[*layer.Layer]bool, len(r.current))
	for _, l := range r.current {
		live[l] = true
	}
	for _, k := range sortedKeys(r.previous) {
		l := r.previous[k]
		if live[l] {
			continue
		}
		if l.Frame() != nil {
			l.Frame().Detach(l)
		}
		l.Close()
	}
	clear(r.previous)
}

// Flush submits the pending frame, if any, after the recorded delay.
func (r *Reconciler) Flush(ctx context.Context) error {
	if !r.pending {
		return nil
	}
	if r.timed {
		if r.lastTimed {
			if err := r.sleeper.Sleep(ctx, r.delay(r.frameTime-r.lastTime)); err != nil {
				return err
			}
		}
		r.lastTime, r.lastTimed = r.frameTime, true
	}

	ctx, span := r.tracer.Start(ctx, "replay.Frame",
		oteltrace.WithAttributes(
			attribute.Int("replay.segment", r.segment.Index),
			attribute.Int("replay.layers", len(r.frame.All())),
		))
	report, err := r.pipe.Submit(ctx, r.frame)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		span.End()
		return err
	}
	span.End()

	r.stats.Frames++
	r.segment.Frames++
	if r.onFrame != nil {
		r.onFrame(report)
	}

	r.pending = false
	clear(r.headers)
	if r.transition {
		r.discardPrevious()
		r.transition = false
	}
	return nil
}

// delay clamps a recorded gap.
func (r *Reconciler) delay(gap time.Duration) time.Duration {
	if gap <= 0 || r.maxDelay <= 0 {
		return 0
	}
	return min(gap, r.maxDelay)
}

func (r *Reconciler) startSegment() {
	if r.segment == nil {
		r.segment = &Segment{Index: len(r.stats.Segments)}
	}
}

func (r *Reconciler) endSegment() {
	if r.segment == nil {
		return
	}
	seg := *r.segment
	r.segment = nil
	r.stats.Segments = append(r.stats.Segments, seg)
	if seg.Degraded() {
		r.sys.Logger.Warn("segment replayed without any match",
			"segment", seg.Index, "allocations", seg.Allocations, "mode", r.mode.String())
	}
}

// Close releases every cached layer.
func (r *Reconciler) Close() {
	r.frame.Reset()
	r.discardPrevious()
	for _, k := range sortedKeys(r.current) {
		r.current[k].Close()
	}
	clear(r.current)
}
