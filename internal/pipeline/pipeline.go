// Package pipeline assembles each frame's per-display content lists,
// maintains the framebuffer target, and hands the result to the
// compositor boundary.
//
// One Submit is one frame. The order within it is fixed:
//
//  1. geometry: every connected display's layers are recomputed where
//     needed and clone-enabled primary layers are propagated, before any
//     compositor call
//  2. content: layers refresh their buffers, primary display first so
//     clones see their source's new content
//  3. present: per active display, the content list plus framebuffer
//     target goes to the compositor; release fences flow back into pools
//  4. end: consumed acquire fences are closed, dropped frame or not
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/compval/internal/buffer"
	"github.com/roach88/compval/internal/digest"
	"github.com/roach88/compval/internal/display"
	"github.com/roach88/compval/internal/fence"
	"github.com/roach88/compval/internal/format"
	"github.com/roach88/compval/internal/geom"
	"github.com/roach88/compval/internal/layer"
	"github.com/roach88/compval/internal/system"
)

const tracerName = "github.com/roach88/compval/internal/pipeline"

// DefaultFenceTimeout bounds every fence wait in the pipeline.
const DefaultFenceTimeout = 1000 * time.Millisecond

// Pipeline submits frames for every display in a run.
//
// Thread-safety: none. Submit is called from the frame goroutine only.
type Pipeline struct {
	sys       *system.Context
	comp      Compositor
	cloner    *layer.Cloner
	drop      DropRule
	timeout   time.Duration
	reference bool
	tracer    trace.Tracer

	targets map[display.ID]*target
	stats   Stats
}

// target is the framebuffer target state for one display.
type target struct {
	pool         *buffer.Pool
	size         geom.Size
	contributors int
	acquire      *fence.Fence
	retire       *fence.Fence
}

// Stats counts pipeline activity over a run.
type Stats struct {
	Frames          int
	Dropped         int
	Presents        int
	Blanked         int
	Refills         int
	ComposeFailures int
	ClonesCreated   int
	ClonesDeleted   int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDropRule selects which frames are dropped. Default DropNone.
func WithDropRule(r DropRule) Option {
	return func(p *Pipeline) { p.drop = r }
}

// WithFenceTimeout bounds fence waits. Default DefaultFenceTimeout.
func WithFenceTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithReferenceComposition enables drawing contributors into the
// framebuffer target on refill.
func WithReferenceComposition(on bool) Option {
	return func(p *Pipeline) { p.reference = on }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// New creates a pipeline presenting to comp.
func New(sys *system.Context, comp Compositor, opts ...Option) *Pipeline {
	p := &Pipeline{
		sys:     sys,
		comp:    comp,
		cloner:  layer.NewCloner(sys),
		drop:    DropNone,
		timeout: DefaultFenceTimeout,
		tracer:  otel.Tracer(tracerName),
		targets: make(map[display.ID]*target),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stats returns the counters so far.
func (p *Pipeline) Stats() Stats { return p.stats }

// Report describes one submitted frame.
type Report struct {
	Seq      int64
	Dropped  bool
	Displays []DisplayReport
}

// DisplayReport describes one display's part of a frame.
type DisplayReport struct {
	Display   display.ID
	Layers    int
	Presented bool
	Refilled  bool
	Skipped   string
	Digest    string
}

// Submit runs one frame over f. It returns an error only when ctx is
// already done; everything that goes wrong inside a frame is recorded as a
// validation check and the frame completes.
func (p *Pipeline) Submit(ctx context.Context, f *layer.Frame) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seq := p.sys.Clock.Next()
	dropped := p.drop.Drop(seq)

	ctx, span := p.tracer.Start(ctx, "pipeline.Submit",
		trace.WithAttributes(
			attribute.Int64("frame.seq", seq),
			attribute.Bool("frame.dropped", dropped),
		))
	defer span.End()

	p.stats.Frames++
	if dropped {
		p.stats.Dropped++
	}

	snaps, changed := p.snapshot(f)
	p.updateGeometry(f, snaps, changed)
	p.refresh(ctx, f, snaps, seq)

	report := &Report{Seq: seq, Dropped: dropped}
	for _, s := range snaps {
		dr := DisplayReport{Display: s.ID, Layers: f.Len(s.ID)}
		switch {
		case !s.Connected:
			dr.Skipped = "disconnected"
		case s.Blanked:
			dr.Skipped = "blanked"
			p.stats.Blanked++
		case dropped:
			dr.Skipped = "dropped"
		case f.Len(s.ID) == 0:
			dr.Skipped = "empty"
		default:
			p.present(ctx, f, s, seq, &dr)
		}
		report.Displays = append(report.Displays, dr)
	}

	for _, l := range f.All() {
		l.EndFrame()
	}
	for _, t := range p.targets {
		t.acquire.Close()
		t.acquire = nil
	}
	f.ClearGeometryChanged()

	span.SetAttributes(attribute.Int("frame.displays", len(report.Displays)))
	return report, nil
}

func (p *Pipeline) snapshot(f *layer.Frame) ([]display.Snapshot, map[display.ID]bool) {
	all := p.sys.Displays.All()
	snaps := make([]display.Snapshot, len(all))
	changed := make(map[display.ID]bool, len(all))
	for i, d := range all {
		snaps[i] = d.Snapshot()
		changed[d.ID()] = d.TakeChanged() || f.GeometryChanged(d.ID())
	}
	return snaps, changed
}

// updateGeometry completes every display's geometry work, cloning
// included, before anything is presented.
func (p *Pipeline) updateGeometry(f *layer.Frame, snaps []display.Snapshot, changed map[display.ID]bool) {
	for _, s := range snaps {
		if !s.Connected {
			continue
		}
		for _, l := range f.Layers(s.ID) {
			if l.IsClone() {
				continue
			}
			if changed[s.ID] || l.Dirty() {
				l.CalculatePhysical(s, p.sys.Formats)
			}
		}
	}

	var primary *display.Snapshot
	var others []display.Snapshot
	for i := range snaps {
		if snaps[i].ID == display.Primary {
			primary = &snaps[i]
			continue
		}
		others = append(others, snaps[i])
	}
	if primary == nil || !primary.Connected {
		return
	}
	cs := p.cloner.Propagate(f, *primary, others, changed)
	p.stats.ClonesCreated += cs.Created
	p.stats.ClonesDeleted += cs.Deleted

	// Replayed clones are not managed by the cloner but still follow
	// their display's geometry.
	for _, s := range others {
		if !s.Connected {
			continue
		}
		for _, l := range f.Layers(s.ID) {
			if l.IsClone() && !l.CloneOf().Cloneable() && (changed[s.ID] || l.Dirty()) {
				l.CalculatePhysical(s, p.sys.Formats)
			}
		}
	}
}

func (p *Pipeline) refresh(ctx context.Context, f *layer.Frame, snaps []display.Snapshot, seq int64) {
	for _, s := range snaps {
		if !s.Active() {
			continue
		}
		for _, l := range f.Layers(s.ID) {
			if err := l.Refresh(ctx, seq, p.timeout); err != nil {
				p.sys.Record(system.NewCheck(system.CodeComposeFailed, int(s.ID), seq, err))
			}
		}
	}
}

func (p *Pipeline) present(ctx context.Context, f *layer.Frame, s display.Snapshot, seq int64, dr *DisplayReport) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Present",
		trace.WithAttributes(
			attribute.Int("display.id", int(s.ID)),
			attribute.Int64("frame.seq", seq),
		))
	defer span.End()

	contents, sources, tgt := p.assemble(ctx, f, s, seq)
	dr.Refilled = contents.Refill
	dr.Digest = contentDigest(contents)
	span.SetAttributes(
		attribute.Int("frame.layers", len(contents.Layers)),
		attribute.Bool("frame.refill", contents.Refill),
	)

	res, err := p.comp.Present(ctx, contents)
	if err != nil {
		p.stats.ComposeFailures++
		span.RecordError(err)
		span.SetStatus(codes.Error, "present failed")
		p.sys.Record(&system.CheckError{
			Code:    system.CodeComposeFailed,
			Message: fmt.Sprintf("present: %v", err),
			Display: int(s.ID),
			Frame:   seq,
			Err:     err,
		})
		return
	}
	p.stats.Presents++
	dr.Presented = true

	for i, rel := range res.Releases {
		switch {
		case i < len(sources):
			sources[i].SetReleaseFence(rel)
		case i == len(sources) && tgt.pool != nil:
			tgt.pool.SetReleaseFence(rel)
		default:
			rel.Close()
		}
	}
	p.waitRetire(ctx, tgt, s.ID, seq)
	tgt.retire = res.Retire
}

// waitRetire waits for the display's previous frame to leave the screen
// once its successor has been handed over.
func (p *Pipeline) waitRetire(ctx context.Context, tgt *target, id display.ID, seq int64) {
	if tgt.retire == nil {
		return
	}
	err := tgt.retire.Wait(ctx, p.timeout)
	tgt.retire.Close()
	tgt.retire = nil
	if err != nil {
		p.sys.Record(system.NewCheck(system.CodeFenceTimeout, int(id), seq, fmt.Errorf("retire: %w", err)))
	}
}

// assemble builds the content list for display s. Layers without a buffer
// or without a visible area contribute nothing.
func (p *Pipeline) assemble(ctx context.Context, f *layer.Frame, s display.Snapshot, seq int64) (*Contents, []*layer.Layer, *target) {
	contents := &Contents{Display: s.ID, Seq: seq}
	var sources, contributors []*layer.Layer
	refill := false

	for _, l := range f.Layers(s.ID) {
		buf := l.Buffer()
		if buf == nil || !l.Physical().Visible {
			continue
		}
		if l.Contributing() {
			contributors = append(contributors, l)
			if l.ContentUpdated() || l.Updated() || l.Skip() {
				refill = true
			}
		}
		contents.Layers = append(contents.Layers, stateOf(l, buf))
		sources = append(sources, l)
	}

	tgt := p.target(s)
	if len(contributors) != tgt.contributors {
		refill = true
	}
	tgt.contributors = len(contributors)
	if tgt.pool != nil && tgt.pool.CurrentIndex() < 0 {
		refill = true
	}

	if refill && tgt.pool != nil {
		p.stats.Refills++
		buf := tgt.pool.AcquireNext()
		if err := tgt.pool.WaitAndRelease(ctx, p.timeout); err != nil {
			p.sys.Record(system.NewCheck(system.CodeFenceTimeout, int(s.ID), seq, fmt.Errorf("framebuffer target: %w", err)))
		}
		if p.reference && buf.Pixels != nil {
			composeInto(buf.Pixels, contributors, p.sys.Formats)
		}
		buf.Generation = uint64(seq)

		acquires := make([]*fence.Fence, 0, len(contributors))
		for _, l := range contributors {
			acquires = append(acquires, l.Acquire())
		}
		tgt.acquire.Close()
		tgt.acquire = fence.MergeAll(p.sys.Fences, acquires...)
	}
	contents.Refill = refill

	fb := LayerState{
		Name:        "FramebufferTarget",
		Composition: layer.CompositionTarget,
		Format:      format.RGBA,
		Crop:        geom.FRect{R: float64(s.Size.W), B: float64(s.Size.H)},
		Frame:       geom.Rect{R: s.Size.W, B: s.Size.H},
		Blend:       layer.BlendPremultiplied,
		Alpha:       0xff,
		Acquire:     tgt.acquire,
	}
	if tgt.pool != nil && tgt.pool.Current() != nil {
		fb.Handle = tgt.pool.Current().Handle
		fb.Generation = tgt.pool.Current().Generation
	}
	contents.Layers = append(contents.Layers, fb)
	return contents, sources, tgt
}

// target returns the framebuffer target for s, reallocating its pool when
// the panel size changed.
func (p *Pipeline) target(s display.Snapshot) *target {
	t, ok := p.targets[s.ID]
	if !ok {
		t = &target{contributors: -1}
		p.targets[s.ID] = t
	}
	if t.pool != nil && t.size == s.Size {
		return t
	}
	if t.pool != nil {
		t.pool.Close()
		t.pool = nil
	}
	pool, err := buffer.NewPool(p.sys.Alloc, p.sys.Fences, s.Size.W, s.Size.H, format.RGBA, buffer.DefaultSlots, p.sys.PoolOptions()...)
	if err != nil {
		p.sys.Record(system.NewCheck(system.CodeAllocFailed, int(s.ID), p.sys.Clock.Current(), fmt.Errorf("framebuffer target: %w", err)))
		return t
	}
	t.pool = pool
	t.size = s.Size
	t.contributors = -1
	return t
}

func stateOf(l *layer.Layer, buf *buffer.Buffer) LayerState {
	ph := l.Physical()
	return LayerState{
		Name:        l.Name(),
		Composition: l.Composition(),
		Handle:      buf.Handle,
		Generation:  buf.Generation,
		Format:      l.Format(),
		Crop:        ph.Crop,
		Frame:       ph.Frame,
		Transform:   ph.Transform,
		Blend:       l.Blend(),
		Alpha:       l.Alpha(),
		Skip:        l.Skip(),
		Acquire:     l.Acquire(),
	}
}

func contentDigest(c *Contents) string {
	layers := make([]digest.Layer, len(c.Layers))
	for i, l := range c.Layers {
		layers[i] = digest.Layer{
			Name:        l.Name,
			Handle:      uint64(l.Handle),
			Generation:  l.Generation,
			Composition: l.Composition.String(),
			Format:      string(l.Format),
			Crop:        [4]float64{l.Crop.L, l.Crop.T, l.Crop.R, l.Crop.B},
			Frame:       [4]int{l.Frame.L, l.Frame.T, l.Frame.R, l.Frame.B},
			Transform:   int(l.Transform),
			Blend:       l.Blend.String(),
			Alpha:       int(l.Alpha),
			Skip:        l.Skip,
		}
	}
	id, err := digest.FrameID(int(c.Display), layers)
	if err != nil {
		return ""
	}
	return id
}

// Hotplug applies a connectivity change to the display and forwards it to
// the compositor.
func (p *Pipeline) Hotplug(ctx context.Context, id display.ID, connected bool) error {
	d, ok := p.sys.Displays.Get(id)
	if !ok {
		return fmt.Errorf("hotplug: unknown display %s", id)
	}
	d.SetConnected(connected)
	if !connected {
		p.dropTarget(id)
	}
	return p.comp.Hotplug(ctx, id, connected)
}

// Blank applies a blanking change to the display and forwards it to the
// compositor.
func (p *Pipeline) Blank(ctx context.Context, id display.ID, blank bool) error {
	d, ok := p.sys.Displays.Get(id)
	if !ok {
		return fmt.Errorf("blank: unknown display %s", id)
	}
	d.SetBlank(blank)
	return p.comp.Blank(ctx, id, blank)
}

func (p *Pipeline) dropTarget(id display.ID) {
	t, ok := p.targets[id]
	if !ok {
		return
	}
	t.acquire.Close()
	t.retire.Close()
	if t.pool != nil {
		t.pool.Close()
	}
	delete(p.targets, id)
}

// Close releases every framebuffer target.
func (p *Pipeline) Close() {
	for id := range p.targets {
		p.dropTarget(id)
	}
}
