// Package layer is the frame model: layers, the frames they are attached
// to, the geometry engine that maps logical layer rectangles onto a
// display's physical panel, and the cloning engine that mirrors layers
// onto secondary displays.
//
// Ownership is explicit throughout:
//
//   - a source layer owns its clones; a clone's CloneOf is a non-owning
//     back-reference that stays valid for as long as the clone exists
//   - a Frame owns the layers it was given with Owned and merely references
//     those given with Borrowed
//   - a layer owns its buffer pool unless it is a clone, in which case it
//     borrows the source's pool
package layer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/compval/internal/buffer"
	"github.com/roach88/compval/internal/display"
	"github.com/roach88/compval/internal/fence"
	"github.com/roach88/compval/internal/format"
	"github.com/roach88/compval/internal/geom"
	"github.com/roach88/compval/internal/system"
)

// Blend is a layer blending mode.
type Blend uint8

const (
	BlendNone Blend = iota
	BlendPremultiplied
	BlendCoverage
)

var blendTags = [...]string{"OP", "BL", "CV"}

func (b Blend) String() string {
	if int(b) < len(blendTags) {
		return blendTags[b]
	}
	return fmt.Sprintf("blend(%d)", uint8(b))
}

// ParseBlend accepts a trace tag (OP, BL, CV) or a long name.
func ParseBlend(s string) (Blend, error) {
	switch s {
	case "OP", "none", "opaque":
		return BlendNone, nil
	case "BL", "premultiplied":
		return BlendPremultiplied, nil
	case "CV", "coverage":
		return BlendCoverage, nil
	}
	return 0, fmt.Errorf("unknown blend mode %q", s)
}

// Composition is how the compositor was asked to handle a layer.
type Composition uint8

const (
	// CompositionDevice layers are scanned out by hardware overlays.
	CompositionDevice Composition = iota
	// CompositionClient layers are composed into the framebuffer target.
	CompositionClient
	// CompositionTarget marks the framebuffer target itself.
	CompositionTarget
	// CompositionBackground marks a solid background fill.
	CompositionBackground
	// CompositionCursor marks a cursor plane.
	CompositionCursor
)

var compositionTags = [...]string{"OV", "GL", "FB", "BG", "CU"}

func (c Composition) String() string {
	if int(c) < len(compositionTags) {
		return compositionTags[c]
	}
	return fmt.Sprintf("composition(%d)", uint8(c))
}

// ParseComposition accepts a trace tag or a long name.
func ParseComposition(s string) (Composition, error) {
	switch s {
	case "OV", "device", "overlay", "HWC":
		return CompositionDevice, nil
	case "GL", "client", "GLES":
		return CompositionClient, nil
	case "FB", "target", "FB TARGET":
		return CompositionTarget, nil
	case "BG", "background":
		return CompositionBackground, nil
	case "CU", "cursor":
		return CompositionCursor, nil
	}
	return 0, fmt.Errorf("unknown composition type %q", s)
}

// Ownership tags a reference as owning or not.
type Ownership uint8

const (
	Borrowed Ownership = iota
	Owned
)

func (o Ownership) String() string {
	if o == Owned {
		return "owned"
	}
	return "borrowed"
}

// Identity selects how a layer recognises its buffers.
type Identity uint8

const (
	// IdentityNone layers rotate through their pool every content update.
	IdentityNone Identity = iota
	// IdentityHandles layers map recorded buffer handles to pool slots;
	// replayed layers use it.
	IdentityHandles
)

// Geometry is a layer's logical placement.
type Geometry struct {
	// Crop is the source crop in buffer space. Empty means the whole buffer.
	Crop geom.FRect

	// Frame is the display frame in the display's logical space.
	Frame geom.LogicalRect

	// Transform is the logical buffer transform.
	Transform geom.Transform
}

// Physical is a layer's placement on the panel after rotation, clipping
// and format alignment.
type Physical struct {
	Crop      geom.FRect
	Frame     geom.Rect
	Transform geom.Transform
	Visible   bool
}

// Config describes a layer at construction.
type Config struct {
	Name        string
	Index       int
	Width       int
	Height      int
	Format      format.Format
	Geometry    Geometry
	Blend       Blend
	Alpha       uint8
	Composition Composition
	Skip        bool
	Clone       bool
	Pattern     Pattern
	Identity    Identity
	Slots       int
}

// Layer is one surface. Plain, replayed and cloned layers are all the same
// type, distinguished by their Pattern, Identity and CloneOf.
//
// Thread-safety: none. Layers are driven from the frame goroutine only.
type Layer struct {
	sys *system.Context

	name        string
	index       int
	width       int
	height      int
	format      format.Format
	geo         Geometry
	blend       Blend
	alpha       uint8
	composition Composition
	skip        bool
	cloneable   bool
	slots       int

	pattern  Pattern
	identity Identity
	handles  map[buffer.Handle]int
	handle   buffer.Handle

	pool        *buffer.Pool
	poolOwn     Ownership
	pendingSlot int
	needsFill   bool
	acquire     *fence.Fence

	phys     Physical
	computed bool
	dirty    bool
	updated  bool
	content  bool
	noBuffer bool

	display display.ID
	frame   *Frame
	clones  map[display.ID]*Layer
	cloneOf *Layer
	closed  bool
}

// New creates a layer without buffers; call AllocateBuffers before the
// layer takes part in a frame.
func New(sys *system.Context, cfg Config) *Layer {
	if cfg.Pattern == nil {
		cfg.Pattern = NewSolid(PaletteColor(cfg.Index))
	}
	if cfg.Slots < 1 {
		cfg.Slots = buffer.DefaultSlots
	}
	if cfg.Format == "" {
		cfg.Format = format.RGBA
	}
	l := &Layer{
		sys:         sys,
		name:        cfg.Name,
		index:       cfg.Index,
		width:       cfg.Width,
		height:      cfg.Height,
		format:      cfg.Format,
		geo:         cfg.Geometry,
		blend:       cfg.Blend,
		alpha:       cfg.Alpha,
		composition: cfg.Composition,
		skip:        cfg.Skip,
		cloneable:   cfg.Clone,
		slots:       cfg.Slots,
		pattern:     cfg.Pattern,
		identity:    cfg.Identity,
		pendingSlot: -1,
		dirty:       true,
		clones:      make(map[display.ID]*Layer),
	}
	if l.name == "" {
		l.name = fmt.Sprintf("layer%d", cfg.Index)
	}
	if l.identity == IdentityHandles {
		l.handles = make(map[buffer.Handle]int)
	}
	return l
}

// AllocateBuffers creates the layer's pool. On failure the layer stays
// bufferless and contributes nothing to composition; the error wraps
// buffer.ErrAllocFailed.
func (l *Layer) AllocateBuffers() error {
	if l.cloneOf != nil {
		return nil
	}
	if l.pool != nil && l.poolOwn == Owned {
		l.pool.Close()
	}
	l.pool = nil
	p, err := buffer.NewPool(l.sys.Alloc, l.sys.Fences, l.width, l.height, l.format, l.slots, l.sys.PoolOptions()...)
	if err != nil {
		return fmt.Errorf("layer %s: %w", l.name, err)
	}
	l.pool = p
	l.poolOwn = Owned
	l.needsFill = true
	return nil
}

func (l *Layer) Name() string { return l.name }
func (l *Layer) Index() int { return l.index }
func (l *Layer) Size() geom.Size { return geom.Size{W: l.width, H: l.height} }
func (l *Layer) Format() format.Format { return l.format }
func (l *Layer) Geometry() Geometry { return l.geo }
func (l *Layer) Blend() Blend { return l.blend }
func (l *Layer) Alpha() uint8 { return l.alpha }
func (l *Layer) Composition() Composition { return l.composition }
func (l *Layer) Skip() bool { return l.skip }
func (l *Layer) Cloneable() bool { return l.cloneable }
func (l *Layer) Pattern() Pattern { return l.pattern }
func (l *Layer) Identity() Identity { return l.identity }
func (l *Layer) Physical() Physical { return l.phys }
func (l *Layer) Display() display.ID { return l.display }
func (l *Layer) Frame() *Frame { return l.frame }
func (l *Layer) CloneOf() *Layer { return l.cloneOf }
func (l *Layer) IsClone() bool { return l.cloneOf != nil }
func (l *Layer) Pool() *buffer.Pool { return l.pool }
func (l *Layer) PoolOwnership() Ownership { return l.poolOwn }
func (l *Layer) Acquire() *fence.Fence { return l.acquire }
func (l *Layer) Handle() buffer.Handle { return l.handle }
func (l *Layer) Closed() bool { return l.closed }
func (l *Layer) Dirty() bool { return l.dirty }
func (l *Layer) Updated() bool { return l.updated }
func (l *Layer) ContentUpdated() bool { return l.content }
func (l *Layer) SetBlend(b Blend) { l.blend = b }
func (l *Layer) SetAlpha(a uint8) { l.alpha = a }
func (l *Layer) SetCloneable(c bool) { l.cloneable = c }
func (l *Layer) SetComposition(c Composition) { l.composition = c }

// SetSkip marks the layer as one the compositor must take from the
// framebuffer target.
func (l *Layer) SetSkip(skip bool) {
	if l.skip != skip {
		l.skip = skip
		l.updated = true
	}
}

// SetGeometry replaces the logical geometry. A different value marks the
// layer for a geometry pass.
func (l *Layer) SetGeometry(g Geometry) {
	if l.geo != g {
		l.geo = g
		l.dirty = true
	}
}

// MarkDirty forces a geometry pass on the next frame.
func (l *Layer) MarkDirty() { l.dirty = true }

// Resize changes the buffer geometry and reallocates the pool. Known
// handles are forgotten since they referred to the old buffers.
func (l *Layer) Resize(w, h int, f format.Format) error {
	if l.cloneOf != nil {
		return fmt.Errorf("layer %s: cannot resize a clone", l.name)
	}
	l.width, l.height, l.format = w, h, f
	l.dirty = true
	if l.handles != nil {
		clear(l.handles)
		if l.handle != 0 {
			l.handles[l.handle] = 0
		}
	}
	l.pendingSlot = -1
	if err := l.AllocateBuffers(); err != nil {
		return err
	}
	for _, c := range l.clones {
		c.pool = l.pool
		c.width, c.height, c.format = w, h, f
		c.dirty = true
	}
	return nil
}

// Buffer returns the buffer the layer currently presents, nil when it has
// none.
func (l *Layer) Buffer() *buffer.Buffer {
	if l.pool == nil || l.noBuffer {
		return nil
	}
	return l.pool.Current()
}

// Contributing reports whether the layer is composed into the framebuffer
// target.
func (l *Layer) Contributing() bool {
	return l.composition == CompositionClient || l.skip
}

// Knows reports whether h is one of the layer's recorded buffer handles.
// Clones answer for their source.
func (l *Layer) Knows(h buffer.Handle) bool {
	if l.cloneOf != nil {
		return l.cloneOf.Knows(h)
	}
	_, ok := l.handles[h]
	return ok
}

// KnownHandles returns the recorded handles in slot order.
func (l *Layer) KnownHandles() []buffer.Handle {
	if l.cloneOf != nil {
		return l.cloneOf.KnownHandles()
	}
	out := make([]buffer.Handle, 0, len(l.handles))
	for h := range l.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return l.handles[out[i]] < l.handles[out[j]] })
	return out
}

// SlotFor returns the pool slot recorded for h.
func (l *Layer) SlotFor(h buffer.Handle) (int, bool) {
	if l.cloneOf != nil {
		return l.cloneOf.SlotFor(h)
	}
	s, ok := l.handles[h]
	return s, ok
}

// SelectHandle records that the trace presented h and, when it differs
// from the last handle, schedules the matching pool slot to become current
// with a pattern refill. Unseen handles are registered against the next
// free slot, growing the pool at refresh. It reports whether h was known.
func (l *Layer) SelectHandle(h buffer.Handle) bool {
	if l.cloneOf != nil {
		return l.cloneOf.SelectHandle(h)
	}
	if l.handles == nil {
		l.handles = make(map[buffer.Handle]int)
		l.identity = IdentityHandles
	}
	slot, known := l.handles[h]
	if known && h == l.handle {
		return true
	}
	if !known {
		slot = len(l.handles)
		l.handles[h] = slot
	}
	l.handle = h
	l.pendingSlot = slot
	l.needsFill = true
	return known
}

// AdoptHandle binds h to the slot the layer currently presents, without a
// refill. A layer carried into a new geometry epoch keeps its slot this
// way even though the trace renamed the buffer.
func (l *Layer) AdoptHandle(h buffer.Handle) {
	if l.cloneOf != nil {
		l.cloneOf.AdoptHandle(h)
		return
	}
	if l.handles == nil {
		l.handles = make(map[buffer.Handle]int)
		l.identity = IdentityHandles
	}
	if _, ok := l.handles[h]; ok {
		l.SelectHandle(h)
		return
	}
	slot := 0
	if l.pool != nil && l.pool.CurrentIndex() >= 0 {
		slot = l.pool.CurrentIndex()
	}
	l.handles[h] = slot
	l.handle = h
}

// ForceRefill makes the next Refresh redraw the pattern.
func (l *Layer) ForceRefill() { l.needsFill = true }

// Refresh brings the layer's content up to frame seq. A source layer
// advances its pattern and, when the content changed or a refill is
// pending, moves to its next (or replay-selected) slot, waits for that
// slot's release fence and redraws; the new content gets a signalled
// acquire fence. A clone takes a fresh handle on its source's acquire
// fence, so the source must be refreshed first.
//
// A fence timeout is returned after the content is drawn: it is a
// validation failure, not a reason to skip the frame. An allocation
// failure leaves the layer without a buffer for this frame.
func (l *Layer) Refresh(ctx context.Context, seq int64, timeout time.Duration) error {
	l.noBuffer = false
	if l.cloneOf != nil {
		src := l.cloneOf
		l.pool = src.pool
		l.noBuffer = src.noBuffer
		l.acquire.Close()
		l.acquire = fence.Merge(l.sys.Fences, src.acquire, nil)
		l.content = src.content
		return nil
	}
	if l.pool == nil {
		l.noBuffer = true
		return nil
	}

	changed := l.pattern.Advance(seq)
	if !changed && !l.needsFill && l.pool.CurrentIndex() >= 0 && l.pendingSlot < 0 {
		return nil
	}

	var buf *buffer.Buffer
	if l.pendingSlot >= 0 {
		b, err := l.pool.Select(l.pendingSlot)
		if err != nil {
			l.noBuffer = true
			return fmt.Errorf("layer %s: %w", l.name, err)
		}
		buf = b
		l.pendingSlot = -1
	} else {
		buf = l.pool.AcquireNext()
	}

	waitErr := l.pool.WaitAndRelease(ctx, timeout)
	if buf.Pixels != nil {
		l.pattern.Fill(buf.Pixels)
	}
	buf.Generation = uint64(seq)

	l.acquire.Close()
	l.acquire = fence.NewSignalled(l.sys.Fences)
	l.content = true
	l.needsFill = false
	if waitErr != nil {
		return fmt.Errorf("layer %s: %w", l.name, waitErr)
	}
	return nil
}

// SetReleaseFence hands the compositor's release fence for this frame to
// the pool slot the layer presented. Ownership of f passes to the pool.
func (l *Layer) SetReleaseFence(f *fence.Fence) {
	if l.pool == nil {
		f.Close()
		return
	}
	l.pool.SetReleaseFence(f)
}

// EndFrame closes the consumed acquire fence and clears per-frame flags.
func (l *Layer) EndFrame() {
	l.acquire.Close()
	l.acquire = nil
	l.updated = false
	l.content = false
}

// Clones returns the layer's clones ordered by display.
func (l *Layer) Clones() []*Layer {
	ids := make([]display.ID, 0, len(l.clones))
	for id := range l.clones {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Layer, len(ids))
	for i, id := range ids {
		out[i] = l.clones[id]
	}
	return out
}

// CloneFor returns the clone on display d, if any.
func (l *Layer) CloneFor(d display.ID) *Layer {
	return l.clones[d]
}

// CloneTo returns the clone on display d, creating it if needed. The clone
// borrows the source's pool, pattern and known handles.
func (l *Layer) CloneTo(d display.ID) *Layer {
	if c, ok := l.clones[d]; ok {
		return c
	}
	c := &Layer{
		sys:         l.sys,
		name:        fmt.Sprintf("%s@%s", l.name, d),
		index:       l.index,
		width:       l.width,
		height:      l.height,
		format:      l.format,
		geo:         l.geo,
		blend:       l.blend,
		alpha:       l.alpha,
		composition: l.composition,
		skip:        l.skip,
		slots:       l.slots,
		pattern:     l.pattern,
		identity:    l.identity,
		pool:        l.pool,
		poolOwn:     Borrowed,
		pendingSlot: -1,
		dirty:       true,
		display:     d,
		clones:      make(map[display.ID]*Layer),
		cloneOf:     l,
	}
	l.clones[d] = c
	l.updated = true
	return c
}

// DeleteClone removes the clone on display d. The source is marked
// updated since one of its dependents disappeared.
func (l *Layer) DeleteClone(d display.ID) bool {
	c, ok := l.clones[d]
	if !ok {
		return false
	}
	c.Close()
	return true
}

// Close releases everything the layer owns: its clones, its pool and its
// acquire fence. A clone removes itself from its source. Closing twice is
// a no-op.
func (l *Layer) Close() {
	if l.closed {
		return
	}
	l.closed = true

	for _, c := range l.Clones() {
		c.Close()
	}
	if src := l.cloneOf; src != nil {
		if src.clones[l.display] == l {
			delete(src.clones, l.display)
		}
		src.updated = true
		l.cloneOf = nil
	}
	if l.frame != nil {
		l.frame.Detach(l)
	}
	l.acquire.Close()
	l.acquire = nil
	if l.pool != nil && l.poolOwn == Owned {
		l.pool.Close()
	}
	l.pool = nil
}

func (l *Layer) String() string {
	return fmt.Sprintf("%s[%dx%d %s %s]", l.name, l.width, l.height, l.format, l.phys.Frame)
}
