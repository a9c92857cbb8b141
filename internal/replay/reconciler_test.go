package replay

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/compval/internal/buffer"
	"github.com/roach88/compval/internal/display"
	"github.com/roach88/compval/internal/geom"
	"github.com/roach88/compval/internal/layer"
	"github.com/roach88/compval/internal/pipeline"
	"github.com/roach88/compval/internal/system"
	"github.com/roach88/compval/internal/testutil"
	"github.com/roach88/compval/internal/trace"
)

type fixture struct {
	sys     *system.Context
	comp    *pipeline.OfflineCompositor
	pipe    *pipeline.Pipeline
	rec     *Reconciler
	sleeper *testutil.RecordingSleeper
	reports []*pipeline.Report
}

func newFixture(t *testing.T, mode Mode, opts ...Option) *fixture {
	t.Helper()
	sys := system.New(display.NewSet(
		display.New(display.Primary, geom.Size{W: 1920, H: 1080}),
		display.New(1, geom.Size{W: 1280, H: 720}),
	), system.WithRunID("test-run"))
	comp := pipeline.NewOfflineCompositor(sys.Fences)
	pipe := pipeline.New(sys, comp, pipeline.WithFenceTimeout(50*time.Millisecond))
	fx := &fixture{sys: sys, comp: comp, pipe: pipe, sleeper: &testutil.RecordingSleeper{}}
	opts = append([]Option{
		WithMode(mode),
		WithSleeper(fx.sleeper),
		WithFrameHandler(func(r *pipeline.Report) { fx.reports = append(fx.reports, r) }),
	}, opts...)
	fx.rec = New(sys, pipe, opts...)
	t.Cleanup(func() {
		fx.rec.Close()
		fx.pipe.Close()
	})
	return fx
}

func (fx *fixture) replay(t *testing.T, lines ...string) Stats {
	t.Helper()
	stats, err := fx.rec.Replay(context.Background(), strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)
	return stats
}

func (fx *fixture) apply(t *testing.T, line string) {
	t.Helper()
	rec, err := trace.Parse(line)
	require.NoError(t, err)
	require.NoError(t, fx.rec.Apply(context.Background(), rec))
}

func header(ts float64, d int, geometryChanged bool) string {
	flags := 0
	if geometryChanged {
		flags = 1
	}
	return fmt.Sprintf("%.6f D%d onSet retire:-1 acq:-1 outbuf:0x0 flags:0x%x", ts, d, flags)
}

type live struct {
	index  int
	comp   string
	handle uint64
	w, h   int
	crop   geom.FRect
	frame  geom.Rect
	alpha  uint8
	format string
}

func (l live) String() string {
	if l.comp == "" {
		l.comp = "OV"
	}
	if l.alpha == 0 {
		l.alpha = 0xff
	}
	if l.format == "" {
		l.format = "RGBA"
	}
	if l.crop == (geom.FRect{}) {
		l.crop = geom.FRect{R: float64(l.w), B: float64(l.h)}
	}
	return fmt.Sprintf("  %d %s %#x FB0 TR:0 RH:0 BL:BL A:%02x %s %dx%d %.1f,%.1f,%.1f,%.1f -> %d,%d,%d,%d acq:-1 rel:-1 V:{%d,%d,%d,%d} U:0x900 Hi:0 Fl:0",
		l.index, l.comp, l.handle, l.alpha, l.format, l.w, l.h,
		l.crop.L, l.crop.T, l.crop.R, l.crop.B,
		l.frame.L, l.frame.T, l.frame.R, l.frame.B,
		l.frame.L, l.frame.T, l.frame.R, l.frame.B)
}

var square = geom.Rect{R: 100, B: 100}

func TestReconciler_TwoFrameReplayMatchesRenamedBuffer(t *testing.T) {
	fx := newFixture(t, ModeFrame)
	stats := fx.replay(t,
		header(1.0, 0, true),
		live{index: 0, handle: 0x1000, w: 100, h: 100, frame: square}.String(),
		header(1.016, 0, false),
		live{index: 0, handle: 0x2000, w: 100, h: 100, frame: square}.String(),
	)

	assert.Equal(t, 2, stats.Frames)
	assert.Equal(t, 1, stats.Allocations)
	assert.Equal(t, 1, stats.Matches)

	l := fx.rec.current[key{index: 0, display: display.Primary}]
	require.NotNil(t, l)
	first, ok := l.SlotFor(0x1000)
	require.True(t, ok)
	second, ok := l.SlotFor(0x2000)
	require.True(t, ok)
	assert.Equal(t, first+1, second, "the renamed buffer takes the next slot of the same pool")
	assert.Equal(t, second, l.Pool().CurrentIndex())

	require.Len(t, fx.sleeper.Delays(), 1)
	assert.Equal(t, 16*time.Millisecond, fx.sleeper.Delays()[0])
	assert.Len(t, fx.comp.Frames(), 2)
}

func TestReconciler_GeometryChangeSnapshotsCurrentCache(t *testing.T) {
	fx := newFixture(t, ModeFrame)
	fx.apply(t, header(1.0, 0, true))
	fx.apply(t, live{index: 0, handle: 0x1000, w: 1920, h: 1080, frame: geom.Rect{R: 1920, B: 1080}}.String())
	fx.apply(t, live{index: 1, handle: 0x2000, w: 100, h: 100, frame: square}.String())
	before := map[key]*layer.Layer{}
	for k, v := range fx.rec.current {
		before[k] = v
	}

	fx.apply(t, header(1.1, 0, true))
	assert.Equal(t, before, fx.rec.previous, "previous is exactly the live set before the change")
	assert.Empty(t, fx.rec.current)
	assert.True(t, fx.rec.Frame().GeometryChanged(display.Primary))
	assert.Equal(t, 0, fx.rec.Frame().Len(display.Primary))

	fx.apply(t, live{index: 0, handle: 0x3000, w: 100, h: 100, frame: square}.String())
	require.NoError(t, fx.rec.Flush(context.Background()))
	assert.Empty(t, fx.rec.previous, "the transition ends with its frame")
	assert.True(t, before[key{index: 0}].Closed(), "the unmatched full-screen layer is released")
	assert.Same(t, before[key{index: 1}], fx.rec.current[key{index: 0}], "the square moved to index 0")
}

func TestReconciler_LaterDisplayGeometryChangeClearsPrevious(t *testing.T) {
	fx := newFixture(t, ModeFrame)
	fx.replay(t,
		header(1.0, 0, true),
		live{index: 0, handle: 0x1000, w: 100, h: 100, frame: square}.String(),
		header(1.0, 1, true),
		live{index: 0, handle: 0x5000, w: 50, h: 50, frame: geom.Rect{R: 50, B: 50}}.String(),
	)

	fx.apply(t, header(2.0, 0, true))
	require.Len(t, fx.rec.previous, 2)
	fx.apply(t, header(2.0, 1, true))
	assert.Empty(t, fx.rec.previous)
}

func TestReconciler_HandleModeRecognisesSameBuffer(t *testing.T) {
	fx := newFixture(t, ModeHandle)
	line := live{index: 0, handle: 0x1000, w: 100, h: 100, frame: square}.String()
	stats := fx.replay(t,
		header(1.0, 0, true), line,
		header(1.1, 0, false), line,
		header(1.2, 0, true), line,
	)
	assert.Equal(t, 1, stats.Allocations)
	assert.Equal(t, 1, stats.Known)
	assert.Equal(t, 1, stats.Matches, "the geometry change carries the layer over by handle")
	assert.Equal(t, 3, stats.Frames)
}

func TestReconciler_SlotsStableWithoutGeometryChange(t *testing.T) {
	handles := []uint64{0x1000, 0x2000, 0x3000, 0x1000, 0x2000, 0x3000}
	tests := []struct {
		mode    Mode
		matches int
	}{
		{ModeHandle, 0},
		{ModeFrame, 2},
		{ModeFrameOrCrop, 2},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			run := func() []int {
				fx := newFixture(t, tt.mode)
				var slots []int
				fx.apply(t, header(1.0, 0, true))
				for i, h := range handles {
					if i > 0 {
						fx.apply(t, header(1.0+float64(i)/60, 0, false))
					}
					fx.apply(t, live{index: 0, handle: h, w: 100, h: 100, frame: square}.String())
					l := fx.rec.current[key{}]
					slot, ok := l.SlotFor(buffer.Handle(h))
					require.True(t, ok)
					slots = append(slots, slot)
				}
				require.NoError(t, fx.rec.Flush(context.Background()))
				stats := fx.rec.Stats()
				assert.Equal(t, 1, stats.Allocations)
				assert.Equal(t, tt.matches, stats.Matches, "each unseen handle matches once")
				return slots
			}

			first := run()
			assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, first)
			assert.Equal(t, first, run(), "slot assignment is the same run to run")
		})
	}
}

func TestReconciler_NewHandleRefillsClientTarget(t *testing.T) {
	fx := newFixture(t, ModeFrame)
	handles := []uint64{0x1000, 0x2000, 0x3000}
	lines := []string{header(1.0, 0, true)}
	for i, h := range handles {
		if i > 0 {
			lines = append(lines, header(1.0+float64(i)/60, 0, false))
		}
		lines = append(lines, live{index: 0, comp: "GL", handle: h, w: 100, h: 100, frame: square}.String())
	}
	// The same handle again: nothing new to composite.
	lines = append(lines, header(1.1, 0, false),
		live{index: 0, comp: "GL", handle: 0x3000, w: 100, h: 100, frame: square}.String())
	fx.replay(t, lines...)

	require.Len(t, fx.reports, 4)
	var refilled []bool
	for _, r := range fx.reports {
		require.NotEmpty(t, r.Displays)
		require.Equal(t, display.Primary, r.Displays[0].Display)
		refilled = append(refilled, r.Displays[0].Refilled)
	}
	assert.Equal(t, []bool{true, true, true, false}, refilled)
}

func TestReconciler_ClonesPrimaryLayerForKnownHandle(t *testing.T) {
	fx := newFixture(t, ModeFrame)
	stats := fx.replay(t,
		header(1.0, 0, true),
		live{index: 0, handle: 0x1000, w: 100, h: 100, frame: square}.String(),
		header(1.0, 1, true),
		live{index: 0, handle: 0x1000, w: 100, h: 100, frame: geom.Rect{R: 66, B: 66}}.String(),
		live{index: 1, handle: 0x9000, w: 10, h: 10, frame: geom.Rect{R: 10, B: 10}}.String(),
	)
	assert.Equal(t, 1, stats.Clones)
	assert.Equal(t, 2, stats.Allocations)

	src := fx.rec.current[key{index: 0, display: display.Primary}]
	clone := fx.rec.current[key{index: 0, display: 1}]
	require.NotNil(t, clone)
	assert.Same(t, src, clone.CloneOf())
	assert.Equal(t, geom.Rect{R: 66, B: 66}, clone.Physical().Frame)

	frames := fx.comp.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, frames[0].Layers[0].Handle, frames[1].Layers[0].Handle)
}

func TestReconciler_PlaceholderPatterns(t *testing.T) {
	fx := newFixture(t, ModeFrame)
	fx.replay(t,
		header(1.0, 0, true),
		live{index: 0, handle: 0x1, w: 1920, h: 1080, frame: geom.Rect{R: 1920, B: 1080}}.String(),
		live{index: 1, handle: 0x2, w: 100, h: 100, frame: square}.String(),
		live{index: 2, handle: 0x3, w: 100, h: 100, frame: square}.String(),
	)
	base := fx.rec.current[key{index: 0}].Pattern().(*layer.Solid)
	assert.Equal(t, layer.White, base.Color)
	one := fx.rec.current[key{index: 1}].Pattern().(*layer.Solid)
	two := fx.rec.current[key{index: 2}].Pattern().(*layer.Solid)
	assert.Equal(t, layer.PaletteColor(0), one.Color)
	assert.Equal(t, layer.PaletteColor(1), two.Color)
}

func TestReconciler_MalformedLinesAreSkipped(t *testing.T) {
	fx := newFixture(t, ModeFrame)
	stats := fx.replay(t,
		header(1.0, 0, true),
		"  0 OV 0x1000 garbage",
		live{index: 0, handle: 0x1000, w: 100, h: 100, frame: square}.String(),
	)
	assert.Equal(t, 1, stats.Malformed)
	assert.Equal(t, 3, stats.Lines)
	assert.Equal(t, 1, stats.Frames)
	assert.Equal(t, 1, fx.sys.Checks.Count(system.CodeMalformedLine))
}

func TestReconciler_InconsistentCacheEntryIsResized(t *testing.T) {
	fx := newFixture(t, ModeFrame)
	stats := fx.replay(t,
		header(1.0, 0, true),
		live{index: 0, handle: 0x1000, w: 100, h: 100, frame: square}.String(),
		header(1.1, 0, false),
		live{index: 0, handle: 0x1000, w: 200, h: 50, frame: square}.String(),
	)
	assert.Equal(t, 1, stats.Inconsistent)
	assert.Equal(t, 1, fx.sys.Checks.Count(system.CodeCacheInconsistent))
	assert.Equal(t, geom.Size{W: 200, H: 50}, fx.rec.current[key{}].Size())
	assert.Equal(t, 1, stats.Allocations)
}

func TestReconciler_DelayIsClamped(t *testing.T) {
	fx := newFixture(t, ModeFrame, WithMaxDelay(100*time.Millisecond))
	line := live{index: 0, handle: 0x1000, w: 100, h: 100, frame: square}.String()
	fx.replay(t,
		header(1.0, 0, true), line,
		header(9.0, 0, false), line,
		header(8.0, 0, false), line,
	)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 0}, fx.sleeper.Delays())
}

func TestReconciler_ControlLinesReachCompositor(t *testing.T) {
	fx := newFixture(t, ModeFrame)
	fx.replay(t,
		"D1 hotplug disconnected",
		"D0 blank",
		"D0 unblank",
	)
	assert.Equal(t, []string{"hotplug D1 disconnected", "blank D0", "unblank D0"}, fx.comp.Events())
	d, ok := fx.sys.Displays.Get(1)
	require.True(t, ok)
	assert.False(t, d.Connected())
}

func TestReconciler_ControlLinesAddUnknownDisplays(t *testing.T) {
	sys := system.New(display.NewSet(
		display.New(display.Primary, geom.Size{W: 1920, H: 1080}),
	), system.WithRunID("test-run"))
	comp := pipeline.NewOfflineCompositor(sys.Fences)
	pipe := pipeline.New(sys, comp, pipeline.WithFenceTimeout(50*time.Millisecond))
	rec := New(sys, pipe, WithSleeper(&testutil.RecordingSleeper{}))
	t.Cleanup(func() {
		rec.Close()
		pipe.Close()
	})

	stats, err := rec.Replay(context.Background(), strings.NewReader(strings.Join([]string{
		"D1 hotplug connected",
		"D2 blank",
		header(1.0, 0, true),
		live{index: 0, handle: 0x1000, w: 100, h: 100, frame: square}.String(),
	}, "\n")))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Frames)

	events := comp.Events()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, []string{"hotplug D1 connected", "blank D2"}, events[:2])

	d1, ok := sys.Displays.Get(1)
	require.True(t, ok)
	assert.True(t, d1.Connected())
	assert.Equal(t, geom.Size{W: 1920, H: 1080}, d1.Size())
	d2, ok := sys.Displays.Get(2)
	require.True(t, ok)
	assert.True(t, d2.Blanked())
}

func TestReconciler_DegradedSegment(t *testing.T) {
	fx := newFixture(t, ModeFrame)
	stats := fx.replay(t,
		header(1.0, 0, true),
		live{index: 0, handle: 0x1000, w: 100, h: 100, frame: square}.String(),
		"",
		header(2.0, 0, true),
		live{index: 0, handle: 0x2000, w: 64, h: 64, frame: geom.Rect{R: 64, B: 64}}.String(),
	)
	require.Len(t, stats.Segments, 2)
	assert.False(t, stats.Segments[0].Degraded(), "nothing to reconcile against yet")
	assert.True(t, stats.Segments[1].Degraded())
	assert.Len(t, stats.Degraded(), 1)
	assert.Equal(t, 2.0, stats.MatchRatio())
}

func TestReconciler_AlphaOverride(t *testing.T) {
	fx := newFixture(t, ModeFrame, WithAlphaOverrides(map[int]uint8{1: 0x40}))
	fx.replay(t,
		header(1.0, 0, true),
		live{index: 0, handle: 0x1, w: 100, h: 100, frame: square}.String(),
		live{index: 1, handle: 0x2, w: 100, h: 100, frame: square, alpha: 0xcc}.String(),
	)
	assert.Equal(t, uint8(0xff), fx.rec.current[key{index: 0}].Alpha())
	assert.Equal(t, uint8(0x40), fx.rec.current[key{index: 1}].Alpha())
}

func TestReconciler_SkipsFramebufferTargetLines(t *testing.T) {
	fx := newFixture(t, ModeFrame)
	stats := fx.replay(t,
		header(1.0, 0, true),
		live{index: 0, handle: 0x1, w: 100, h: 100, frame: square}.String(),
		live{index: 1, comp: "FB", handle: 0x2, w: 1920, h: 1080, frame: geom.Rect{R: 1920, B: 1080}}.String(),
	)
	assert.Equal(t, 1, stats.Allocations)
	assert.Equal(t, 1, fx.rec.Frame().Len(display.Primary))
}

func TestReconciler_SnapshotTrace(t *testing.T) {
	fx := newFixture(t, ModeFrame)
	dump := []string{
		"Display 0: 1920x1080 dpi 320,320 vsync 16666667",
		" HWC | 0x100 | 0000 | 0000 | 00 | 0100 | RGBA_8888 | 0.0, 0.0, 1920.0, 1080.0 | 0, 0, 1920, 1080 | wallpaper | 60.0 [profile:static]",
		" HWC | 0x200 | 0000 | 0000 | 00 | 0105 | RGBA_8888 | 0.0, 0.0, 200.0, 40.0 | 1700, 0, 1900, 40 | statusbar | 1.0 [profile:clock]",
		"",
	}
	stats := fx.replay(t, append(dump, dump...)...)

	assert.Equal(t, 2, stats.Frames)
	assert.Equal(t, 2, stats.Allocations)
	assert.Equal(t, 2, stats.Matches, "the second dump reconciles against the first")

	bar := fx.rec.current[key{index: 1}]
	require.NotNil(t, bar)
	assert.IsType(t, &layer.HorizontalLine{}, bar.Pattern())
	assert.Equal(t, geom.Size{W: 200, H: 40}, bar.Size())

	d, _ := fx.sys.Displays.Get(display.Primary)
	assert.Equal(t, 16666667*time.Nanosecond, d.Mode().RefreshPeriod)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("3")
	require.NoError(t, err)
	assert.Equal(t, ModeSizes, m)

	m, err = ParseMode("frame-or-crop")
	require.NoError(t, err)
	assert.Equal(t, ModeFrameOrCrop, m)

	_, err = ParseMode("5")
	assert.Error(t, err)
	_, err = ParseMode("fuzzy")
	assert.Error(t, err)
}

func TestMode_MatchShape(t *testing.T) {
	base := Shape{
		Size:  geom.Size{W: 100, H: 100},
		Crop:  geom.FRect{R: 100, B: 100},
		Frame: geom.Rect{L: 10, T: 10, R: 110, B: 110},
	}
	moved := base
	moved.Frame = geom.Rect{L: 50, T: 50, R: 150, B: 150}
	taller := base
	taller.Frame = geom.Rect{L: 10, T: 10, R: 110, B: 210}
	cropped := base
	cropped.Crop = geom.FRect{R: 100, B: 50}
	croppedMoved := cropped
	croppedMoved.Frame = moved.Frame
	otherBuffer := base
	otherBuffer.Size = geom.Size{W: 100, H: 99}

	tests := []struct {
		name  string
		other Shape
		want  map[Mode]bool
	}{
		{"identical", base, map[Mode]bool{ModeFrame: true, ModeWidths: true, ModeSizes: true, ModeFrameOrCrop: true}},
		{"moved", moved, map[Mode]bool{ModeFrame: false, ModeWidths: true, ModeSizes: true, ModeFrameOrCrop: true}},
		{"taller frame", taller, map[Mode]bool{ModeFrame: false, ModeWidths: true, ModeSizes: false, ModeFrameOrCrop: true}},
		{"cropped", cropped, map[Mode]bool{ModeFrame: true, ModeWidths: true, ModeSizes: false, ModeFrameOrCrop: true}},
		{"cropped and moved", croppedMoved, map[Mode]bool{ModeFrame: false, ModeWidths: true, ModeSizes: false, ModeFrameOrCrop: false}},
		{"different buffer", otherBuffer, map[Mode]bool{ModeFrame: false, ModeWidths: false, ModeSizes: false, ModeFrameOrCrop: false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for mode, want := range tt.want {
				assert.Equal(t, want, mode.MatchShape(base, tt.other), mode.String())
			}
			assert.False(t, ModeHandle.MatchShape(base, tt.other))
		})
	}
}
