package layer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/compval/internal/display"
	"github.com/roach88/compval/internal/geom"
)

type cloneFixture struct {
	frame   *Frame
	cloner  *Cloner
	source  *Layer
	primary *display.Display
	targets []*display.Display
}

func newCloneFixture(t *testing.T, sizes ...geom.Size) *cloneFixture {
	t.Helper()
	primary := display.New(display.Primary, geom.Size{W: 1920, H: 1080})
	displays := []*display.Display{primary}
	var targets []*display.Display
	for i, s := range sizes {
		d := display.New(display.ID(i+1), s)
		displays = append(displays, d)
		targets = append(targets, d)
	}
	sys := newTestSystem(t, displays...)

	src := New(sys, Config{
		Name:     "video",
		Width:    640,
		Height:   360,
		Clone:    true,
		Geometry: Geometry{Frame: geom.LogicalRect{Rect: geom.Rect{R: 960, B: 540}}},
	})
	require.NoError(t, src.AllocateBuffers())
	t.Cleanup(src.Close)

	f := NewFrame()
	require.NoError(t, f.Attach(display.Primary, src, Borrowed))
	return &cloneFixture{frame: f, cloner: NewCloner(sys), source: src, primary: primary, targets: targets}
}

func (fx *cloneFixture) propagate(t *testing.T) CloneStats {
	t.Helper()
	src := fx.primary.Snapshot()
	fx.source.CalculatePhysical(src, fx.source.sys.Formats)
	var targets []display.Snapshot
	changed := map[display.ID]bool{}
	for _, d := range fx.targets {
		targets = append(targets, d.Snapshot())
		changed[d.ID()] = d.TakeChanged()
	}
	return fx.cloner.Propagate(fx.frame, src, targets, changed)
}

func TestCloner_TwoTargetsThenDisconnectOne(t *testing.T) {
	fx := newCloneFixture(t, geom.Size{W: 1280, H: 720}, geom.Size{W: 800, H: 600})

	stats := fx.propagate(t)
	assert.Equal(t, 2, stats.Created)
	require.Len(t, fx.source.Clones(), 2)

	c1 := fx.source.CloneFor(1)
	c2 := fx.source.CloneFor(2)
	require.NotNil(t, c1)
	require.NotNil(t, c2)
	assert.Same(t, fx.source, c1.CloneOf())
	assert.Equal(t, Borrowed, c1.PoolOwnership())
	assert.Same(t, fx.source.Pool(), c1.Pool())
	assert.Equal(t, geom.Rect{R: 640, B: 360}, c1.Physical().Frame)
	assert.Equal(t, geom.Rect{R: 400, B: 300}, c2.Physical().Frame)

	sourceBefore := fx.source.Physical()
	fx.source.EndFrame()

	fx.targets[1].SetConnected(false)
	stats = fx.propagate(t)
	assert.Equal(t, 1, stats.Deleted)

	assert.Len(t, fx.source.Clones(), 1)
	assert.Same(t, c1, fx.source.CloneFor(1))
	assert.Nil(t, fx.source.CloneFor(2))
	assert.True(t, c2.Closed())
	assert.Equal(t, 0, fx.frame.Len(2))
	assert.Equal(t, sourceBefore, fx.source.Physical())
	assert.True(t, fx.source.Updated(), "losing a clone updates the source")
}

func TestCloner_UnchangedSourceLeavesClone(t *testing.T) {
	fx := newCloneFixture(t, geom.Size{W: 1280, H: 720})
	fx.propagate(t)
	clone := fx.source.CloneFor(1)
	fx.source.EndFrame()
	clone.EndFrame()

	stats := fx.propagate(t)
	assert.Equal(t, CloneStats{}, stats)
	assert.Same(t, clone, fx.source.CloneFor(1))
	assert.False(t, clone.Updated())
}

func TestCloner_SourceGeometryChangeKeepsInstance(t *testing.T) {
	fx := newCloneFixture(t, geom.Size{W: 1280, H: 720})
	fx.propagate(t)
	clone := fx.source.CloneFor(1)
	fx.source.EndFrame()

	fx.source.SetGeometry(Geometry{Frame: geom.LogicalRect{Rect: geom.Rect{L: 960, R: 1920, B: 540}}})
	stats := fx.propagate(t)

	assert.Equal(t, 1, stats.Updated)
	assert.Same(t, clone, fx.source.CloneFor(1))
	assert.Equal(t, geom.Rect{L: 640, R: 1280, B: 360}, clone.Physical().Frame)
}

func TestCloner_ReconnectRecreates(t *testing.T) {
	fx := newCloneFixture(t, geom.Size{W: 1280, H: 720})
	fx.propagate(t)
	old := fx.source.CloneFor(1)

	fx.targets[0].SetConnected(false)
	fx.propagate(t)
	fx.targets[0].SetConnected(true)
	stats := fx.propagate(t)

	assert.Equal(t, 1, stats.Created)
	assert.NotSame(t, old, fx.source.CloneFor(1))
	assert.Equal(t, 1, fx.frame.Len(1))
}

func TestCloner_ZOrderFollowsSource(t *testing.T) {
	fx := newCloneFixture(t, geom.Size{W: 1920, H: 1080})
	sys := fx.source.sys

	local := New(sys, Config{Name: "local", Width: 10, Height: 10})
	require.NoError(t, fx.frame.Attach(1, local, Borrowed))

	top := New(sys, Config{Name: "top", Width: 10, Height: 10, Clone: true,
		Geometry: Geometry{Frame: geom.LogicalRect{Rect: geom.Rect{R: 10, B: 10}}}})
	require.NoError(t, fx.frame.Attach(display.Primary, top, Borrowed))
	t.Cleanup(top.Close)

	top.CalculatePhysical(fx.primary.Snapshot(), sys.Formats)
	fx.propagate(t)

	var names []string
	for _, l := range fx.frame.Layers(1) {
		names = append(names, l.Name())
	}
	assert.Equal(t, []string{"video@D1", "top@D1", "local"}, names)
}

// Each source rotation remaps corners with its own formula. A target whose
// panel matches the source's logical size must see the source's logical
// frame unchanged.
func TestCloner_SourceRotationRemap(t *testing.T) {
	logical := geom.Rect{L: 100, T: 200, R: 400, B: 300}
	for r := geom.Rotate0; r < geom.NumRotations; r++ {
		t.Run(r.String(), func(t *testing.T) {
			target := r.LogicalSize(geom.Size{W: 1920, H: 1080})
			fx := newCloneFixture(t, target)
			fx.primary.SetRotation(r)
			fx.source.SetGeometry(Geometry{Frame: geom.LogicalRect{Rect: logical}})

			fx.propagate(t)
			clone := fx.source.CloneFor(1)
			require.NotNil(t, clone)
			assert.Equal(t, logical, clone.Physical().Frame)
			assert.Equal(t, geom.TransformIdentity, clone.Physical().Transform)
		})
	}
}

func TestCloner_RotatedTarget(t *testing.T) {
	fx := newCloneFixture(t, geom.Size{W: 1920, H: 1080})
	fx.targets[0].SetRotation(geom.Rotate90)
	fx.propagate(t)

	clone := fx.source.CloneFor(1)
	require.NotNil(t, clone)
	// (0,0,960,540) in 1920x1080 scales to (0,0,540,960) in the target's
	// 1080x1920 logical space, then rotates onto the panel.
	assert.Equal(t, geom.Rect{L: 960, T: 0, R: 1920, B: 540}, clone.Physical().Frame)
	assert.Equal(t, geom.Transform90, clone.Physical().Transform)
}
