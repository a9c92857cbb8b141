package geom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositionTable_MatchesMatrixComposition(t *testing.T) {
	for r := Rotation(0); r < NumRotations; r++ {
		rm := r.Transform().Matrix()
		for lt := Transform(0); lt < NumTransforms; lt++ {
			want, ok := TransformFromMatrix(rm.Mul(lt.Matrix()))
			require.True(t, ok)
			assert.Equal(t, want, PhysicalTransform(r, lt), "rotation %s, transform %s", r, lt)
		}
	}
}

func TestCompositionTable_Total(t *testing.T) {
	for r := Rotation(0); r < NumRotations; r++ {
		seen := make(map[Transform]bool)
		for lt := Transform(0); lt < NumTransforms; lt++ {
			pt := PhysicalTransform(r, lt)
			assert.True(t, pt.Valid())
			seen[pt] = true
		}
		assert.Len(t, seen, NumTransforms, "row %s should be a permutation", r)
	}
}

func TestCompositionTable_FourRotationsIsIdentity(t *testing.T) {
	for lt := Transform(0); lt < NumTransforms; lt++ {
		cur := lt
		for i := 0; i < 4; i++ {
			cur = PhysicalTransform(Rotate90, cur)
		}
		assert.Equal(t, lt, cur, "transform %s", lt)
	}
}

func TestCompositionTable_RowsAreRepeatedQuarterTurns(t *testing.T) {
	for lt := Transform(0); lt < NumTransforms; lt++ {
		cur := lt
		for r := Rotation(0); r < NumRotations; r++ {
			assert.Equal(t, cur, PhysicalTransform(r, lt))
			cur = PhysicalTransform(Rotate90, cur)
		}
	}
}

func TestCompositionTable_ExactValues(t *testing.T) {
	assert.Equal(t, Transform90, PhysicalTransform(Rotate90, TransformIdentity))
	assert.Equal(t, Transform135, PhysicalTransform(Rotate90, TransformReflectX))
	assert.Equal(t, TransformReflectY, PhysicalTransform(Rotate90, Transform135))
	assert.Equal(t, TransformIdentity, PhysicalTransform(Rotate270, Transform90))
	assert.Equal(t, Transform45, PhysicalTransform(Rotate180, Transform135))
}

func TestRotation_ToPhysical(t *testing.T) {
	p := Size{W: 1920, H: 1080}
	lr := Rect{L: 10, T: 20, R: 110, B: 70}

	tests := []struct {
		rot  Rotation
		want Rect
	}{
		{Rotate0, Rect{L: 10, T: 20, R: 110, B: 70}},
		{Rotate90, Rect{L: 1850, T: 10, R: 1900, B: 110}},
		{Rotate180, Rect{L: 1810, T: 1010, R: 1910, B: 1060}},
		{Rotate270, Rect{L: 20, T: 970, R: 70, B: 1070}},
	}
	for _, tt := range tests {
		t.Run(tt.rot.String(), func(t *testing.T) {
			got := tt.rot.ToPhysical(lr, p)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, lr.Width()*lr.Height(), got.Width()*got.Height())
		})
	}
}

func TestRotation_ToLogicalInvertsToPhysical(t *testing.T) {
	p := Size{W: 1920, H: 1080}
	rects := []Rect{
		{L: 0, T: 0, R: 100, B: 100},
		{L: 10, T: 20, R: 110, B: 70},
		{L: 300, T: 5, R: 1000, B: 900},
	}
	for r := Rotation(0); r < NumRotations; r++ {
		for _, lr := range rects {
			assert.Equal(t, lr, r.ToLogical(r.ToPhysical(lr, p), p), "rotation %s rect %s", r, lr)
		}
	}
}

func TestRotation_ToLogicalFullScreen(t *testing.T) {
	p := Size{W: 1920, H: 1080}
	full := Rect{R: 1920, B: 1080}

	assert.Equal(t, Rect{R: 1920, B: 1080}, Rotate0.ToLogical(full, p))
	assert.Equal(t, Rect{R: 1080, B: 1920}, Rotate90.ToLogical(full, p))
	assert.Equal(t, Rect{R: 1920, B: 1080}, Rotate180.ToLogical(full, p))
	assert.Equal(t, Rect{R: 1080, B: 1920}, Rotate270.ToLogical(full, p))
}

func TestLogicalRect_Resolve(t *testing.T) {
	logical := Size{W: 1080, H: 1920}

	assert.Equal(t, Rect{R: 1080, B: 1920}, FullScreen.Resolve(logical))

	scaled := LogicalRect{Rect: Rect{L: 0, T: 0, R: 540, B: 960}, Basis: Size{W: 1080, H: 1920}}
	assert.Equal(t, Rect{R: 540, B: 960}, scaled.Resolve(logical))
	assert.Equal(t, Rect{R: 270, B: 480}, scaled.Resolve(Size{W: 540, H: 960}))

	abs := LogicalRect{Rect: Rect{L: 5, T: 6, R: Max, B: 100}}
	assert.Equal(t, Rect{L: 5, T: 6, R: 1080, B: 100}, abs.Resolve(logical))
}

func TestParseTransform(t *testing.T) {
	tr, err := ParseTransform("90")
	require.NoError(t, err)
	assert.Equal(t, Transform90, tr)

	tr, err = ParseTransform("reflect-y")
	require.NoError(t, err)
	assert.Equal(t, TransformReflectY, tr)

	tr, err = ParseTransform("7")
	require.NoError(t, err)
	assert.Equal(t, Transform270, tr)

	_, err = ParseTransform("sideways")
	require.Error(t, err)
}

func TestFRect_Round(t *testing.T) {
	r := FRect{L: 0.5, T: 1.0, R: 99.5, B: 100.2}
	assert.Equal(t, Rect{L: 1, T: 1, R: 99, B: 100}, r.Round())
}
