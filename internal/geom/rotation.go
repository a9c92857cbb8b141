package geom

import "fmt"

// Rotation is a display rotation in 90 degree clockwise steps.
type Rotation uint8

const (
	Rotate0 Rotation = iota
	Rotate90
	Rotate180
	Rotate270
)

// NumRotations is the number of rotation states.
const NumRotations = 4

func (r Rotation) String() string {
	switch r {
	case Rotate0:
		return "0"
	case Rotate90:
		return "90"
	case Rotate180:
		return "180"
	case Rotate270:
		return "270"
	}
	return fmt.Sprintf("rotation(%d)", uint8(r))
}

// Valid reports whether r is one of the four rotation states.
func (r Rotation) Valid() bool { return r < NumRotations }

// Next returns the rotation one 90 degree step further clockwise.
func (r Rotation) Next() Rotation { return (r + 1) % NumRotations }

// Transform returns the transform that performs the rotation.
func (r Rotation) Transform() Transform {
	return compositionTable[r&3][TransformIdentity]
}

// Swaps reports whether the logical space has width and height exchanged.
func (r Rotation) Swaps() bool { return r == Rotate90 || r == Rotate270 }

// compositionTable[rotation][logical] is the physical transform obtained by
// applying the display rotation after the layer's logical transform. The
// compositor consumes the exact value, so the table is fixed rather than
// derived at run time.
var compositionTable = [NumRotations][NumTransforms]Transform{
	{0, 1, 2, 3, 4, 5, 6, 7},
	{4, 5, 6, 7, 3, 2, 1, 0},
	{3, 2, 1, 0, 7, 6, 5, 4},
	{7, 6, 5, 4, 0, 1, 2, 3},
}

// PhysicalTransform looks up the physical transform for a layer with the
// given logical transform on a display with rotation r.
func PhysicalTransform(r Rotation, logical Transform) Transform {
	return compositionTable[r&3][logical&7]
}

// LogicalSize returns the logical size of a panel with the given physical
// size when rotated by r.
func (r Rotation) LogicalSize(physical Size) Size {
	if r.Swaps() {
		return physical.Swap()
	}
	return physical
}

// ToPhysical maps a rectangle in logical space into physical space for a
// panel of physical size p.
func (r Rotation) ToPhysical(lr Rect, p Size) Rect {
	switch r {
	case Rotate90:
		return Rect{L: p.W - lr.B, T: lr.L, R: p.W - lr.T, B: lr.R}
	case Rotate180:
		return Rect{L: p.W - lr.R, T: p.H - lr.B, R: p.W - lr.L, B: p.H - lr.T}
	case Rotate270:
		return Rect{L: lr.T, T: p.H - lr.R, R: lr.B, B: p.H - lr.L}
	}
	return lr
}

// ToLogical maps a rectangle in physical space back into the logical space
// of a panel of physical size p rotated by r. Each rotation has its own
// corner remap; none of them is a plain transpose.
func (r Rotation) ToLogical(pr Rect, p Size) Rect {
	switch r {
	case Rotate90:
		return Rect{L: pr.T, T: p.W - pr.R, R: pr.B, B: p.W - pr.L}
	case Rotate180:
		return Rect{L: p.W - pr.R, T: p.H - pr.B, R: p.W - pr.L, B: p.H - pr.T}
	case Rotate270:
		return Rect{L: p.H - pr.B, T: pr.L, R: p.H - pr.T, B: pr.R}
	}
	return pr
}

// ScaleRect maps r from a space of size from into a space of size to.
func ScaleRect(r Rect, from, to Size) Rect {
	if from.W == 0 || from.H == 0 || from == to {
		return r
	}
	return Rect{
		L: r.L * to.W / from.W,
		T: r.T * to.H / from.H,
		R: r.R * to.W / from.W,
		B: r.B * to.H / from.H,
	}
}
