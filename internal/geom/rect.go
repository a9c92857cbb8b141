// Package geom holds the rectangle and transform arithmetic shared by the
// layer model, the cloning engine and the replay reconciler.
//
// Two coordinate spaces appear everywhere:
//
//   - logical space: the display as the client sees it, with width and
//     height swapped when the display is rotated by 90 or 270 degrees
//   - physical space: the panel's native scan-out orientation
//
// Integer rectangles (Rect) describe display frames; float rectangles
// (FRect) describe source crops, which traces record with sub-pixel
// precision.
package geom

import "fmt"

// Size is a width/height pair.
type Size struct {
	W int `json:"w" yaml:"w"`
	H int `json:"h" yaml:"h"`
}

// IsZero reports whether both dimensions are zero.
func (s Size) IsZero() bool { return s.W == 0 && s.H == 0 }

// Swap returns the size with width and height exchanged.
func (s Size) Swap() Size { return Size{W: s.H, H: s.W} }

// Rect is an integer rectangle with exclusive right/bottom edges.
type Rect struct {
	L int `json:"l"`
	T int `json:"t"`
	R int `json:"r"`
	B int `json:"b"`
}

// RectWH builds a rectangle from an origin and a size.
func RectWH(x, y, w, h int) Rect {
	return Rect{L: x, T: y, R: x + w, B: y + h}
}

// Width returns R-L.
func (r Rect) Width() int { return r.R - r.L }

// Height returns B-T.
func (r Rect) Height() int { return r.B - r.T }

// Size returns the rectangle dimensions.
func (r Rect) Size() Size { return Size{W: r.Width(), H: r.Height()} }

// Empty reports whether the rectangle covers no pixels.
func (r Rect) Empty() bool { return r.R <= r.L || r.B <= r.T }

// Intersect returns the overlap of r and o. The result may be empty.
func (r Rect) Intersect(o Rect) Rect {
	out := Rect{L: max(r.L, o.L), T: max(r.T, o.T), R: min(r.R, o.R), B: min(r.B, o.B)}
	if out.Empty() {
		return Rect{}
	}
	return out
}

// Contains reports whether o lies entirely inside r.
func (r Rect) Contains(o Rect) bool {
	return o.L >= r.L && o.T >= r.T && o.R <= r.R && o.B <= r.B
}

// ToFRect converts to a float rectangle.
func (r Rect) ToFRect() FRect {
	return FRect{L: float64(r.L), T: float64(r.T), R: float64(r.R), B: float64(r.B)}
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", r.L, r.T, r.R, r.B)
}

// FRect is a float rectangle used for source crops.
type FRect struct {
	L float64 `json:"l"`
	T float64 `json:"t"`
	R float64 `json:"r"`
	B float64 `json:"b"`
}

// Width returns R-L.
func (r FRect) Width() float64 { return r.R - r.L }

// Height returns B-T.
func (r FRect) Height() float64 { return r.B - r.T }

// Empty reports whether the rectangle has no area.
func (r FRect) Empty() bool { return r.R <= r.L || r.B <= r.T }

// Round converts to an integer rectangle, truncating towards the inside
// so the result never reads outside the float crop.
func (r FRect) Round() Rect {
	return Rect{L: ceil(r.L), T: ceil(r.T), R: floor(r.R), B: floor(r.B)}
}

func (r FRect) String() string {
	return fmt.Sprintf("(%.1f,%.1f,%.1f,%.1f)", r.L, r.T, r.R, r.B)
}

func floor(v float64) int {
	i := int(v)
	if float64(i) > v {
		i--
	}
	return i
}

func ceil(v float64) int {
	i := int(v)
	if float64(i) < v {
		i++
	}
	return i
}

// Max is the sentinel for a logical right or bottom edge that extends to
// the edge of the display, whatever its current logical size.
const Max = -1

// LogicalRect is a display frame expressed in a display's logical space.
//
// When Basis is non-zero the coordinates are relative to a screen of that
// size and are scaled into the display's actual logical size; otherwise
// they are absolute. R or B equal to Max resolve to the logical edge.
type LogicalRect struct {
	Rect
	Basis Size
}

// Resolve maps the logical rectangle into a concrete logical rectangle for
// a display whose logical size is logical.
func (lr LogicalRect) Resolve(logical Size) Rect {
	r := lr.Rect
	if !lr.Basis.IsZero() && lr.Basis.W > 0 && lr.Basis.H > 0 {
		if r.R != Max {
			r.R = r.R * logical.W / lr.Basis.W
		}
		if r.B != Max {
			r.B = r.B * logical.H / lr.Basis.H
		}
		r.L = r.L * logical.W / lr.Basis.W
		r.T = r.T * logical.H / lr.Basis.H
	}
	if r.R == Max {
		r.R = logical.W
	}
	if r.B == Max {
		r.B = logical.H
	}
	return r
}

// FullScreen is a logical rectangle covering the whole display.
var FullScreen = LogicalRect{Rect: Rect{L: 0, T: 0, R: Max, B: Max}}
