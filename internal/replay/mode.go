package replay

import (
	"fmt"
	"strconv"

	"github.com/roach88/compval/internal/geom"
	"github.com/roach88/compval/internal/layer"
)

// Mode selects how a layer line is matched against the previous geometry
// epoch's layers. The heuristics can match the wrong layer when several
// share the compared dimensions; that is kept as is so historical traces
// replay the same way.
type Mode int

const (
	// ModeHandle matches a layer that already knows the buffer handle.
	ModeHandle Mode = iota
	// ModeFrame matches equal buffer size and equal display frame.
	ModeFrame
	// ModeWidths matches equal buffer size, crop width and frame width.
	ModeWidths
	// ModeSizes matches equal buffer size, crop size and frame size.
	ModeSizes
	// ModeFrameOrCrop matches equal buffer size and either an equal display
	// frame or an equal crop.
	ModeFrameOrCrop

	numModes
)

// DefaultMode is the mode used when none is configured.
const DefaultMode = ModeFrame

var modeNames = [...]string{"handle", "frame", "widths", "sizes", "frame-or-crop"}

func (m Mode) String() string {
	if m.Valid() {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Valid reports whether m is one of the five modes.
func (m Mode) Valid() bool { return m >= 0 && m < numModes }

// ParseMode accepts a mode number (0-4) or name.
func ParseMode(s string) (Mode, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if m := Mode(n); m.Valid() {
			return m, nil
		}
		return 0, fmt.Errorf("match mode %d out of range 0-%d", n, int(numModes)-1)
	}
	for i, name := range modeNames {
		if name == s {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown match mode %q", s)
}

// Shape is the part of a layer the geometric modes compare.
type Shape struct {
	Size  geom.Size
	Crop  geom.FRect
	Frame geom.Rect
}

func shapeOf(l *layer.Layer) Shape {
	g := l.Geometry()
	return Shape{Size: l.Size(), Crop: g.Crop, Frame: g.Frame.Rect}
}

// MatchShape applies a geometric mode to two shapes. ModeHandle never
// matches on shape alone.
func (m Mode) MatchShape(a, b Shape) bool {
	if a.Size != b.Size {
		return false
	}
	switch m {
	case ModeFrame:
		return a.Frame == b.Frame
	case ModeWidths:
		return a.Crop.Width() == b.Crop.Width() && a.Frame.Width() == b.Frame.Width()
	case ModeSizes:
		return a.Crop.Width() == b.Crop.Width() && a.Crop.Height() == b.Crop.Height() &&
			a.Frame.Size() == b.Frame.Size()
	case ModeFrameOrCrop:
		return a.Frame == b.Frame || a.Crop == b.Crop
	}
	return false
}

// match reports whether cached layer l is the surface described by ln.
func (m Mode) match(l *layer.Layer, ln *layerLine) bool {
	if m == ModeHandle {
		return l.Knows(ln.handle)
	}
	return m.MatchShape(shapeOf(l), ln.shape())
}
