// Package trace parses captured compositor traces into typed records.
//
// Two recorder formats exist. Live traces log every commit: a frame
// header per display followed by one indented line per layer. Snapshot
// traces are periodic state dumps: a display line followed by
// pipe-separated layer rows. Both formats may carry hotplug and blank
// control lines.
//
// Any line that matches no grammar is a Sentinel: it ends the trace
// segment in progress. A line that starts like a known record but whose
// fields do not parse is malformed; Parse returns an error wrapping
// ErrMalformed and the caller skips it.
package trace

import (
	"errors"
	"time"

	"github.com/roach88/compval/internal/buffer"
	"github.com/roach88/compval/internal/format"
	"github.com/roach88/compval/internal/geom"
	"github.com/roach88/compval/internal/layer"
)

// ErrMalformed marks a line that looked like a record but did not parse.
var ErrMalformed = errors.New("malformed trace line")

// FlagGeometryChanged is bit 0 of a frame header's flags.
const FlagGeometryChanged = 1 << 0

// FlagSkip is the layer flag bit marking a skip layer.
const FlagSkip = 1 << 0

// Record is one parsed trace line.
type Record interface {
	record()
}

// Header starts a live frame for one display.
type Header struct {
	Time    time.Duration
	Display int
	// FrameID is -1 when the recorder did not log one.
	FrameID int64
	Retire  int
	Acquire int
	OutBuf  buffer.Handle
	Flags   uint32
}

// GeometryChanged reports the geometry-changed flag.
func (h *Header) GeometryChanged() bool { return h.Flags&FlagGeometryChanged != 0 }

// Layer is one layer of a live frame. It belongs to the display of the
// most recent Header.
type Layer struct {
	Index       int
	Composition layer.Composition
	Handle      buffer.Handle
	FBSlot      int
	Transform   geom.Transform
	RefreshHint int
	Blend       layer.Blend
	Alpha       uint8
	Format      format.Format
	Width       int
	Height      int
	Crop        geom.FRect
	Frame       geom.Rect
	Acquire     int
	Release     int
	Visible     []geom.Rect
	Usage       uint64
	Hints       uint32
	Flags       uint32
}

// Skip reports the skip flag.
func (l *Layer) Skip() bool { return l.Flags&FlagSkip != 0 }

// Display starts a snapshot dump for one display.
type Display struct {
	Display int
	Width   int
	Height  int
	DPIX    int
	DPIY    int
	Refresh time.Duration
}

// SnapshotLayer is one layer row of a snapshot dump. Snapshot rows carry
// no index or buffer size; the reader numbers rows per display and the
// buffer is sized from the crop.
type SnapshotLayer struct {
	Composition layer.Composition
	Handle      buffer.Handle
	Hints       uint32
	Flags       uint32
	Transform   geom.Transform
	Blend       layer.Blend
	Format      format.Format
	Crop        geom.FRect
	Frame       geom.Rect
	Owner       string
	RefreshRate float64
	// Profile names a canned fill pattern; empty when absent.
	Profile string
}

// Skip reports the skip flag.
func (l *SnapshotLayer) Skip() bool { return l.Flags&FlagSkip != 0 }

// Hotplug is a connect or disconnect event.
type Hotplug struct {
	Display   int
	Connected bool
}

// Blank is a blank or unblank event.
type Blank struct {
	Display int
	Blank   bool
}

// Sentinel is any line outside the grammar. It ends a segment.
type Sentinel struct {
	Text string
}

func (*Header) record()        {}
func (*Layer) record()         {}
func (*Display) record()       {}
func (*SnapshotLayer) record() {}
func (*Hotplug) record()       {}
func (*Blank) record()         {}
func (*Sentinel) record()      {}
