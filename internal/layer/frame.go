package layer

import (
	"fmt"
	"sort"

	"github.com/roach88/compval/internal/display"
)

// Entry is one layer reference in a display's list.
type Entry struct {
	Layer     *Layer
	Ownership Ownership
}

// Frame is the per-display ordered layer lists submitted together.
//
// Layers attached Borrowed are owned elsewhere (a scenario, a replay cache,
// a source layer for clones). Layers attached Owned are closed when they
// are detached by Reset or Release.
type Frame struct {
	lists           map[display.ID][]Entry
	geometryChanged map[display.ID]bool
}

// NewFrame creates an empty frame.
func NewFrame() *Frame {
	return &Frame{
		lists:           make(map[display.ID][]Entry),
		geometryChanged: make(map[display.ID]bool),
	}
}

// Attach appends l to display d's list.
func (f *Frame) Attach(d display.ID, l *Layer, own Ownership) error {
	return f.insert(d, len(f.lists[d]), l, own)
}

// InsertAfter places l directly after after in display d's list, or at the
// front when after is nil or not in the list.
func (f *Frame) InsertAfter(d display.ID, after *Layer, l *Layer, own Ownership) error {
	pos := 0
	if after != nil {
		for i, e := range f.lists[d] {
			if e.Layer == after {
				pos = i + 1
				break
			}
		}
	}
	return f.insert(d, pos, l, own)
}

func (f *Frame) insert(d display.ID, pos int, l *Layer, own Ownership) error {
	if l.frame != nil {
		return fmt.Errorf("layer %s already attached to display %s", l.name, l.display)
	}
	list := f.lists[d]
	list = append(list, Entry{})
	copy(list[pos+1:], list[pos:])
	list[pos] = Entry{Layer: l, Ownership: own}
	f.lists[d] = list
	l.frame = f
	l.display = d
	return nil
}

// Detach removes l without closing it.
func (f *Frame) Detach(l *Layer) {
	if l.frame != f {
		return
	}
	list := f.lists[l.display]
	for i, e := range list {
		if e.Layer == l {
			f.lists[l.display] = append(list[:i], list[i+1:]...)
			break
		}
	}
	l.frame = nil
}

// Remove detaches l and closes it if the frame owned it.
func (f *Frame) Remove(l *Layer) {
	own, ok := f.Ownership(l)
	if !ok {
		return
	}
	f.Detach(l)
	if own == Owned {
		l.Close()
	}
}

// Ownership reports how the frame holds l.
func (f *Frame) Ownership(l *Layer) (Ownership, bool) {
	if l.frame != f {
		return Borrowed, false
	}
	for _, e := range f.lists[l.display] {
		if e.Layer == l {
			return e.Ownership, true
		}
	}
	return Borrowed, false
}

// Layers returns display d's layers in Z-order, bottom first.
func (f *Frame) Layers(d display.ID) []*Layer {
	list := f.lists[d]
	out := make([]*Layer, len(list))
	for i, e := range list {
		out[i] = e.Layer
	}
	return out
}

// Entries returns display d's entries in Z-order.
func (f *Frame) Entries(d display.ID) []Entry {
	return append([]Entry(nil), f.lists[d]...)
}

// All returns every layer in the frame, displays in ID order.
func (f *Frame) All() []*Layer {
	var out []*Layer
	for _, d := range f.Displays() {
		out = append(out, f.Layers(d)...)
	}
	return out
}

// Displays returns the displays with a list, in ID order.
func (f *Frame) Displays() []display.ID {
	ids := make([]display.ID, 0, len(f.lists))
	for id, list := range f.lists {
		if len(list) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of layers on display d.
func (f *Frame) Len(d display.ID) int { return len(f.lists[d]) }

// Contributors counts display d's layers composed into the framebuffer
// target.
func (f *Frame) Contributors(d display.ID) int {
	n := 0
	for _, e := range f.lists[d] {
		if e.Layer.Contributing() {
			n++
		}
	}
	return n
}

// MarkGeometryChanged flags display d for a full geometry pass.
func (f *Frame) MarkGeometryChanged(d display.ID) { f.geometryChanged[d] = true }

// GeometryChanged reports the flag for display d.
func (f *Frame) GeometryChanged(d display.ID) bool { return f.geometryChanged[d] }

// ClearGeometryChanged resets every display's flag after submission.
func (f *Frame) ClearGeometryChanged() { clear(f.geometryChanged) }

// Reset detaches every layer, closing the owned ones, and clears the
// geometry flags.
func (f *Frame) Reset() {
	for _, d := range f.Displays() {
		for _, e := range f.Entries(d) {
			f.Detach(e.Layer)
			if e.Ownership == Owned {
				e.Layer.Close()
			}
		}
	}
	clear(f.lists)
	f.ClearGeometryChanged()
}

// Release is Reset for a frame that will not be reused.
func (f *Frame) Release() { f.Reset() }
