// Package display holds per-panel state: physical size, rotation,
// connectivity and blanking.
//
// Hotplug and blank events arrive from goroutines outside the frame loop,
// so every accessor takes the display's mutex. The frame loop reads a
// consistent Snapshot once per frame.
package display

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/compval/internal/geom"
)

// ID identifies a display. The primary display is always 0.
type ID int

// Primary is the display every clone is derived from.
const Primary ID = 0

func (id ID) String() string { return fmt.Sprintf("D%d", int(id)) }

// Mode is the timing and density information a snapshot trace records.
type Mode struct {
	DPIX          int
	DPIY          int
	RefreshPeriod time.Duration
}

// DefaultRefresh is the refresh period assumed when none is known.
const DefaultRefresh = 16666667 * time.Nanosecond

// Display is one panel.
type Display struct {
	mu        sync.Mutex
	id        ID
	size      geom.Size
	rotation  geom.Rotation
	connected bool
	blanked   bool
	mode      Mode
	changed   bool
}

// New creates a connected, unrotated display of the given physical size.
func New(id ID, size geom.Size) *Display {
	return &Display{
		id:        id,
		size:      size,
		connected: true,
		mode:      Mode{RefreshPeriod: DefaultRefresh},
		changed:   true,
	}
}

// Snapshot is a consistent copy of a display's state.
type Snapshot struct {
	ID        ID
	Size      geom.Size
	Rotation  geom.Rotation
	Connected bool
	Blanked   bool
}

// LogicalSize is the size the client sees.
func (s Snapshot) LogicalSize() geom.Size { return s.Rotation.LogicalSize(s.Size) }

// Active reports whether frames should be presented to the display.
func (s Snapshot) Active() bool { return s.Connected && !s.Blanked }

// ID returns the display identifier.
func (d *Display) ID() ID { return d.id }

// Snapshot returns the current state.
func (d *Display) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		ID:        d.id,
		Size:      d.size,
		Rotation:  d.rotation,
		Connected: d.connected,
		Blanked:   d.blanked,
	}
}

// Size returns the physical size.
func (d *Display) Size() geom.Size {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Rotation returns the current rotation.
func (d *Display) Rotation() geom.Rotation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rotation
}

// Connected reports the connectivity flag.
func (d *Display) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Blanked reports the blanking flag.
func (d *Display) Blanked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blanked
}

// Mode returns timing information.
func (d *Display) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// SetRotation rotates the display.
func (d *Display) SetRotation(r geom.Rotation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rotation != r {
		d.rotation = r
		d.changed = true
	}
}

// Resize changes the physical size, as after a mode switch.
func (d *Display) Resize(size geom.Size) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.size != size {
		d.size = size
		d.changed = true
	}
}

// SetMode records timing information.
func (d *Display) SetMode(m Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = m
}

// SetConnected applies a hotplug event.
func (d *Display) SetConnected(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected != connected {
		d.connected = connected
		d.changed = true
	}
}

// SetBlank applies a blank or unblank event.
func (d *Display) SetBlank(blank bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blanked = blank
}

// TakeChanged reports whether size, rotation or connectivity changed since
// the previous call, and clears the flag.
func (d *Display) TakeChanged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.changed
	d.changed = false
	return c
}

// Set is the ordered collection of displays in a run.
//
// Thread-safety: safe for concurrent use.
type Set struct {
	mu       sync.RWMutex
	displays map[ID]*Display
}

// NewSet creates a set from the given displays.
func NewSet(displays ...*Display) *Set {
	s := &Set{displays: make(map[ID]*Display, len(displays))}
	for _, d := range displays {
		s.displays[d.id] = d
	}
	return s
}

// Add inserts d, replacing any display with the same ID.
func (s *Set) Add(d *Display) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displays[d.id] = d
}

// Get returns the display with the given ID.
func (s *Set) Get(id ID) (*Display, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.displays[id]
	return d, ok
}

// All returns every display in dependency order: primary first, then by ID.
func (s *Set) All() []*Display {
	s.mu.RLock()
	out := make([]*Display, 0, len(s.displays))
	for _, d := range s.displays {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of displays.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.displays)
}
