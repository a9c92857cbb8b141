package layer

import (
	"github.com/roach88/compval/internal/display"
	"github.com/roach88/compval/internal/geom"
	"github.com/roach88/compval/internal/system"
)

// CloneStats counts what one propagation pass did.
type CloneStats struct {
	Created int
	Updated int
	Deleted int
}

// Cloner mirrors clone-enabled layers from a source display onto every
// other display.
type Cloner struct {
	sys *system.Context
}

// NewCloner creates a cloner for the run.
func NewCloner(sys *system.Context) *Cloner {
	return &Cloner{sys: sys}
}

// Propagate runs the clone state machine for every clone-enabled layer on
// source against every target, in target ID order:
//
//   - no clone, target connected: create the clone, place it, and insert
//     it after the previous clone on the target so Z-order follows the
//     source
//   - clone exists, nothing changed: leave it, but it becomes the
//     insertion point for the next clone
//   - clone exists, source geometry or either display changed: re-place
//     the same clone instance
//   - clone exists, target disconnected: delete it, which marks the
//     source updated
//
// Source physical geometry must already be computed for this frame.
// changed holds the displays whose size, rotation or connectivity changed.
func (c *Cloner) Propagate(f *Frame, source display.Snapshot, targets []display.Snapshot, changed map[display.ID]bool) CloneStats {
	var stats CloneStats
	sources := f.Layers(source.ID)

	for _, t := range targets {
		if t.ID == source.ID {
			continue
		}
		var prev *Layer
		for _, l := range sources {
			if !l.cloneable || l.cloneOf != nil {
				continue
			}
			clone := l.clones[t.ID]

			if !t.Connected {
				if clone != nil {
					l.DeleteClone(t.ID)
					stats.Deleted++
					c.sys.Logger.Debug("clone deleted", "layer", l.name, "display", int(t.ID))
				}
				continue
			}

			switch {
			case clone == nil:
				clone = l.CloneTo(t.ID)
				c.place(l, clone, source, t)
				if err := f.InsertAfter(t.ID, prev, clone, Borrowed); err != nil {
					c.sys.Logger.Warn("clone insert failed", "layer", l.name, "error", err)
				}
				stats.Created++
				c.sys.Logger.Debug("clone created", "layer", l.name, "display", int(t.ID),
					"frame", clone.phys.Frame.String())
			case clone.frame != f:
				c.place(l, clone, source, t)
				if err := f.InsertAfter(t.ID, prev, clone, Borrowed); err != nil {
					c.sys.Logger.Warn("clone insert failed", "layer", l.name, "error", err)
				}
				stats.Updated++
			case l.updated || changed[t.ID] || changed[source.ID]:
				c.place(l, clone, source, t)
				stats.Updated++
			}
			prev = clone
		}
	}
	return stats
}

// place maps the source's physical frame back into the source's logical
// space, scales it into the target's logical space and computes the
// clone's physical geometry there.
func (c *Cloner) place(src, clone *Layer, source, target display.Snapshot) {
	logical := source.Rotation.ToLogical(src.phys.Frame, source.Size)
	scaled := geom.ScaleRect(logical, source.LogicalSize(), target.LogicalSize())

	clone.width, clone.height, clone.format = src.width, src.height, src.format
	clone.blend, clone.alpha = src.blend, src.alpha
	clone.composition, clone.skip = src.composition, src.skip
	clone.pool = src.pool
	clone.geo = Geometry{
		Crop:      src.geo.Crop,
		Frame:     geom.LogicalRect{Rect: scaled},
		Transform: src.geo.Transform,
	}
	clone.CalculatePhysical(target, c.sys.Formats)
}
