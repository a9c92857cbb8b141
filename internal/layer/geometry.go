package layer

import (
	"math"

	"github.com/roach88/compval/internal/display"
	"github.com/roach88/compval/internal/format"
	"github.com/roach88/compval/internal/geom"
)

// CalculatePhysical recomputes the layer's physical crop, display frame and
// transform for display d:
//
//   - the display frame is resolved in d's logical space, mapped through
//     d's rotation and clamped to the panel
//   - the crop (the whole buffer when unset) is clamped to the buffer, cut
//     back on each side where the frame was clipped, then aligned and
//     grown to the format's minimum
//   - the transform is the fixed composition of d's rotation and the
//     layer's logical transform
//
// It reports whether the result differs from the previous computation;
// any difference marks the layer updated so its framebuffer target is
// refilled.
func (l *Layer) CalculatePhysical(d display.Snapshot, rules *format.Rules) bool {
	rule, _ := rules.Lookup(l.format)
	buf := geom.FRect{R: float64(l.width), B: float64(l.height)}

	crop := l.geo.Crop
	if crop.Empty() {
		crop = buf
	} else {
		crop = intersectF(crop, buf)
	}

	logicalFrame := l.geo.Frame.Resolve(d.LogicalSize())
	full := d.Rotation.ToPhysical(logicalFrame, d.Size)
	transform := geom.PhysicalTransform(d.Rotation, l.geo.Transform)

	screen := geom.Rect{R: d.Size.W, B: d.Size.H}
	visible := full.Intersect(screen)
	if !visible.Empty() && visible != full {
		crop = clipCrop(crop, full, visible, transform)
	}
	crop = alignCrop(crop, rule, buf)
	visible = growFrame(visible, rule, screen)

	phys := Physical{
		Crop:      crop,
		Frame:     visible,
		Transform: transform,
		Visible:   !visible.Empty() && !crop.Empty(),
	}
	changed := !l.computed || phys != l.phys
	l.phys = phys
	l.computed = true
	l.dirty = false
	if changed {
		l.updated = true
	}
	return changed
}

func intersectF(a, b geom.FRect) geom.FRect {
	out := geom.FRect{
		L: math.Max(a.L, b.L),
		T: math.Max(a.T, b.T),
		R: math.Min(a.R, b.R),
		B: math.Min(a.B, b.B),
	}
	if out.Empty() {
		return geom.FRect{}
	}
	return out
}

// clipCrop removes from crop the share of the buffer that fell outside the
// panel. A display side with outward direction v shows the buffer side
// M^T*v, where M is the physical transform's matrix.
func clipCrop(crop geom.FRect, full, visible geom.Rect, t geom.Transform) geom.FRect {
	fw, fh := float64(full.Width()), float64(full.Height())
	inv := t.Matrix().Transpose()
	cuts := [4]struct {
		dx, dy int
		frac   float64
	}{
		{-1, 0, float64(visible.L-full.L) / fw},
		{1, 0, float64(full.R-visible.R) / fw},
		{0, -1, float64(visible.T-full.T) / fh},
		{0, 1, float64(full.B-visible.B) / fh},
	}

	cw, ch := crop.Width(), crop.Height()
	out := crop
	for _, c := range cuts {
		if c.frac <= 0 {
			continue
		}
		bx, by := inv.Apply(c.dx, c.dy)
		switch {
		case bx < 0:
			out.L += c.frac * cw
		case bx > 0:
			out.R -= c.frac * cw
		case by < 0:
			out.T += c.frac * ch
		case by > 0:
			out.B -= c.frac * ch
		}
	}
	return out
}

// alignCrop snaps crop edges down to the format alignment and grows the
// crop to the format minimum, staying inside the buffer.
func alignCrop(c geom.FRect, rule format.Rule, buf geom.FRect) geom.FRect {
	if c.Empty() {
		return c
	}
	if a := float64(rule.Align.X); a > 1 {
		c.L = math.Floor(c.L/a) * a
		c.R = math.Floor(c.R/a) * a
	}
	if a := float64(rule.Align.Y); a > 1 {
		c.T = math.Floor(c.T/a) * a
		c.B = math.Floor(c.B/a) * a
	}
	c.L, c.R = growSpan(c.L, c.R, float64(rule.MinCrop.W), buf.L, buf.R)
	c.T, c.B = growSpan(c.T, c.B, float64(rule.MinCrop.H), buf.T, buf.B)
	return c
}

// growFrame widens a visible display frame to the format's minimum size,
// staying on screen.
func growFrame(r geom.Rect, rule format.Rule, screen geom.Rect) geom.Rect {
	if r.Empty() {
		return r
	}
	l, rr := growSpan(float64(r.L), float64(r.R), float64(rule.MinFrame.W), float64(screen.L), float64(screen.R))
	t, b := growSpan(float64(r.T), float64(r.B), float64(rule.MinFrame.H), float64(screen.T), float64(screen.B))
	return geom.Rect{L: int(l), T: int(t), R: int(rr), B: int(b)}
}

func growSpan(lo, hi, minLen, bound0, bound1 float64) (float64, float64) {
	if minLen <= 0 || hi-lo >= minLen {
		return lo, hi
	}
	hi = math.Min(lo+minLen, bound1)
	if hi-lo < minLen {
		lo = math.Max(hi-minLen, bound0)
	}
	return lo, hi
}
