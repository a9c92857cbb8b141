package pipeline

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/roach88/compval/internal/format"
	"github.com/roach88/compval/internal/geom"
	"github.com/roach88/compval/internal/layer"
)

// composeInto draws the contributing layers into dst in Z-order, each
// through its physical crop, transform and plane alpha. It is a CPU
// reference for what the compositor is expected to put in the
// framebuffer target, not a model of any particular GPU path.
func composeInto(dst *image.RGBA, layers []*layer.Layer, rules *format.Rules) {
	draw.Draw(dst, dst.Bounds(), image.Transparent, image.Point{}, draw.Src)
	for _, l := range layers {
		buf := l.Buffer()
		if buf == nil || buf.Pixels == nil || !rules.Supported(l.Format()) {
			continue
		}
		ph := l.Physical()
		if !ph.Visible {
			continue
		}
		src := ph.Crop.Round()
		srcRect := image.Rect(src.L, src.T, src.R, src.B)
		if srcRect.Empty() {
			continue
		}

		op := draw.Over
		if l.Blend() == layer.BlendNone {
			op = draw.Src
		}
		var opts *draw.Options
		if l.Alpha() != 0xff {
			opts = &draw.Options{SrcMask: image.NewUniform(color.Alpha{A: l.Alpha()})}
		}
		draw.ApproxBiLinear.Transform(dst, cropToFrame(ph.Crop, ph.Frame, ph.Transform), buf.Pixels, srcRect, op, opts)
	}
}

// cropToFrame returns the affine map from buffer space to panel space
// taking crop onto frame through transform t.
func cropToFrame(crop geom.FRect, frame geom.Rect, t geom.Transform) f64.Aff3 {
	m := t.Matrix()
	extX, extY := crop.Width(), crop.Height()
	if t.Swaps() {
		extX, extY = extY, extX
	}
	sx := float64(frame.Width()) / extX
	sy := float64(frame.Height()) / extY

	a := sx * float64(m[0][0])
	b := sx * float64(m[0][1])
	d := sy * float64(m[1][0])
	e := sy * float64(m[1][1])

	cx, cy := (crop.L+crop.R)/2, (crop.T+crop.B)/2
	fx, fy := float64(frame.L+frame.R)/2, float64(frame.T+frame.B)/2
	return f64.Aff3{
		a, b, fx - (a*cx + b*cy),
		d, e, fy - (d*cx + e*cy),
	}
}
