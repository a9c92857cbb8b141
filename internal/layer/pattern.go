package layer

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Pattern produces a layer's synthetic pixel content.
//
// The set of patterns is closed: Solid, Animated and HorizontalLine. A
// pattern is stateful and belongs to one source layer; clones share the
// source's pattern by reference and never advance it.
type Pattern interface {
	// Name identifies the pattern in traces and digests.
	Name() string

	// Advance moves the pattern to frame seq and reports whether the
	// content differs from what the previous Advance produced.
	Advance(seq int64) bool

	// Fill draws the current content into dst.
	Fill(dst *image.RGBA)
}

// Solid fills with one colour. Its content changes only on the first
// frame.
type Solid struct {
	Color color.RGBA
	drawn bool
}

// NewSolid creates a solid pattern.
func NewSolid(c color.RGBA) *Solid { return &Solid{Color: c} }

func (p *Solid) Name() string { return "solid" }

func (p *Solid) Advance(int64) bool {
	if p.drawn {
		return false
	}
	p.drawn = true
	return true
}

func (p *Solid) Fill(dst *image.RGBA) {
	draw.Draw(dst, dst.Bounds(), image.NewUniform(p.Color), image.Point{}, draw.Src)
}

// Animated cycles through colours, switching every Every frames. It models
// video playback: the content changes at the content frame rate, not the
// display rate.
type Animated struct {
	Colors []color.RGBA
	Every  int64
	idx    int
	last   int64
	drawn  bool
}

// NewAnimated creates an animated pattern.
func NewAnimated(every int64, colors ...color.RGBA) *Animated {
	if every < 1 {
		every = 1
	}
	if len(colors) == 0 {
		colors = palette
	}
	return &Animated{Colors: colors, Every: every}
}

func (p *Animated) Name() string { return "animated" }

func (p *Animated) Advance(seq int64) bool {
	if !p.drawn {
		p.drawn = true
		p.last = seq
		return true
	}
	if seq-p.last < p.Every {
		return false
	}
	p.last = seq
	p.idx = (p.idx + 1) % len(p.Colors)
	return true
}

func (p *Animated) Fill(dst *image.RGBA) {
	draw.Draw(dst, dst.Bounds(), image.NewUniform(p.Colors[p.idx]), image.Point{}, draw.Src)
}

// HorizontalLine draws a line that moves down the buffer by Step rows per
// frame over a solid background, wrapping at the bottom. It models a clock
// or progress indicator that updates every frame.
type HorizontalLine struct {
	Background color.RGBA
	Line       color.RGBA
	Thickness  int
	Step       int
	row        int
	started    bool
}

// NewHorizontalLine creates a moving line pattern.
func NewHorizontalLine(bg, line color.RGBA, thickness, step int) *HorizontalLine {
	return &HorizontalLine{Background: bg, Line: line, Thickness: max(thickness, 1), Step: max(step, 1)}
}

func (p *HorizontalLine) Name() string { return "hline" }

func (p *HorizontalLine) Advance(int64) bool {
	if !p.started {
		p.started = true
		return true
	}
	p.row += p.Step
	return true
}

func (p *HorizontalLine) Fill(dst *image.RGBA) {
	b := dst.Bounds()
	draw.Draw(dst, b, image.NewUniform(p.Background), image.Point{}, draw.Src)
	if b.Dy() == 0 {
		return
	}
	y := b.Min.Y + p.row%b.Dy()
	line := image.Rect(b.Min.X, y, b.Max.X, min(y+p.Thickness, b.Max.Y))
	draw.Draw(dst, line, image.NewUniform(p.Line), image.Point{}, draw.Src)
}

// Row returns the line's current row before wrapping.
func (p *HorizontalLine) Row() int { return p.row }

var (
	White = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	Black = color.RGBA{A: 0xff}
)

// palette is the placeholder colour rotation for replayed layers.
var palette = []color.RGBA{
	{R: 0xff, A: 0xff},
	{G: 0xff, A: 0xff},
	{B: 0xff, A: 0xff},
	{R: 0xff, G: 0xff, A: 0xff},
	{R: 0xff, B: 0xff, A: 0xff},
	{G: 0xff, B: 0xff, A: 0xff},
	{R: 0x80, G: 0x80, B: 0x80, A: 0xff},
}

// PaletteColor returns the i-th placeholder colour, wrapping around.
func PaletteColor(i int) color.RGBA {
	if i < 0 {
		i = -i
	}
	return palette[i%len(palette)]
}

// PaletteSize is the number of placeholder colours.
func PaletteSize() int { return len(palette) }
