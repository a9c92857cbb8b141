package trace

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/compval/internal/buffer"
	"github.com/roach88/compval/internal/format"
	"github.com/roach88/compval/internal/geom"
	"github.com/roach88/compval/internal/layer"
)

const (
	num   = `-?\d+(?:\.\d+)?`
	inum  = `-?\d+`
	hexv  = `[0-9a-fA-F]+`
	flagv = `(?:0x[0-9a-fA-F]+|\d+)`
)

// Each grammar has a loose prefix pattern that claims the line and a
// strict pattern that extracts its fields.
var (
	headerPrefix = regexp.MustCompile(`^\s*\d+(?:\.\d+)?\s+D\d+\s+onSet\b`)
	headerRe     = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s+D(\d+)\s+onSet` +
		`(?:\s+frame:(\d+))?\s+retire:(` + inum + `)\s+acq:(` + inum + `)` +
		`\s+outbuf:0x(` + hexv + `)\s+flags:(` + flagv + `)\s*$`)

	layerPrefix = regexp.MustCompile(`^\s+\d+\s+[A-Z]{2}\s`)
	layerRe     = regexp.MustCompile(`^\s+(\d+)\s+([A-Z]{2})\s+0x(` + hexv + `)` +
		`\s+FB(` + inum + `)\s+TR:(\d+)\s+RH:(\d+)\s+BL:([A-Z]{2})\s+A:(` + hexv + `)` +
		`\s+([A-Z0-9?]{2,6})\s+(\d+)x(\d+)` +
		`\s+(` + num + `),(` + num + `),(` + num + `),(` + num + `)` +
		`\s+->\s+(` + inum + `),(` + inum + `),(` + inum + `),(` + inum + `)` +
		`\s+acq:(` + inum + `)\s+rel:(` + inum + `)` +
		`\s+V:((?:\{` + inum + `,` + inum + `,` + inum + `,` + inum + `\})+)` +
		`\s+U:0x(` + hexv + `)\s+Hi:(` + flagv + `)\s+Fl:(` + flagv + `)\s*$`)
	visibleRe = regexp.MustCompile(`\{(` + inum + `),(` + inum + `),(` + inum + `),(` + inum + `)\}`)

	displayPrefix = regexp.MustCompile(`^Display \d+`)
	displayRe     = regexp.MustCompile(`^Display (\d+):\s+(\d+)x(\d+)\s+dpi\s+(\d+),(\d+)\s+vsync\s+(\d+)\s*$`)

	snapshotPrefix = regexp.MustCompile(`^\s*(?:HWC|GLES|FB TARGET|BKGND|CURSOR)\s*\|`)
	snapshotRe     = regexp.MustCompile(`^\s*(HWC|GLES|FB TARGET|BKGND|CURSOR)\s*\|` +
		`\s*0x(` + hexv + `)\s*\|\s*(` + hexv + `)\s*\|\s*(` + hexv + `)\s*\|` +
		`\s*(\d+)\s*\|\s*(` + hexv + `)\s*\|\s*(\S+)\s*\|` +
		`\s*(` + num + `),\s*(` + num + `),\s*(` + num + `),\s*(` + num + `)\s*\|` +
		`\s*(` + inum + `),\s*(` + inum + `),\s*(` + inum + `),\s*(` + inum + `)\s*\|` +
		`\s*([^|]*?)\s*\|\s*(` + num + `)\s*(?:\[profile:([a-z]+)\])?\s*$`)

	hotplugPrefix = regexp.MustCompile(`^D\d+\s+hotplug\b`)
	hotplugRe     = regexp.MustCompile(`^D(\d+)\s+hotplug\s+(connected|disconnected)\s*$`)

	blankPrefix = regexp.MustCompile(`^D\d+\s+(?:un)?blank\b`)
	blankRe     = regexp.MustCompile(`^D(\d+)\s+(blank|unblank)\s*$`)
)

var snapshotCompositions = map[string]layer.Composition{
	"HWC":       layer.CompositionDevice,
	"GLES":      layer.CompositionClient,
	"FB TARGET": layer.CompositionTarget,
	"BKGND":     layer.CompositionBackground,
	"CURSOR":    layer.CompositionCursor,
}

var snapshotBlends = map[uint64]layer.Blend{
	0x0100: layer.BlendNone,
	0x0105: layer.BlendPremultiplied,
	0x0405: layer.BlendCoverage,
}

var snapshotFormats = map[string]format.Format{
	"RGBA_8888": format.RGBA,
	"RGBX_8888": format.RGBX,
	"BGRA_8888": format.BGRA,
	"RGB_565":   format.RGB565,
	"NV12":      format.NV12,
	"YV12":      format.YV12,
}

// Parse parses one trace line. Lines outside the grammar come back as
// *Sentinel with a nil error.
func Parse(line string) (Record, error) {
	switch {
	case headerPrefix.MatchString(line):
		return parseHeader(line)
	case layerPrefix.MatchString(line):
		return parseLayer(line)
	case displayPrefix.MatchString(line):
		return parseDisplay(line)
	case snapshotPrefix.MatchString(line):
		return parseSnapshotLayer(line)
	case hotplugPrefix.MatchString(line):
		m := hotplugRe.FindStringSubmatch(line)
		if m == nil {
			return nil, malformed("hotplug", line)
		}
		var p fieldParser
		rec := &Hotplug{Display: p.int("display", m[1]), Connected: m[2] == "connected"}
		return rec, p.done("hotplug")
	case blankPrefix.MatchString(line):
		m := blankRe.FindStringSubmatch(line)
		if m == nil {
			return nil, malformed("blank", line)
		}
		var p fieldParser
		rec := &Blank{Display: p.int("display", m[1]), Blank: m[2] == "blank"}
		return rec, p.done("blank")
	}
	return &Sentinel{Text: line}, nil
}

func malformed(kind, line string) error {
	return fmt.Errorf("%w: %s: %q", ErrMalformed, kind, strings.TrimSpace(line))
}

func parseHeader(line string) (Record, error) {
	m := headerRe.FindStringSubmatch(line)
	if m == nil {
		return nil, malformed("frame header", line)
	}
	var p fieldParser
	h := &Header{
		Time:    p.seconds("timestamp", m[1]),
		Display: p.int("display", m[2]),
		FrameID: -1,
		Retire:  p.int("retire", m[4]),
		Acquire: p.int("acq", m[5]),
		OutBuf:  buffer.Handle(p.hex("outbuf", m[6])),
		Flags:   uint32(p.flags("flags", m[7])),
	}
	if m[3] != "" {
		h.FrameID = int64(p.int("frame", m[3]))
	}
	return h, p.done("frame header")
}

func parseLayer(line string) (Record, error) {
	m := layerRe.FindStringSubmatch(line)
	if m == nil {
		return nil, malformed("layer", line)
	}
	var p fieldParser
	l := &Layer{
		Index:       p.int("index", m[1]),
		Composition: p.composition(m[2]),
		Handle:      buffer.Handle(p.hex("handle", m[3])),
		FBSlot:      p.int("fb", m[4]),
		Transform:   p.transform(m[5]),
		RefreshHint: p.int("rh", m[6]),
		Blend:       p.blend(m[7]),
		Alpha:       p.alpha(m[8]),
		Format:      format.Format(m[9]),
		Width:       p.int("width", m[10]),
		Height:      p.int("height", m[11]),
		Crop: geom.FRect{
			L: p.float("crop", m[12]), T: p.float("crop", m[13]),
			R: p.float("crop", m[14]), B: p.float("crop", m[15]),
		},
		Frame: geom.Rect{
			L: p.int("frame", m[16]), T: p.int("frame", m[17]),
			R: p.int("frame", m[18]), B: p.int("frame", m[19]),
		},
		Acquire: p.int("acq", m[20]),
		Release: p.int("rel", m[21]),
		Usage:   p.hex("usage", m[23]),
		Hints:   uint32(p.flags("hints", m[24])),
		Flags:   uint32(p.flags("flags", m[25])),
	}
	for _, v := range visibleRe.FindAllStringSubmatch(m[22], -1) {
		l.Visible = append(l.Visible, geom.Rect{
			L: p.int("visible", v[1]), T: p.int("visible", v[2]),
			R: p.int("visible", v[3]), B: p.int("visible", v[4]),
		})
	}
	return l, p.done("layer")
}

func parseDisplay(line string) (Record, error) {
	m := displayRe.FindStringSubmatch(line)
	if m == nil {
		return nil, malformed("display", line)
	}
	var p fieldParser
	d := &Display{
		Display: p.int("display", m[1]),
		Width:   p.int("width", m[2]),
		Height:  p.int("height", m[3]),
		DPIX:    p.int("dpi", m[4]),
		DPIY:    p.int("dpi", m[5]),
		Refresh: time.Duration(p.int("vsync", m[6])),
	}
	return d, p.done("display")
}

func parseSnapshotLayer(line string) (Record, error) {
	m := snapshotRe.FindStringSubmatch(line)
	if m == nil {
		return nil, malformed("snapshot layer", line)
	}
	var p fieldParser
	l := &SnapshotLayer{
		Composition: snapshotCompositions[m[1]],
		Handle:      buffer.Handle(p.hex("handle", m[2])),
		Hints:       uint32(p.hex("hints", m[3])),
		Flags:       uint32(p.hex("flags", m[4])),
		Transform:   p.transform(m[5]),
		Format:      format.Unsupported,
		Crop: geom.FRect{
			L: p.float("crop", m[8]), T: p.float("crop", m[9]),
			R: p.float("crop", m[10]), B: p.float("crop", m[11]),
		},
		Frame: geom.Rect{
			L: p.int("frame", m[12]), T: p.int("frame", m[13]),
			R: p.int("frame", m[14]), B: p.int("frame", m[15]),
		},
		Owner:       m[16],
		RefreshRate: p.float("refresh", m[17]),
		Profile:     m[18],
	}
	if b, ok := snapshotBlends[p.hex("blend", m[6])]; ok {
		l.Blend = b
	} else if p.err == nil {
		p.err = fmt.Errorf("blend %q: unknown mode", m[6])
	}
	if f, ok := snapshotFormats[m[7]]; ok {
		l.Format = f
	}
	return l, p.done("snapshot layer")
}

var errOutOfRange = errors.New("out of range")

// fieldParser converts regexp captures, keeping the first error.
type fieldParser struct {
	err error
}

func (p *fieldParser) fail(field, s string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s %q: %w", field, s, err)
	}
}

func (p *fieldParser) done(kind string) error {
	if p.err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, kind, p.err)
	}
	return nil
}

func (p *fieldParser) int(field, s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		p.fail(field, s, err)
	}
	return v
}

func (p *fieldParser) hex(field, s string) uint64 {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		p.fail(field, s, err)
	}
	return v
}

// flags accepts 0x-prefixed hex or plain decimal.
func (p *fieldParser) flags(field, s string) uint64 {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		p.fail(field, s, err)
	}
	return v
}

func (p *fieldParser) float(field, s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(field, s, err)
	}
	return v
}

func (p *fieldParser) seconds(field, s string) time.Duration {
	v := p.float(field, s)
	return time.Duration(math.Round(v * float64(time.Second)))
}

func (p *fieldParser) alpha(s string) uint8 {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		p.fail("alpha", s, err)
	}
	return uint8(v)
}

func (p *fieldParser) transform(s string) geom.Transform {
	v := p.int("transform", s)
	if v < 0 || v >= geom.NumTransforms {
		p.fail("transform", s, errOutOfRange)
		return geom.TransformIdentity
	}
	return geom.Transform(v)
}

func (p *fieldParser) composition(s string) layer.Composition {
	c, err := layer.ParseComposition(s)
	if err != nil {
		p.fail("composition", s, err)
	}
	return c
}

func (p *fieldParser) blend(s string) layer.Blend {
	b, err := layer.ParseBlend(s)
	if err != nil {
		p.fail("blend", s, err)
	}
	return b
}
