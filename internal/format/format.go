// Package format supplies the per-pixel-format constraints the geometry
// engine applies to crops and display frames.
//
// The rule table is written in CUE. A default table is embedded in the
// binary; a user file may be unified on top of it to add formats. CUE
// unification cannot loosen or change a concrete default, so conflicting
// values are reported as load errors:
//
//	formats: P010: {bpp: 3, yuv: true, align: {x: 2, y: 2}}
//
// Every format carries a short code that traces use (RGBA, 565, NV12, ...).
// The short code "??" marks a format the trace recorder could not name;
// layers using it are replayed without pixel content.
package format

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed formats.cue
var defaultRules string

// Format is a pixel format short code as it appears in traces.
type Format string

const (
	RGBA        Format = "RGBA"
	RGBX        Format = "RGBX"
	BGRA        Format = "BGRA"
	RGB565      Format = "565"
	NV12        Format = "NV12"
	YV12        Format = "YV12"
	Unsupported Format = "??"
)

// Extent is a width/height pair in CUE form.
type Extent struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Alignment is the required crop origin and size granularity.
type Alignment struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Rule is the constraint set for one format.
type Rule struct {
	Code     Format    `json:"-"`
	BPP      float64   `json:"bpp"`
	YUV      bool      `json:"yuv"`
	MinCrop  Extent    `json:"minCrop"`
	Align    Alignment `json:"align"`
	MinFrame Extent    `json:"minFrame"`
}

// Rules is a loaded format table. It is immutable after Load.
type Rules struct {
	byCode map[Format]Rule
}

// Default returns the embedded rule table.
func Default() (*Rules, error) {
	return Load("")
}

// MustDefault is Default for package initialisation and tests.
func MustDefault() *Rules {
	r, err := Default()
	if err != nil {
		panic(fmt.Sprintf("format: embedded rules invalid: %v", err))
	}
	return r
}

// Load compiles the embedded rules and, when path is non-empty, unifies
// the CUE file at path on top of them.
func Load(path string) (*Rules, error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(defaultRules, cue.Filename("formats.cue"))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile default format rules: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read format rules: %w", err)
		}
		user := ctx.CompileBytes(data, cue.Filename(path))
		if err := user.Err(); err != nil {
			return nil, fmt.Errorf("compile format rules %s: %w", path, err)
		}
		value = value.Unify(user)
	}

	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate format rules: %w", err)
	}

	formats := value.LookupPath(cue.ParsePath("formats"))
	if !formats.Exists() {
		return nil, fmt.Errorf("format rules: missing formats field")
	}

	iter, err := formats.Fields()
	if err != nil {
		return nil, fmt.Errorf("iterate formats: %w", err)
	}

	rules := &Rules{byCode: make(map[Format]Rule)}
	for iter.Next() {
		var rule Rule
		if err := iter.Value().Decode(&rule); err != nil {
			return nil, fmt.Errorf("decode format %s: %w", iter.Selector(), err)
		}
		rule.Code = Format(iter.Selector().Unquoted())
		if rule.Align.X < 1 || rule.Align.Y < 1 {
			return nil, fmt.Errorf("format %s: alignment must be positive", rule.Code)
		}
		rules.byCode[rule.Code] = rule
	}
	return rules, nil
}

// Lookup returns the rule for f.
func (r *Rules) Lookup(f Format) (Rule, bool) {
	rule, ok := r.byCode[f]
	return rule, ok
}

// Supported reports whether f has a rule and is not the unsupported marker.
func (r *Rules) Supported(f Format) bool {
	if f == Unsupported {
		return false
	}
	_, ok := r.byCode[f]
	return ok
}

// Codes lists the known format codes in sorted order.
func (r *Rules) Codes() []Format {
	out := make([]Format, 0, len(r.byCode))
	for c := range r.byCode {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BufferBytes returns the storage size of a w x h buffer in format f.
func (r *Rules) BufferBytes(f Format, w, h int) int {
	rule, ok := r.byCode[f]
	if !ok || rule.BPP <= 0 {
		return w * h * 4
	}
	return int(float64(w*h) * rule.BPP)
}
