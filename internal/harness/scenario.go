package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a validation scenario: either a synthetic layer set
// driven by a step script, or a recorded trace replayed under a match
// mode.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Displays lists the panels. The first entry should be display 0.
	Displays []DisplaySpec `yaml:"displays"`

	// Pipeline tunes frame submission.
	Pipeline PipelineSpec `yaml:"pipeline,omitempty"`

	// Layers are created and attached before the first step.
	Layers []LayerSpec `yaml:"layers,omitempty"`

	// Steps is the frame script.
	Steps []Step `yaml:"steps,omitempty"`

	// Trace is a trace file to replay instead of a step script. Relative
	// paths resolve against the scenario file's directory.
	Trace string `yaml:"trace,omitempty"`

	// MatchMode is the replay match mode, by name or number.
	MatchMode string `yaml:"match_mode,omitempty"`

	// Assertions validate the finished run.
	Assertions []Assertion `yaml:"assertions"`
}

// DisplaySpec declares one display.
type DisplaySpec struct {
	ID       int  `yaml:"id"`
	Width    int  `yaml:"width"`
	Height   int  `yaml:"height"`
	Rotation int  `yaml:"rotation,omitempty"`
	Offline  bool `yaml:"offline,omitempty"`
}

// PipelineSpec carries pipeline options.
type PipelineSpec struct {
	DropEvery    int    `yaml:"drop_every,omitempty"`
	KeepEvery    int    `yaml:"keep_every,omitempty"`
	FenceTimeout string `yaml:"fence_timeout,omitempty"`
	Reference    bool   `yaml:"reference,omitempty"`
}

// LayerSpec declares a synthetic layer.
type LayerSpec struct {
	Name        string      `yaml:"name"`
	Display     int         `yaml:"display,omitempty"`
	Width       int         `yaml:"width"`
	Height      int         `yaml:"height"`
	Format      string      `yaml:"format,omitempty"`
	Frame       []int       `yaml:"frame,omitempty"` // l, t, r, b; -1 is the display edge
	Basis       []int       `yaml:"basis,omitempty"` // w, h the frame is relative to
	Crop        []float64   `yaml:"crop,omitempty"`
	Transform   string      `yaml:"transform,omitempty"`
	Blend       string      `yaml:"blend,omitempty"`
	Alpha       *int        `yaml:"alpha,omitempty"`
	Composition string      `yaml:"composition,omitempty"`
	Pattern     PatternSpec `yaml:"pattern,omitempty"`
	Clone       bool        `yaml:"clone,omitempty"`
}

// PatternSpec selects a fill pattern: solid, animated or hline.
type PatternSpec struct {
	Type      string   `yaml:"type,omitempty"`
	Color     string   `yaml:"color,omitempty"`
	Colors    []string `yaml:"colors,omitempty"`
	Every     int      `yaml:"every,omitempty"`
	Thickness int      `yaml:"thickness,omitempty"`
	Step      int      `yaml:"step,omitempty"`
}

// Step is one entry of the frame script. Exactly one field is set.
type Step struct {
	Frames  int          `yaml:"frames,omitempty"`
	Rotate  *RotateStep  `yaml:"rotate,omitempty"`
	Hotplug *DisplayStep `yaml:"hotplug,omitempty"`
	Blank   *DisplayStep `yaml:"blank,omitempty"`
	Move    *MoveStep    `yaml:"move,omitempty"`
	Resize  *ResizeStep  `yaml:"resize,omitempty"`
	Add     *LayerSpec   `yaml:"add,omitempty"`
	Remove  string       `yaml:"remove,omitempty"`
	Skip    *SkipStep    `yaml:"skip,omitempty"`
	Stall   *bool        `yaml:"stall,omitempty"`
}

// RotateStep rotates a display, in degrees clockwise.
type RotateStep struct {
	Display  int `yaml:"display"`
	Rotation int `yaml:"rotation"`
}

// DisplayStep switches a display state: connected for hotplug, blanked
// for blank.
type DisplayStep struct {
	Display int  `yaml:"display"`
	On      bool `yaml:"on"`
}

// MoveStep gives a layer a new display frame.
type MoveStep struct {
	Layer string `yaml:"layer"`
	Frame []int  `yaml:"frame"`
}

// ResizeStep reallocates a layer's buffers.
type ResizeStep struct {
	Layer  string `yaml:"layer"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// SkipStep sets a layer's skip flag.
type SkipStep struct {
	Layer string `yaml:"layer"`
	Skip  bool   `yaml:"skip"`
}

// actions counts the fields set on the step.
func (s Step) actions() int {
	n := 0
	if s.Frames != 0 {
		n++
	}
	for _, set := range []bool{
		s.Rotate != nil, s.Hotplug != nil, s.Blank != nil, s.Move != nil,
		s.Resize != nil, s.Add != nil, s.Remove != "", s.Skip != nil, s.Stall != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Assertion validates the finished run.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// Count is the expected value for counting assertions.
	Count int `yaml:"count"`

	// Code narrows check_count to one check code.
	Code string `yaml:"code,omitempty"`

	// Field names the replay counter for replay_stats.
	Field string `yaml:"field,omitempty"`

	// Display narrows submitted_contains to one display.
	Display *int `yaml:"display,omitempty"`

	// Layers are layer names that must appear, in order, in one submitted
	// content list (submitted_contains).
	Layers []string `yaml:"layers,omitempty"`
}

// Assertion type constants.
const (
	AssertFrameCount        = "frame_count"
	AssertDroppedCount      = "dropped_count"
	AssertCloneCount        = "clone_count"
	AssertFenceLeaks        = "fence_leaks"
	AssertCheckCount        = "check_count"
	AssertReplayStats       = "replay_stats"
	AssertSubmittedContains = "submitted_contains"
)

var replayFields = map[string]bool{
	"frames": true, "known": true, "matches": true, "allocations": true,
	"clones": true, "inconsistent": true, "malformed": true, "degraded": true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// A relative trace path is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario parses scenario YAML, resolving a relative trace path
// against basePath.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Trace != "" && !filepath.IsAbs(scenario.Trace) && basePath != "" {
		scenario.Trace = filepath.Join(basePath, scenario.Trace)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Displays) == 0 {
		return errors.New("displays list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}

	seen := map[int]bool{}
	for i, d := range s.Displays {
		if d.Width <= 0 || d.Height <= 0 {
			return fmt.Errorf("displays[%d]: width and height must be positive", i)
		}
		if d.Rotation%90 != 0 {
			return fmt.Errorf("displays[%d]: rotation must be a multiple of 90", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("displays[%d]: duplicate id %d", i, d.ID)
		}
		seen[d.ID] = true
	}

	switch {
	case s.Trace != "":
		if len(s.Layers) > 0 || len(s.Steps) > 0 {
			return errors.New("a trace scenario cannot declare layers or steps")
		}
		if _, err := os.Stat(s.Trace); err != nil {
			return fmt.Errorf("trace file not found: %s", s.Trace)
		}
	case len(s.Steps) == 0:
		return errors.New("steps list is required and must be non-empty")
	}

	names := map[string]bool{}
	for i, l := range s.Layers {
		if err := validateLayer(l, names, seen); err != nil {
			return fmt.Errorf("layers[%d]: %w", i, err)
		}
	}
	for i, step := range s.Steps {
		if step.actions() != 1 {
			return fmt.Errorf("steps[%d]: exactly one action is required", i)
		}
		if step.Frames < 0 {
			return fmt.Errorf("steps[%d]: frames must be positive", i)
		}
		if step.Add != nil {
			if err := validateLayer(*step.Add, names, seen); err != nil {
				return fmt.Errorf("steps[%d].add: %w", i, err)
			}
		}
		if step.Move != nil && len(step.Move.Frame) != 4 {
			return fmt.Errorf("steps[%d].move: frame needs 4 values", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateLayer(l LayerSpec, names map[string]bool, displays map[int]bool) error {
	if l.Name == "" {
		return errors.New("name is required")
	}
	if names[l.Name] {
		return fmt.Errorf("duplicate layer name %q", l.Name)
	}
	names[l.Name] = true
	if l.Width <= 0 || l.Height <= 0 {
		return errors.New("width and height must be positive")
	}
	if !displays[l.Display] {
		return fmt.Errorf("unknown display %d", l.Display)
	}
	if len(l.Frame) != 0 && len(l.Frame) != 4 {
		return errors.New("frame needs 4 values")
	}
	if len(l.Basis) != 0 && len(l.Basis) != 2 {
		return errors.New("basis needs 2 values")
	}
	if len(l.Crop) != 0 && len(l.Crop) != 4 {
		return errors.New("crop needs 4 values")
	}
	if l.Alpha != nil && (*l.Alpha < 0 || *l.Alpha > 255) {
		return errors.New("alpha must be in 0-255")
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFrameCount, AssertDroppedCount, AssertCloneCount, AssertFenceLeaks, AssertCheckCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertReplayStats:
		if !replayFields[a.Field] {
			return fmt.Errorf("assertions[%d]: unknown replay_stats field %q", index, a.Field)
		}
	case AssertSubmittedContains:
		if len(a.Layers) == 0 {
			return fmt.Errorf("assertions[%d]: layers list is required for submitted_contains", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
