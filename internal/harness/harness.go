package harness

import (
	"context"
	"fmt"
	"image/color"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/image/colornames"

	"github.com/roach88/compval/internal/display"
	"github.com/roach88/compval/internal/format"
	"github.com/roach88/compval/internal/geom"
	"github.com/roach88/compval/internal/layer"
	"github.com/roach88/compval/internal/pipeline"
	"github.com/roach88/compval/internal/replay"
	"github.com/roach88/compval/internal/store"
	"github.com/roach88/compval/internal/system"
	"github.com/roach88/compval/internal/testutil"
)

// Harness runs one scenario against the offline compositor.
type Harness struct {
	scenario *Scenario
	sys      *system.Context
	comp     *pipeline.OfflineCompositor
	pipe     *pipeline.Pipeline
	frame    *layer.Frame
	layers   map[string]*layer.Layer
	recorder store.Recorder
	logger   *slog.Logger
}

type runConfig struct {
	store  *store.Store
	runID  string
	logger *slog.Logger
}

// Option configures Run.
type Option func(*runConfig)

// WithStore records the run into st instead of a private in-memory store.
func WithStore(st *store.Store) Option {
	return func(c *runConfig) { c.store = st }
}

// WithRunID overrides the fixed per-scenario run ID. Runs sharing a store
// need distinct IDs.
func WithRunID(id string) Option {
	return func(c *runConfig) { c.runID = id }
}

// WithLogger sets the run's logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// Run executes a scenario and returns the result.
//
// Each run gets a deterministic frame clock and a fixed run ID, so the
// same scenario produces the same trace and digests every time. The run is
// recorded in the store, which is where frame and check counts are read
// back from for assertions.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{
		runID:  "scenario-" + scenario.Name,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	st := cfg.store
	if st == nil {
		var err error
		st, err = store.Open(":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory store: %w", err)
		}
		defer st.Close()
	}

	h, err := newHarness(scenario, cfg)
	if err != nil {
		return nil, err
	}

	if err := st.BeginRun(ctx, store.Run{
		ID:        h.sys.RunID,
		Command:   "test",
		Source:    scenario.Name,
		MatchMode: scenario.MatchMode,
		Params:    scenario.Pipeline.params(),
	}); err != nil {
		return nil, err
	}

	result := NewResult()
	result.RunID = h.sys.RunID

	var segments []replay.Segment
	if scenario.Trace != "" {
		stats, err := h.replay(ctx)
		if err != nil {
			h.teardown(nil)
			return nil, fmt.Errorf("failed to replay trace: %w", err)
		}
		result.Replay = &stats
		segments = stats.Segments
	} else {
		if err := h.script(ctx); err != nil {
			h.teardown(nil)
			return nil, fmt.Errorf("failed to execute steps: %w", err)
		}
	}
	h.teardown(result)

	if err := h.recorder.Commit(ctx, st, h.sys.RunID, h.sys.Checks.All(), segments); err != nil {
		return nil, err
	}

	actx := &AssertionContext{Store: st, Ctx: ctx, RunID: h.sys.RunID}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(sc *Scenario, cfg runConfig) (*Harness, error) {
	var displays []*display.Display
	for _, ds := range sc.Displays {
		d := display.New(display.ID(ds.ID), geom.Size{W: ds.Width, H: ds.Height})
		d.SetRotation(geom.Rotation((ds.Rotation / 90) % geom.NumRotations))
		if ds.Offline {
			d.SetConnected(false)
		}
		displays = append(displays, d)
	}

	sys := system.New(display.NewSet(displays...),
		system.WithLogger(cfg.logger),
		system.WithClock(testutil.NewDeterministicClock()),
		system.WithRunIDGenerator(testutil.NewFixedRunIDGenerator(cfg.runID)),
	)
	comp := pipeline.NewOfflineCompositor(sys.Fences)

	popts, err := sc.Pipeline.options()
	if err != nil {
		return nil, err
	}
	h := &Harness{
		scenario: sc,
		sys:      sys,
		comp:     comp,
		pipe:     pipeline.New(sys, comp, popts...),
		frame:    layer.NewFrame(),
		layers:   make(map[string]*layer.Layer),
		logger:   cfg.logger,
	}
	return h, nil
}

func (p PipelineSpec) options() ([]pipeline.Option, error) {
	var opts []pipeline.Option
	switch {
	case p.DropEvery > 0:
		opts = append(opts, pipeline.WithDropRule(pipeline.DropEveryN(p.DropEvery)))
	case p.KeepEvery > 0:
		opts = append(opts, pipeline.WithDropRule(pipeline.KeepEveryN(p.KeepEvery)))
	}
	if p.FenceTimeout != "" {
		d, err := time.ParseDuration(p.FenceTimeout)
		if err != nil {
			return nil, fmt.Errorf("pipeline.fence_timeout: %w", err)
		}
		opts = append(opts, pipeline.WithFenceTimeout(d))
	}
	if p.Reference {
		opts = append(opts, pipeline.WithReferenceComposition(true))
	}
	return opts, nil
}

func (p PipelineSpec) params() map[string]string {
	params := map[string]string{}
	if p.DropEvery > 0 {
		params["drop_every"] = fmt.Sprint(p.DropEvery)
	}
	if p.KeepEvery > 0 {
		params["keep_every"] = fmt.Sprint(p.KeepEvery)
	}
	if p.FenceTimeout != "" {
		params["fence_timeout"] = p.FenceTimeout
	}
	if p.Reference {
		params["reference"] = "true"
	}
	return params
}

// replay runs the scenario's trace through a reconciler.
func (h *Harness) replay(ctx context.Context) (replay.Stats, error) {
	mode := replay.DefaultMode
	if h.scenario.MatchMode != "" {
		m, err := replay.ParseMode(h.scenario.MatchMode)
		if err != nil {
			return replay.Stats{}, err
		}
		mode = m
	}

	f, err := os.Open(h.scenario.Trace)
	if err != nil {
		return replay.Stats{}, err
	}
	defer f.Close()

	rec := replay.New(h.sys, h.pipe,
		replay.WithMode(mode),
		replay.WithSleeper(&testutil.RecordingSleeper{}),
		replay.WithFrameHandler(h.recorder.Frame),
	)
	defer rec.Close()
	return rec.Replay(ctx, f)
}

// script runs the synthetic layer set through the step script.
func (h *Harness) script(ctx context.Context) error {
	for _, spec := range h.scenario.Layers {
		if err := h.addLayer(spec); err != nil {
			return err
		}
	}
	for i, step := range h.scenario.Steps {
		if err := h.step(ctx, step); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

func (h *Harness) step(ctx context.Context, s Step) error {
	switch {
	case s.Frames > 0:
		for i := 0; i < s.Frames; i++ {
			rep, err := h.pipe.Submit(ctx, h.frame)
			if err != nil {
				return err
			}
			h.recorder.Frame(rep)
		}
	case s.Rotate != nil:
		d, ok := h.sys.Displays.Get(display.ID(s.Rotate.Display))
		if !ok {
			return fmt.Errorf("unknown display %d", s.Rotate.Display)
		}
		d.SetRotation(geom.Rotation((s.Rotate.Rotation / 90) % geom.NumRotations))
	case s.Hotplug != nil:
		return h.pipe.Hotplug(ctx, display.ID(s.Hotplug.Display), s.Hotplug.On)
	case s.Blank != nil:
		return h.pipe.Blank(ctx, display.ID(s.Blank.Display), s.Blank.On)
	case s.Move != nil:
		l, err := h.layer(s.Move.Layer)
		if err != nil {
			return err
		}
		g := l.Geometry()
		g.Frame.Rect = rectOf(s.Move.Frame)
		l.SetGeometry(g)
	case s.Resize != nil:
		l, err := h.layer(s.Resize.Layer)
		if err != nil {
			return err
		}
		if err := l.Resize(s.Resize.Width, s.Resize.Height, l.Format()); err != nil {
			h.sys.Record(system.NewCheck(system.CodeAllocFailed, int(l.Display()), h.sys.Clock.Current(), err))
		}
	case s.Add != nil:
		return h.addLayer(*s.Add)
	case s.Remove != "":
		l, err := h.layer(s.Remove)
		if err != nil {
			return err
		}
		h.frame.Remove(l)
		delete(h.layers, s.Remove)
	case s.Skip != nil:
		l, err := h.layer(s.Skip.Layer)
		if err != nil {
			return err
		}
		l.SetSkip(s.Skip.Skip)
	case s.Stall != nil:
		h.comp.Stall(*s.Stall)
	}
	return nil
}

func (h *Harness) layer(name string) (*layer.Layer, error) {
	l, ok := h.layers[name]
	if !ok {
		return nil, fmt.Errorf("unknown layer %q", name)
	}
	return l, nil
}

func (h *Harness) addLayer(spec LayerSpec) error {
	cfg, err := spec.config()
	if err != nil {
		return fmt.Errorf("layer %s: %w", spec.Name, err)
	}
	l := layer.New(h.sys, cfg)
	if err := l.AllocateBuffers(); err != nil {
		h.sys.Record(system.NewCheck(system.CodeAllocFailed, spec.Display, h.sys.Clock.Current(), err))
	}
	if err := h.frame.Attach(display.ID(spec.Display), l, layer.Owned); err != nil {
		l.Close()
		return fmt.Errorf("layer %s: %w", spec.Name, err)
	}
	h.layers[spec.Name] = l
	h.logger.Debug("layer added", "layer", spec.Name, "display", spec.Display)
	return nil
}

// teardown releases everything and, when result is set, collects the
// trace and counters. Open fences left after teardown are a check.
func (h *Harness) teardown(result *Result) {
	h.comp.Stall(false)
	h.comp.Signal()
	h.frame.Reset()
	h.pipe.Close()

	open := h.sys.Fences.Open()
	if open > 0 {
		h.sys.Record(&system.CheckError{
			Code:    system.CodeFenceLeak,
			Message: fmt.Sprintf("%d fence handles open after teardown", open),
			Display: -1,
			Frame:   h.sys.Clock.Current(),
		})
	}
	if result == nil {
		return
	}
	result.Trace = h.comp.Events()
	result.submitted = h.comp.Frames()
	result.Pipeline = h.pipe.Stats()
	result.Checks = h.sys.Checks.All()
	result.OpenFences = open
}

func (spec LayerSpec) config() (layer.Config, error) {
	cfg := layer.Config{
		Name:   spec.Name,
		Width:  spec.Width,
		Height: spec.Height,
		Format: format.RGBA,
		Alpha:  0xff,
		Blend:  layer.BlendPremultiplied,
		Clone:  spec.Clone,
		Geometry: layer.Geometry{
			Frame: geom.FullScreen,
		},
		Composition: layer.CompositionClient,
	}
	if spec.Format != "" {
		cfg.Format = format.Format(spec.Format)
	}
	if spec.Alpha != nil {
		cfg.Alpha = uint8(*spec.Alpha)
	}
	if len(spec.Frame) == 4 {
		cfg.Geometry.Frame = geom.LogicalRect{Rect: rectOf(spec.Frame)}
	}
	if len(spec.Basis) == 2 {
		cfg.Geometry.Frame.Basis = geom.Size{W: spec.Basis[0], H: spec.Basis[1]}
	}
	if len(spec.Crop) == 4 {
		cfg.Geometry.Crop = geom.FRect{L: spec.Crop[0], T: spec.Crop[1], R: spec.Crop[2], B: spec.Crop[3]}
	}
	var err error
	if spec.Transform != "" {
		if cfg.Geometry.Transform, err = geom.ParseTransform(spec.Transform); err != nil {
			return cfg, err
		}
	}
	if spec.Blend != "" {
		if cfg.Blend, err = layer.ParseBlend(spec.Blend); err != nil {
			return cfg, err
		}
	}
	if spec.Composition != "" {
		if cfg.Composition, err = layer.ParseComposition(spec.Composition); err != nil {
			return cfg, err
		}
	}
	if cfg.Pattern, err = spec.Pattern.pattern(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func rectOf(v []int) geom.Rect {
	return geom.Rect{L: v[0], T: v[1], R: v[2], B: v[3]}
}

// pattern builds the fill. A nil pattern lets the layer pick its palette
// colour.
func (p PatternSpec) pattern() (layer.Pattern, error) {
	switch p.Type {
	case "":
		if p.Color == "" {
			return nil, nil
		}
		fallthrough
	case "solid":
		c, err := parseColor(p.Color, layer.White)
		if err != nil {
			return nil, err
		}
		return layer.NewSolid(c), nil
	case "animated":
		colors := make([]color.RGBA, 0, len(p.Colors))
		for _, s := range p.Colors {
			c, err := parseColor(s, layer.White)
			if err != nil {
				return nil, err
			}
			colors = append(colors, c)
		}
		every := p.Every
		if every <= 0 {
			every = 1
		}
		return layer.NewAnimated(int64(every), colors...), nil
	case "hline":
		bg, err := parseColor(p.Color, layer.Black)
		if err != nil {
			return nil, err
		}
		thickness, step := p.Thickness, p.Step
		if thickness <= 0 {
			thickness = 4
		}
		if step <= 0 {
			step = 8
		}
		return layer.NewHorizontalLine(bg, layer.White, thickness, step), nil
	}
	return nil, fmt.Errorf("unknown pattern type %q", p.Type)
}

// parseColor accepts an SVG colour name or #rrggbb.
func parseColor(s string, def color.RGBA) (color.RGBA, error) {
	if s == "" {
		return def, nil
	}
	if c, ok := colornames.Map[strings.ToLower(s)]; ok {
		return c, nil
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b); err == nil {
		return color.RGBA{R: r, G: g, B: b, A: 0xff}, nil
	}
	return color.RGBA{}, fmt.Errorf("unknown colour %q", s)
}
