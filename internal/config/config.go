// Package config loads compval settings from the environment. Command
// flags are bound to the same fields afterwards, so a flag overrides its
// variable.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/roach88/compval/internal/buffer"
	"github.com/roach88/compval/internal/format"
	"github.com/roach88/compval/internal/geom"
	"github.com/roach88/compval/internal/pipeline"
	"github.com/roach88/compval/internal/replay"
	"github.com/roach88/compval/internal/system"
)

// destroyQueueDepth bounds the buffers waiting for the destroyer goroutine.
const destroyQueueDepth = 16

// Prefix is prepended to every variable name.
const Prefix = "COMPVAL_"

// Config holds the settings shared by the replay and test commands.
type Config struct {
	MatchMode    string        `env:"MATCH_MODE"    envDefault:"frame"`
	FenceTimeout time.Duration `env:"FENCE_TIMEOUT" envDefault:"1s"`
	MaxDelay     time.Duration `env:"MAX_DELAY"     envDefault:"500ms"`
	DBPath       string        `env:"DB"`
	FormatsFile  string        `env:"FORMATS"`
	Reference    bool          `env:"REFERENCE"`
	DropEvery    int           `env:"DROP_EVERY"`
	AsyncDestroy bool          `env:"ASYNC_DESTROY"`

	// Displays are panel sizes by display index, "1920x1080,1280x720".
	Displays []string `env:"DISPLAYS" envSeparator:"," envDefault:"1920x1080"`

	// Alpha forces plane alpha per layer index, "0:80,3:ff" (hex).
	Alpha string `env:"ALPHA"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return load(nil)
}

// LoadFrom reads variables from environ instead of the process
// environment.
func LoadFrom(environ map[string]string) (Config, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	return load(environ)
}

func load(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      Prefix,
		Environment: environ,
	}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks every field that is parsed lazily.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Mode(); err != nil {
		errs = append(errs, err)
	}
	if c.FenceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("fence timeout must be positive, got %s", c.FenceTimeout))
	}
	if c.MaxDelay < 0 {
		errs = append(errs, fmt.Errorf("max delay must not be negative, got %s", c.MaxDelay))
	}
	if c.DropEvery < 0 {
		errs = append(errs, fmt.Errorf("drop-every must not be negative, got %d", c.DropEvery))
	}
	if _, err := c.DisplaySizes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.AlphaOverrides(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Mode parses the match mode.
func (c Config) Mode() (replay.Mode, error) {
	if c.MatchMode == "" {
		return replay.DefaultMode, nil
	}
	return replay.ParseMode(c.MatchMode)
}

// DisplaySizes parses the display list. Display i gets entry i.
func (c Config) DisplaySizes() ([]geom.Size, error) {
	if len(c.Displays) == 0 {
		return nil, errors.New("at least one display size is required")
	}
	sizes := make([]geom.Size, 0, len(c.Displays))
	for _, s := range c.Displays {
		size, err := parseSize(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		sizes = append(sizes, size)
	}
	return sizes, nil
}

func parseSize(s string) (geom.Size, error) {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return geom.Size{}, fmt.Errorf("display size %q: want WxH", s)
	}
	wi, err := strconv.Atoi(w)
	if err != nil {
		return geom.Size{}, fmt.Errorf("display size %q: %w", s, err)
	}
	hi, err := strconv.Atoi(h)
	if err != nil {
		return geom.Size{}, fmt.Errorf("display size %q: %w", s, err)
	}
	if wi <= 0 || hi <= 0 {
		return geom.Size{}, fmt.Errorf("display size %q: must be positive", s)
	}
	return geom.Size{W: wi, H: hi}, nil
}

// AlphaOverrides parses the alpha list into layer index to plane alpha.
func (c Config) AlphaOverrides() (map[int]uint8, error) {
	if strings.TrimSpace(c.Alpha) == "" {
		return nil, nil
	}
	out := make(map[int]uint8)
	for _, pair := range strings.Split(c.Alpha, ",") {
		idx, val, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, fmt.Errorf("alpha override %q: want index:hex", pair)
		}
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 {
			return nil, fmt.Errorf("alpha override %q: bad layer index", pair)
		}
		a, err := strconv.ParseUint(strings.TrimPrefix(val, "0x"), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("alpha override %q: %w", pair, err)
		}
		out[i] = uint8(a)
	}
	return out, nil
}

// Formats loads the format table, with the rules file on top when set.
func (c Config) Formats() (*format.Rules, error) {
	return format.Load(c.FormatsFile)
}

// SystemOptions builds the run context's buffer settings. With
// AsyncDestroy, closed pools hand their buffers to a destroyer goroutine;
// call the returned function once every pool is closed. It is a no-op
// otherwise.
func (c Config) SystemOptions(rules *format.Rules) ([]system.Option, func()) {
	opts := []system.Option{system.WithFormats(rules)}
	if !c.AsyncDestroy {
		return opts, func() {}
	}
	alloc := buffer.NewHeapAllocator(rules, 0)
	d := buffer.NewAsyncDestroyer(alloc, destroyQueueDepth)
	opts = append(opts, system.WithAllocator(alloc), system.WithDestroyer(d))
	return opts, d.Close
}

// PipelineOptions translates the pipeline settings.
func (c Config) PipelineOptions() []pipeline.Option {
	opts := []pipeline.Option{
		pipeline.WithFenceTimeout(c.FenceTimeout),
		pipeline.WithReferenceComposition(c.Reference),
	}
	if c.DropEvery > 0 {
		opts = append(opts, pipeline.WithDropRule(pipeline.DropEveryN(c.DropEvery)))
	}
	return opts
}

// ReplayOptions translates the reconciler settings. Validate first.
func (c Config) ReplayOptions() ([]replay.Option, error) {
	mode, err := c.Mode()
	if err != nil {
		return nil, err
	}
	alpha, err := c.AlphaOverrides()
	if err != nil {
		return nil, err
	}
	opts := []replay.Option{
		replay.WithMode(mode),
		replay.WithMaxDelay(c.MaxDelay),
	}
	if len(alpha) > 0 {
		opts = append(opts, replay.WithAlphaOverrides(alpha))
	}
	return opts, nil
}
