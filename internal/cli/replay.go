package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/compval/internal/config"
	"github.com/roach88/compval/internal/display"
	"github.com/roach88/compval/internal/pipeline"
	"github.com/roach88/compval/internal/replay"
	"github.com/roach88/compval/internal/store"
	"github.com/roach88/compval/internal/system"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Config config.Config

	envErr error
}

// ReplayResult holds the outcome of one trace replay.
type ReplayResult struct {
	Trace        string         `json:"trace"`
	Mode         string         `json:"mode"`
	Lines        int            `json:"lines"`
	Malformed    int            `json:"malformed"`
	Frames       int            `json:"frames"`
	Known        int            `json:"known"`
	Matches      int            `json:"matches"`
	Allocations  int            `json:"allocations"`
	Clones       int            `json:"clones"`
	Inconsistent int            `json:"inconsistent"`
	Segments     int            `json:"segments"`
	Degraded     []int          `json:"degraded,omitempty"`
	Presents     int            `json:"presents"`
	Dropped      int            `json:"dropped"`
	Refills      int            `json:"refills"`
	Checks       map[string]int `json:"checks,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}
	opts.Config, opts.envErr = config.Load()

	cmd := &cobra.Command{
		Use:   "replay <trace-file>",
		Short: "Replay a captured compositor trace",
		Long: `Replay a captured trace through the offline compositor.

Each frame in the trace is rebuilt as a set of layers. Buffers renamed
between frames are recognised by the match mode and keep their layer;
unrecognised buffers get a fresh layer with a placeholder fill.

Every flag also reads a COMPVAL_ environment variable; the flag wins.

Match modes:
  0, handle         - buffer handle only
  1, frame          - buffer size and display frame (default)
  2, widths         - buffer size, crop width and frame width
  3, sizes          - buffer size, crop size and frame size
  4, frame-or-crop  - buffer size and either frame or crop

Exit codes:
  0 - Replay finished without validation checks
  1 - Validation checks were recorded
  2 - Command error (trace not found, bad configuration, etc.)

Examples:
  compval replay capture.trace
  compval replay capture.trace --mode 4 --displays 1080x1920,1920x1080
  compval replay capture.trace --db runs.db --max-delay 0 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, args[0], cmd)
		},
	}

	bindConfigFlags(cmd, &opts.Config)
	return cmd
}

// bindConfigFlags registers the config fields as flags, defaulting to the
// values already read from the environment.
func bindConfigFlags(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	fs.StringVar(&cfg.MatchMode, "mode", cfg.MatchMode, "match mode (0-4 or name)")
	fs.DurationVar(&cfg.FenceTimeout, "fence-timeout", cfg.FenceTimeout, "bound on every fence wait")
	fs.DurationVar(&cfg.MaxDelay, "max-delay", cfg.MaxDelay, "cap on the pause between replayed frames")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "record the run into this SQLite database")
	fs.StringVar(&cfg.FormatsFile, "formats", cfg.FormatsFile, "CUE file unified over the built-in format rules")
	fs.BoolVar(&cfg.Reference, "reference", cfg.Reference, "compose client layers into the framebuffer target")
	fs.IntVar(&cfg.DropEvery, "drop-every", cfg.DropEvery, "drop every n-th frame")
	fs.BoolVar(&cfg.AsyncDestroy, "async-destroy", cfg.AsyncDestroy, "free discarded buffers on a background goroutine")
	fs.StringSliceVar(&cfg.Displays, "displays", cfg.Displays, "display sizes by index (WxH)")
	fs.StringVar(&cfg.Alpha, "alpha", cfg.Alpha, "plane alpha overrides (index:hex,...)")
}

func runReplay(ctx context.Context, opts *ReplayOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	cfg := opts.Config

	if opts.envErr != nil {
		return replayError(f, ErrCodeInvalid, "invalid environment", opts.envErr)
	}
	if err := cfg.Validate(); err != nil {
		return replayError(f, ErrCodeInvalid, "invalid configuration", err)
	}
	src, err := os.Open(path)
	if err != nil {
		return replayError(f, ErrCodeNotFound, "failed to open trace", err)
	}
	defer src.Close()

	rules, err := cfg.Formats()
	if err != nil {
		return replayError(f, ErrCodeInvalid, "failed to load format rules", err)
	}
	sizes, _ := cfg.DisplaySizes()
	displays := make([]*display.Display, len(sizes))
	for i, size := range sizes {
		displays[i] = display.New(display.ID(i), size)
	}

	logger := opts.Logger(f.GetErrWriter())
	sysOpts, closeDestroyer := cfg.SystemOptions(rules)
	sys := system.New(display.NewSet(displays...),
		append(sysOpts, system.WithLogger(logger))...)
	comp := pipeline.NewOfflineCompositor(sys.Fences)
	pipe := pipeline.New(sys, comp, cfg.PipelineOptions()...)

	var recorder store.Recorder
	ropts, _ := cfg.ReplayOptions()
	ropts = append(ropts, replay.WithFrameHandler(recorder.Frame))
	rec := replay.New(sys, pipe, ropts...)

	f.VerboseLog("Replaying %s as run %s", path, sys.RunID)
	stats, replayErr := rec.Replay(ctx, src)

	comp.Signal()
	rec.Close()
	pipe.Close()
	closeDestroyer()

	if replayErr != nil && !errors.Is(replayErr, context.Canceled) {
		return replayError(f, ErrCodeGeneric, "replay failed", replayErr)
	}

	if cfg.DBPath != "" {
		mode, _ := cfg.Mode()
		if err := persistReplay(ctx, cfg, sys, path, mode, &recorder, stats); err != nil {
			return replayError(f, ErrCodeGeneric, "failed to record run", err)
		}
		f.VerboseLog("Recorded run %s in %s", sys.RunID, cfg.DBPath)
	}

	result := newReplayResult(path, cfg, stats, pipe.Stats(), sys.Checks.All())
	var cliErr *CLIError
	if n := len(sys.Checks.All()); n > 0 {
		cliErr = &CLIError{Code: ErrCodeChecks, Message: fmt.Sprintf("%d validation check(s) recorded", n)}
	}
	if f.JSON() {
		if err := f.Respond(result, sys.RunID, cliErr); err != nil {
			return err
		}
	} else {
		writeReplayText(f, sys.RunID, result)
	}
	if replayErr != nil {
		return WrapExitError(ExitCommandError, "replay interrupted", replayErr)
	}
	if cliErr != nil {
		return NewExitError(ExitFailure, cliErr.Message)
	}
	return nil
}

func replayError(f *OutputFormatter, code, msg string, err error) error {
	_ = f.Error(code, fmt.Sprintf("%s: %v", msg, err), nil)
	return WrapExitError(ExitCommandError, msg, err)
}

func persistReplay(ctx context.Context, cfg config.Config, sys *system.Context, path string, mode replay.Mode, recorder *store.Recorder, stats replay.Stats) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	params := map[string]string{
		"fence_timeout": cfg.FenceTimeout.String(),
		"max_delay":     cfg.MaxDelay.String(),
	}
	if cfg.DropEvery > 0 {
		params["drop_every"] = strconv.Itoa(cfg.DropEvery)
	}
	if cfg.Alpha != "" {
		params["alpha"] = cfg.Alpha
	}
	if err := st.BeginRun(ctx, store.Run{
		ID:        sys.RunID,
		Command:   "replay",
		Source:    path,
		MatchMode: mode.String(),
		Params:    params,
	}); err != nil {
		return err
	}
	return recorder.Commit(ctx, st, sys.RunID, sys.Checks.All(), stats.Segments)
}

func newReplayResult(path string, cfg config.Config, s replay.Stats, ps pipeline.Stats, checks []*system.CheckError) ReplayResult {
	mode, _ := cfg.Mode()
	r := ReplayResult{
		Trace:        path,
		Mode:         mode.String(),
		Lines:        s.Lines,
		Malformed:    s.Malformed,
		Frames:       s.Frames,
		Known:        s.Known,
		Matches:      s.Matches,
		Allocations:  s.Allocations,
		Clones:       s.Clones,
		Inconsistent: s.Inconsistent,
		Segments:     len(s.Segments),
		Presents:     ps.Presents,
		Dropped:      ps.Dropped,
		Refills:      ps.Refills,
	}
	for _, seg := range s.Degraded() {
		r.Degraded = append(r.Degraded, seg.Index)
	}
	if len(checks) > 0 {
		r.Checks = make(map[string]int)
		for _, c := range checks {
			r.Checks[string(c.Code)]++
		}
	}
	return r
}

func writeReplayText(f *OutputFormatter, runID string, r ReplayResult) {
	w := f.Writer
	fmt.Fprintf(w, "Replayed %s (run %s, mode %s)\n", r.Trace, runID, r.Mode)
	fmt.Fprintf(w, "  Lines: %d (%d malformed)\n", r.Lines, r.Malformed)
	fmt.Fprintf(w, "  Frames: %d (%d presents, %d dropped, %d refills)\n", r.Frames, r.Presents, r.Dropped, r.Refills)
	fmt.Fprintf(w, "  Layers: %d known, %d matched, %d allocated, %d cloned, %d inconsistent\n",
		r.Known, r.Matches, r.Allocations, r.Clones, r.Inconsistent)
	fmt.Fprintf(w, "  Segments: %d", r.Segments)
	if len(r.Degraded) > 0 {
		fmt.Fprintf(w, " (degraded: %v)", r.Degraded)
	}
	fmt.Fprintln(w)
	if len(r.Checks) == 0 {
		fmt.Fprintln(w, "✓ No validation checks")
		return
	}
	for _, code := range sortedKeys(r.Checks) {
		fmt.Fprintf(w, "✗ %s: %d\n", code, r.Checks[code])
	}
}
