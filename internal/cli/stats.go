package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/compval/internal/store"
)

// StatsOptions holds flags for the stats command.
type StatsOptions struct {
	*RootOptions
	Database string
	Frames   bool // include per-frame rows for a single run
}

// RunStats is the detail view of one recorded run.
type RunStats struct {
	Run      store.RunSummary `json:"run"`
	Checks   map[string]int   `json:"checks"`
	Segments []store.Segment  `json:"segments"`
	Frames   []store.Frame    `json:"frames,omitempty"`
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stats [run-id]",
		Short: "Summarise recorded runs",
		Long: `Summarise runs recorded in a statistics database.

Without a run ID, lists every run with its frame and check counts.
With a run ID, shows the run's checks by code and its per-segment
reconciliation counts.

Examples:
  compval stats --db runs.db
  compval stats --db runs.db 0190c1de-7a2b-7cc0-8f00-3c1d5e0f1a2b
  compval stats --db runs.db 0190c1de-7a2b-7cc0-8f00-3c1d5e0f1a2b --frames --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			return runStats(cmd.Context(), opts, runID, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().BoolVar(&opts.Frames, "frames", false, "include every recorded frame")

	return cmd
}

func runStats(ctx context.Context, opts *StatsOptions, runID string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if runID == "" {
		runs, err := st.ListRuns(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list runs", err)
		}
		if f.JSON() {
			if runs == nil {
				runs = []store.RunSummary{}
			}
			return f.Respond(runs, "", nil)
		}
		return outputRunsText(f, runs)
	}

	stats, err := readRunStats(ctx, st, runID, opts.Frames)
	if errors.Is(err, store.ErrRunNotFound) {
		_ = f.Error(ErrCodeRunNotFound, fmt.Sprintf("run not found: %s", runID), nil)
		return WrapExitError(ExitCommandError, "run not found", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}
	if f.JSON() {
		return f.Respond(stats, runID, nil)
	}
	return outputRunText(f, stats)
}

func readRunStats(ctx context.Context, st *store.Store, runID string, frames bool) (RunStats, error) {
	var out RunStats
	var err error
	if out.Run, err = st.ReadRun(ctx, runID); err != nil {
		return out, err
	}
	if out.Checks, err = st.CheckCounts(ctx, runID); err != nil {
		return out, err
	}
	if out.Segments, err = st.ReadSegments(ctx, runID); err != nil {
		return out, err
	}
	if frames {
		if out.Frames, err = st.ReadFrames(ctx, runID); err != nil {
			return out, err
		}
	}
	return out, nil
}

func outputRunsText(f *OutputFormatter, runs []store.RunSummary) error {
	if len(runs) == 0 {
		fmt.Fprintln(f.Writer, "No runs recorded.")
		return nil
	}
	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{
			r.ID, r.Command, r.Source, r.MatchMode, r.Status,
			strconv.Itoa(r.Frames), strconv.Itoa(r.Dropped), strconv.Itoa(r.Checks),
		}
	}
	return f.Table([]string{"RUN", "COMMAND", "SOURCE", "MODE", "STATUS", "FRAMES", "DROPPED", "CHECKS"}, rows)
}

func outputRunText(f *OutputFormatter, s RunStats) error {
	w := f.Writer
	r := s.Run
	fmt.Fprintf(w, "Run %s (%s %s)\n", r.ID, r.Command, r.Source)
	fmt.Fprintf(w, "  Status: %s\n", r.Status)
	fmt.Fprintf(w, "  Started: %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	if r.MatchMode != "" {
		fmt.Fprintf(w, "  Match mode: %s\n", r.MatchMode)
	}
	fmt.Fprintf(w, "  Frames: %d (%d dropped)\n", r.Frames, r.Dropped)

	if len(s.Checks) > 0 {
		fmt.Fprintln(w, "\nChecks:")
		for _, code := range sortedKeys(s.Checks) {
			fmt.Fprintf(w, "  %s: %d\n", code, s.Checks[code])
		}
	}

	if len(s.Segments) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, len(s.Segments))
		for i, seg := range s.Segments {
			rows[i] = []string{
				strconv.Itoa(seg.Index), strconv.Itoa(seg.Frames), strconv.Itoa(seg.Matches),
				strconv.Itoa(seg.Allocations), strconv.Itoa(seg.Clones),
				strconv.Itoa(seg.Inconsistent), strconv.Itoa(seg.Misses),
			}
		}
		if err := f.Table([]string{"SEGMENT", "FRAMES", "MATCHES", "ALLOCATIONS", "CLONES", "INCONSISTENT", "MISSES"}, rows); err != nil {
			return err
		}
	}

	if len(s.Frames) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, len(s.Frames))
		for i, fr := range s.Frames {
			state := "presented"
			switch {
			case fr.Skipped != "":
				state = fr.Skipped
			case !fr.Presented:
				state = "failed"
			}
			rows[i] = []string{
				strconv.FormatInt(fr.Seq, 10), "D" + strconv.Itoa(fr.Display), state,
				strconv.Itoa(fr.Layers), strconv.FormatBool(fr.Refilled), shortDigest(fr.Digest),
			}
		}
		return f.Table([]string{"SEQ", "DISPLAY", "STATE", "LAYERS", "REFILL", "DIGEST"}, rows)
	}
	return nil
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
