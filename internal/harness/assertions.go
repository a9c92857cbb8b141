package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/compval/internal/display"
	"github.com/roach88/compval/internal/pipeline"
	"github.com/roach88/compval/internal/replay"
	"github.com/roach88/compval/internal/store"
)

// maxTraceLines bounds the trace excerpt in an assertion failure.
const maxTraceLines = 20

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string   // Assertion type for categorization
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	Trace    []string // Compositor trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		lines := e.Trace
		if len(lines) > maxTraceLines {
			fmt.Fprintf(&buf, "\nTrace (last %d of %d):\n", maxTraceLines, len(lines))
			lines = lines[len(lines)-maxTraceLines:]
		} else {
			fmt.Fprintf(&buf, "\nTrace:\n")
		}
		for _, line := range lines {
			fmt.Fprintf(&buf, "  %s\n", line)
		}
	}
	return buf.String()
}

func countError(typ string, want, got int, trace []string) error {
	if want == got {
		return nil
	}
	return &AssertionError{
		Type:     typ,
		Expected: fmt.Sprintf("%d", want),
		Actual:   fmt.Sprintf("%d", got),
		Trace:    trace,
	}
}

// assertFrameCount compares the stored frame count, dropped frames
// included.
func assertFrameCount(actx *AssertionContext, result *Result, a Assertion) error {
	run, err := actx.Store.ReadRun(actx.Ctx, actx.RunID)
	if err != nil {
		return err
	}
	return countError(AssertFrameCount, a.Count, run.Frames, result.Trace)
}

func assertDroppedCount(actx *AssertionContext, result *Result, a Assertion) error {
	run, err := actx.Store.ReadRun(actx.Ctx, actx.RunID)
	if err != nil {
		return err
	}
	return countError(AssertDroppedCount, a.Count, run.Dropped, result.Trace)
}

// assertCloneCount compares the clones created: by propagation for a
// synthetic scenario, by replay for a trace scenario.
func assertCloneCount(result *Result, a Assertion) error {
	got := result.Pipeline.ClonesCreated
	if result.Replay != nil {
		got += result.Replay.Clones
	}
	return countError(AssertCloneCount, a.Count, got, result.Trace)
}

func assertFenceLeaks(result *Result, a Assertion) error {
	return countError(AssertFenceLeaks, a.Count, int(result.OpenFences), nil)
}

// assertCheckCount compares stored checks, of one code or all of them.
func assertCheckCount(actx *AssertionContext, result *Result, a Assertion) error {
	counts, err := actx.Store.CheckCounts(actx.Ctx, actx.RunID)
	if err != nil {
		return err
	}
	got := 0
	if a.Code == "" {
		for _, n := range counts {
			got += n
		}
	} else {
		got = counts[a.Code]
	}
	typ := AssertCheckCount
	if a.Code != "" {
		typ += " " + a.Code
	}
	if got != a.Count {
		var actual []string
		for _, c := range result.Checks {
			if a.Code == "" || string(c.Code) == a.Code {
				actual = append(actual, c.Error())
			}
		}
		return &AssertionError{
			Type:     typ,
			Expected: fmt.Sprintf("%d", a.Count),
			Actual:   fmt.Sprintf("%d %v", got, actual),
		}
	}
	return nil
}

func replayField(s *replay.Stats, field string) int {
	switch field {
	case "frames":
		return s.Frames
	case "known":
		return s.Known
	case "matches":
		return s.Matches
	case "allocations":
		return s.Allocations
	case "clones":
		return s.Clones
	case "inconsistent":
		return s.Inconsistent
	case "malformed":
		return s.Malformed
	case "degraded":
		return len(s.Degraded())
	}
	return 0
}

func assertReplayStats(result *Result, a Assertion) error {
	if result.Replay == nil {
		return &AssertionError{
			Type:     AssertReplayStats,
			Expected: "a trace scenario",
			Actual:   "no replay ran",
		}
	}
	got := replayField(result.Replay, a.Field)
	return countError(AssertReplayStats+" "+a.Field, a.Count, got, nil)
}

// assertSubmittedContains checks that some submitted content list holds
// the named layers in order. Other layers may sit between them.
func assertSubmittedContains(result *Result, a Assertion) error {
	for _, rec := range result.submitted {
		if a.Display != nil && rec.Display != display.ID(*a.Display) {
			continue
		}
		if containsInOrder(rec, a.Layers) {
			return nil
		}
	}
	where := "any display"
	if a.Display != nil {
		where = display.ID(*a.Display).String()
	}
	return &AssertionError{
		Type:     AssertSubmittedContains,
		Expected: fmt.Sprintf("layers %v in order on %s", a.Layers, where),
		Actual:   "not found in any submitted content list",
		Trace:    result.Trace,
	}
}

func containsInOrder(rec pipeline.Recorded, names []string) bool {
	i := 0
	for _, l := range rec.Layers {
		if i < len(names) && l.Name == names[i] {
			i++
		}
	}
	return i == len(names)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
	RunID string
}

// EvaluateAssertions runs every assertion and returns the failure
// messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertFrameCount:
			err = assertFrameCount(actx, result, a)
		case AssertDroppedCount:
			err = assertDroppedCount(actx, result, a)
		case AssertCloneCount:
			err = assertCloneCount(result, a)
		case AssertFenceLeaks:
			err = assertFenceLeaks(result, a)
		case AssertCheckCount:
			err = assertCheckCount(actx, result, a)
		case AssertReplayStats:
			err = assertReplayStats(result, a)
		case AssertSubmittedContains:
			err = assertSubmittedContains(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}
