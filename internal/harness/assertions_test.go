package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/compval/internal/display"
	"github.com/roach88/compval/internal/pipeline"
	"github.com/roach88/compval/internal/replay"
	"github.com/roach88/compval/internal/store"
	"github.com/roach88/compval/internal/system"
)

func recorded(d display.ID, names ...string) pipeline.Recorded {
	rec := pipeline.Recorded{Display: d}
	for _, n := range names {
		rec.Layers = append(rec.Layers, pipeline.LayerState{Name: n})
	}
	return rec
}

func intPtr(v int) *int { return &v }

// newAssertionContext opens a store holding one run with the given frames
// and checks.
func newAssertionContext(t *testing.T, frames []store.Frame, checks []store.Check) *AssertionContext {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.BeginRun(ctx, store.Run{ID: "r", Command: "test", Source: "unit"}))
	require.NoError(t, st.WriteFrames(ctx, "r", frames))
	require.NoError(t, st.WriteChecks(ctx, "r", checks))
	return &AssertionContext{Store: st, Ctx: ctx, RunID: "r"}
}

func TestContainsInOrder(t *testing.T) {
	rec := recorded(0, "wallpaper", "status", "video", "FramebufferTarget")

	assert.True(t, containsInOrder(rec, []string{"wallpaper", "video"}))
	assert.True(t, containsInOrder(rec, []string{"FramebufferTarget"}))
	assert.True(t, containsInOrder(rec, nil))
	assert.False(t, containsInOrder(rec, []string{"video", "wallpaper"}))
	assert.False(t, containsInOrder(rec, []string{"cursor"}))
}

func TestAssertSubmittedContains_DisplayFilter(t *testing.T) {
	result := NewResult()
	result.submitted = []pipeline.Recorded{
		recorded(0, "video", "FramebufferTarget"),
		recorded(1, "video@D1", "FramebufferTarget"),
	}

	assert.NoError(t, assertSubmittedContains(result, Assertion{Layers: []string{"video@D1"}}))
	assert.NoError(t, assertSubmittedContains(result, Assertion{Layers: []string{"video@D1"}, Display: intPtr(1)}))

	err := assertSubmittedContains(result, Assertion{Layers: []string{"video@D1"}, Display: intPtr(0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "on D0")
}

func TestAssertFrameCount_ReadsStore(t *testing.T) {
	actx := newAssertionContext(t, []store.Frame{
		{Seq: 1, Display: 0, Presented: true},
		{Seq: 1, Display: 1, Presented: true},
		{Seq: 2, Display: 0, Dropped: true},
		{Seq: 2, Display: 1, Dropped: true},
	}, nil)
	result := NewResult()

	assert.NoError(t, assertFrameCount(actx, result, Assertion{Count: 2}))
	assert.NoError(t, assertDroppedCount(actx, result, Assertion{Count: 1}))
	assert.Error(t, assertFrameCount(actx, result, Assertion{Count: 4}))
}

func TestAssertCheckCount_ByCode(t *testing.T) {
	actx := newAssertionContext(t, nil, []store.Check{
		{Seq: 2, Display: 0, Code: string(system.CodeFenceTimeout), Message: "retire"},
		{Seq: 3, Display: 0, Code: string(system.CodeFenceTimeout), Message: "retire"},
		{Seq: 3, Display: 1, Code: string(system.CodeAllocFailed), Message: "pool"},
	})
	result := NewResult()

	assert.NoError(t, assertCheckCount(actx, result, Assertion{Count: 3}))
	assert.NoError(t, assertCheckCount(actx, result, Assertion{Count: 2, Code: "FENCE_TIMEOUT"}))
	assert.NoError(t, assertCheckCount(actx, result, Assertion{Count: 0, Code: "MALFORMED_LINE"}))

	err := assertCheckCount(actx, result, Assertion{Count: 0, Code: "ALLOC_FAILED"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check_count ALLOC_FAILED")
}

func TestAssertCloneCount_AddsReplayClones(t *testing.T) {
	result := NewResult()
	result.Pipeline.ClonesCreated = 1
	assert.NoError(t, assertCloneCount(result, Assertion{Count: 1}))

	result.Replay = &replay.Stats{Clones: 2}
	assert.NoError(t, assertCloneCount(result, Assertion{Count: 3}))
}

func TestAssertReplayStats(t *testing.T) {
	result := NewResult()
	err := assertReplayStats(result, Assertion{Field: "matches"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no replay ran")

	result.Replay = &replay.Stats{Frames: 4, Known: 2, Matches: 3, Allocations: 1}
	assert.NoError(t, assertReplayStats(result, Assertion{Field: "frames", Count: 4}))
	assert.NoError(t, assertReplayStats(result, Assertion{Field: "known", Count: 2}))
	assert.NoError(t, assertReplayStats(result, Assertion{Field: "matches", Count: 3}))
	assert.NoError(t, assertReplayStats(result, Assertion{Field: "allocations", Count: 1}))
	assert.Error(t, assertReplayStats(result, Assertion{Field: "clones", Count: 1}))
}

func TestReplayField_CoversValidatedFields(t *testing.T) {
	s := &replay.Stats{Frames: 1, Known: 2, Matches: 3, Allocations: 4, Clones: 5, Inconsistent: 6, Malformed: 7}
	want := map[string]int{
		"frames": 1, "known": 2, "matches": 3, "allocations": 4,
		"clones": 5, "inconsistent": 6, "malformed": 7, "degraded": 0,
	}
	for field := range replayFields {
		assert.Equal(t, want[field], replayField(s, field), field)
	}
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{{Type: "pixel_exact"}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `unknown assertion type "pixel_exact"`)
}

func TestEvaluateAssertions_AllPass(t *testing.T) {
	actx := newAssertionContext(t, []store.Frame{{Seq: 1, Display: 0, Presented: true}}, nil)
	result := NewResult()
	result.submitted = []pipeline.Recorded{recorded(0, "bg", "FramebufferTarget")}

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertFrameCount, Count: 1},
		{Type: AssertFenceLeaks, Count: 0},
		{Type: AssertCheckCount, Count: 0},
		{Type: AssertSubmittedContains, Layers: []string{"bg"}},
	}, actx)
	assert.Empty(t, errs)
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	var trace []string
	for i := 0; i < 25; i++ {
		trace = append(trace, "present D0 seq="+string(rune('a'+i)))
	}
	err := &AssertionError{
		Type:     AssertFrameCount,
		Expected: "3",
		Actual:   "2",
		Trace:    trace,
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: frame_count")
	assert.Contains(t, msg, "Expected: 3")
	assert.Contains(t, msg, "Actual: 2")
	assert.Contains(t, msg, "Trace (last 20 of 25)")
	assert.NotContains(t, msg, "seq=a\n")
	assert.Contains(t, msg, "seq=y\n")
	assert.Equal(t, maxTraceLines, strings.Count(msg, "present D0"))
}
