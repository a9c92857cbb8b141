package harness

import (
	"github.com/roach88/compval/internal/pipeline"
	"github.com/roach88/compval/internal/replay"
	"github.com/roach88/compval/internal/system"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass indicates overall success: every assertion held.
	Pass bool `json:"pass"`

	// RunID identifies the run in the store.
	RunID string `json:"run_id"`

	// Trace is the compositor's event log: one line per submitted content
	// list or control event. It is what golden files compare.
	Trace []string `json:"trace"`

	// Errors contains assertion failure messages.
	Errors []string `json:"errors,omitempty"`

	// Pipeline holds the pipeline counters at the end of the run.
	Pipeline pipeline.Stats `json:"pipeline"`

	// Replay holds the reconciler counters of a trace scenario.
	Replay *replay.Stats `json:"replay,omitempty"`

	// Checks are the validation failures recorded during the run.
	Checks []*system.CheckError `json:"-"`

	// OpenFences is the fence handle count after teardown.
	OpenFences int64 `json:"open_fences"`

	submitted []pipeline.Recorded
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []string{},
		Errors: []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
