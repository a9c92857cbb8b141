package store

import "time"

// Run identifies one CLI invocation.
type Run struct {
	ID        string
	Command   string
	Source    string
	MatchMode string
	Params    map[string]string
	StartedAt time.Time
}

// Run statuses.
const (
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
)

// RunSummary is a run with its aggregate counts.
type RunSummary struct {
	Run
	Status  string
	Frames  int
	Dropped int
	Checks  int
}

// Frame is one display's part of a submitted frame.
type Frame struct {
	Seq       int64
	Display   int
	Dropped   bool
	Layers    int
	Presented bool
	Refilled  bool
	Skipped   string
	Digest    string
}

// Check is a recorded validation failure.
type Check struct {
	Seq     int64
	Display int
	Code    string
	Message string
}

// Segment is the stored form of a replay segment.
type Segment struct {
	Index        int
	Frames       int
	Matches      int
	Allocations  int
	Clones       int
	Inconsistent int
	Misses       int
}
