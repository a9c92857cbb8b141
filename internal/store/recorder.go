package store

import (
	"context"

	"github.com/roach88/compval/internal/pipeline"
	"github.com/roach88/compval/internal/replay"
	"github.com/roach88/compval/internal/system"
)

// Recorder collects a run's frame reports in memory and writes them, with
// the run's checks and segments, when the run ends.
//
// Thread-safety: none. Frame is called from the frame goroutine.
type Recorder struct {
	frames []Frame
}

// Frame records one pipeline report. Its signature fits
// replay.WithFrameHandler.
func (r *Recorder) Frame(rep *pipeline.Report) {
	for _, d := range rep.Displays {
		r.frames = append(r.frames, Frame{
			Seq:       rep.Seq,
			Display:   int(d.Display),
			Dropped:   rep.Dropped,
			Layers:    d.Layers,
			Presented: d.Presented,
			Refilled:  d.Refilled,
			Skipped:   d.Skipped,
			Digest:    d.Digest,
		})
	}
}

// Frames returns the frames recorded so far.
func (r *Recorder) Frames() []Frame { return r.frames }

// Commit writes everything recorded for runID and sets the run's final
// status: failed when any check was recorded.
func (r *Recorder) Commit(ctx context.Context, s *Store, runID string, checks []*system.CheckError, segments []replay.Segment) error {
	if err := s.WriteFrames(ctx, runID, r.frames); err != nil {
		return err
	}
	if err := s.WriteChecks(ctx, runID, ChecksFrom(checks)); err != nil {
		return err
	}
	if err := s.WriteSegments(ctx, runID, SegmentsFrom(segments)); err != nil {
		return err
	}
	status := StatusPassed
	if len(checks) > 0 {
		status = StatusFailed
	}
	return s.FinishRun(ctx, runID, status)
}

// ChecksFrom converts recorded validation failures to rows.
func ChecksFrom(checks []*system.CheckError) []Check {
	out := make([]Check, len(checks))
	for i, c := range checks {
		out[i] = Check{Seq: c.Frame, Display: c.Display, Code: string(c.Code), Message: c.Message}
	}
	return out
}

// SegmentsFrom converts replay segments to rows.
func SegmentsFrom(segments []replay.Segment) []Segment {
	out := make([]Segment, len(segments))
	for i, seg := range segments {
		out[i] = Segment{
			Index:        seg.Index,
			Frames:       seg.Frames,
			Matches:      seg.Matches,
			Allocations:  seg.Allocations,
			Clones:       seg.Clones,
			Inconsistent: seg.Inconsistent,
			Misses:       seg.Misses,
		}
	}
	return out
}
