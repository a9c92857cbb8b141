package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned when a run ID is not in the store.
var ErrRunNotFound = errors.New("run not found")

const runSummaryQuery = `
	SELECT r.id, r.command, r.source, r.match_mode, r.params, r.started_at, r.status,
		(SELECT COUNT(DISTINCT f.seq) FROM frames f WHERE f.run_id = r.id),
		(SELECT COUNT(DISTINCT f.seq) FROM frames f WHERE f.run_id = r.id AND f.dropped = 1),
		(SELECT COUNT(*) FROM checks c WHERE c.run_id = r.id)
	FROM runs r
`

// ListRuns returns every run in insertion order, newest last.
//
// Returns an empty slice (not nil) if the store holds no runs.
func (s *Store) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, runSummaryQuery+` ORDER BY r.rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		run, err := scanRunSummary(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRun returns one run. It returns ErrRunNotFound if the ID is unknown.
func (s *Store) ReadRun(ctx context.Context, runID string) (RunSummary, error) {
	row := s.db.QueryRowContext(ctx, runSummaryQuery+` WHERE r.id = ?`, runID)
	run, err := scanRunSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummary{}, fmt.Errorf("read run %s: %w", runID, ErrRunNotFound)
	}
	return run, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRunSummary(sc scanner) (RunSummary, error) {
	var (
		run     RunSummary
		params  string
		started string
	)
	err := sc.Scan(&run.ID, &run.Command, &run.Source, &run.MatchMode, &params, &started,
		&run.Status, &run.Frames, &run.Dropped, &run.Checks)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunSummary{}, err
		}
		return RunSummary{}, fmt.Errorf("scan run: %w", err)
	}
	if run.Params, err = unmarshalParams(params); err != nil {
		return RunSummary{}, err
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return RunSummary{}, fmt.Errorf("parse started_at: %w", err)
	}
	return run, nil
}

// ReadFrames returns a run's frame rows ordered by seq then display.
func (s *Store) ReadFrames(ctx context.Context, runID string) ([]Frame, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, display, dropped, layers, presented, refilled, skipped, digest
		FROM frames
		WHERE run_id = ?
		ORDER BY seq ASC, display ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	frames := []Frame{}
	for rows.Next() {
		var f Frame
		if err := rows.Scan(&f.Seq, &f.Display, &f.Dropped, &f.Layers, &f.Presented,
			&f.Refilled, &f.Skipped, &f.Digest); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frames: %w", err)
	}
	return frames, nil
}

// ReadChecks returns a run's validation failures in the order recorded.
func (s *Store) ReadChecks(ctx context.Context, runID string) ([]Check, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, display, code, message
		FROM checks
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query checks: %w", err)
	}
	defer rows.Close()

	checks := []Check{}
	for rows.Next() {
		var c Check
		if err := rows.Scan(&c.Seq, &c.Display, &c.Code, &c.Message); err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		checks = append(checks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checks: %w", err)
	}
	return checks, nil
}

// CheckCounts returns a run's validation failures counted by code.
func (s *Store) CheckCounts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, COUNT(*)
		FROM checks
		WHERE run_id = ?
		GROUP BY code
		ORDER BY code ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query check counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			code string
			n    int
		)
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("scan check count: %w", err)
		}
		counts[code] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate check counts: %w", err)
	}
	return counts, nil
}

// ReadSegments returns a run's replay segments in index order.
func (s *Store) ReadSegments(ctx context.Context, runID string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, frames, matches, allocations, clones, inconsistent, misses
		FROM segments
		WHERE run_id = ?
		ORDER BY idx ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	segments := []Segment{}
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.Index, &seg.Frames, &seg.Matches, &seg.Allocations,
			&seg.Clones, &seg.Inconsistent, &seg.Misses); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments: %w", err)
	}
	return segments, nil
}
