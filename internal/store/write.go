package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BeginRun inserts a run in the running state.
// Uses ON CONFLICT(id) DO NOTHING - beginning the same run twice is a no-op.
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	params, err := marshalParams(run.Params)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	started := run.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, command, source, match_mode, params, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.Command,
		run.Source,
		run.MatchMode,
		params,
		started.UTC().Format(time.RFC3339Nano),
		StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun sets the final status of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, status, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

// WriteFrames appends frame rows for a run in one transaction.
// Uses ON CONFLICT DO NOTHING so a retried write keeps the first row.
func (s *Store) WriteFrames(ctx context.Context, runID string, frames []Frame) error {
	return s.inTx(ctx, "write frames", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO frames (run_id, seq, display, dropped, layers, presented, refilled, skipped, digest)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, seq, display) DO NOTHING
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, f := range frames {
			if _, err := stmt.ExecContext(ctx, runID, f.Seq, f.Display, f.Dropped, f.Layers,
				f.Presented, f.Refilled, f.Skipped, f.Digest); err != nil {
				return fmt.Errorf("frame %d display %d: %w", f.Seq, f.Display, err)
			}
		}
		return nil
	})
}

// WriteChecks appends validation failures for a run.
func (s *Store) WriteChecks(ctx context.Context, runID string, checks []Check) error {
	return s.inTx(ctx, "write checks", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO checks (run_id, seq, display, code, message)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, c := range checks {
			if _, err := stmt.ExecContext(ctx, runID, c.Seq, c.Display, c.Code, c.Message); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteSegments stores replay segment counts, replacing any stored for
// the same index.
func (s *Store) WriteSegments(ctx context.Context, runID string, segments []Segment) error {
	return s.inTx(ctx, "write segments", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO segments (run_id, idx, frames, matches, allocations, clones, inconsistent, misses)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, idx) DO UPDATE SET
				frames = excluded.frames,
				matches = excluded.matches,
				allocations = excluded.allocations,
				clones = excluded.clones,
				inconsistent = excluded.inconsistent,
				misses = excluded.misses
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, seg := range segments {
			if _, err := stmt.ExecContext(ctx, runID, seg.Index, seg.Frames, seg.Matches,
				seg.Allocations, seg.Clones, seg.Inconsistent, seg.Misses); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", op, err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}
