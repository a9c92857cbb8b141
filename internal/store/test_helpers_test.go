package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// beginTestRun inserts a replay run with fixed fields.
func beginTestRun(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.BeginRun(context.Background(), Run{
		ID:        id,
		Command:   "replay",
		Source:    "testdata/" + id + ".trace",
		MatchMode: "frame",
		Params:    map[string]string{"fence_timeout": "1s"},
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("BeginRun() failed: %v", err)
	}
}
