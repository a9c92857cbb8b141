package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := execute(t, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := execute(t, "test", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyDir(t *testing.T) {
	out, err := execute(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommandUpdateThenMatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "static.yaml", staticScenario)

	out, err := execute(t, "test", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ static (golden updated)")

	golden, err := os.ReadFile(filepath.Join(dir, "golden", "static.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(golden), "present D0 seq=1 refill=true [GL bg")

	out, err = execute(t, "test", dir, "--format", "json")
	require.NoError(t, err)
	var result TestResult
	decodeResponse(t, out, &result)
	require.Len(t, result.Scenarios, 1)
	assert.Equal(t, "match", result.Scenarios[0].Golden)
	assert.Equal(t, 1, result.Passed)
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "static.yaml", staticScenario)
	writeFile(t, dir, "golden/static.golden", "present D0 seq=1 refill=false\n")

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ static")
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandFailingAssertion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", staticScenario)
	writeFile(t, dir, "b.yaml", `name: wrong
description: "Expects too many frames"
displays:
  - {id: 0, width: 64, height: 32}
layers:
  - {name: bg, width: 16, height: 16}
steps:
  - frames: 1
assertions:
  - {type: frame_count, count: 9}
`)

	out, err := execute(t, "test", dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var result TestResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, "missing", result.Scenarios[0].Golden)
}

func TestTestCommandFilterAndLoadError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.yaml", staticScenario)
	writeFile(t, dir, "broken.yaml", "name: [\n")

	out, err := execute(t, "test", dir, "--filter", "keep")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")

	out, err = execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "Load error")
}

func TestTestCommandRecordsRuns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "static.yaml", staticScenario)
	db := filepath.Join(dir, "runs.db")

	_, err := execute(t, "test", dir, "--db", db)
	require.NoError(t, err)
	_, err = execute(t, "test", dir, "--db", db)
	require.NoError(t, err)

	out, err := execute(t, "stats", "--db", db, "--format", "json")
	require.NoError(t, err)
	var runs []map[string]any
	decodeResponse(t, out, &runs)
	assert.Len(t, runs, 2)
}

func TestFindScenarioFiles_SkipsGolden(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "")
	writeFile(t, dir, "nested/b.yml", "")
	writeFile(t, dir, "golden/c.yaml", "")
	writeFile(t, dir, "notes.txt", "")

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "nested", "b.yml")}, files)

	_, err = findScenarioFiles(dir, "[")
	assert.Error(t, err)
}
