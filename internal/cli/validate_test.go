package cli

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand_ValidFiles(t *testing.T) {
	dir := t.TempDir()
	scenario := writeFile(t, dir, "static.yaml", staticScenario)
	tr := writeFile(t, dir, "a.trace", twoFrameTrace+"--- capture restarted ---\n"+twoFrameTrace)

	out, err := execute(t, "validate", scenario, tr)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ "+scenario+" (scenario)")
	assert.Contains(t, out, "9 records, 0 malformed, 2 segments")
	assert.Contains(t, out, "✓ All files valid")
}

func TestValidateCommand_InvalidScenario(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", strings.Replace(staticScenario, "frames: 2", "frames: 2\n    stall: true", 1))

	out, err := execute(t, "validate", path, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var result ValidationResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "error", resp.Status)
	assert.False(t, result.Valid)
	require.Len(t, result.Files, 1)
	assert.Contains(t, result.Files[0].Errors[0], "exactly one action")
}

func TestValidateCommand_MalformedTraceLines(t *testing.T) {
	var b strings.Builder
	b.WriteString(twoFrameTrace)
	for i := 0; i < maxReportedLines+2; i++ {
		fmt.Fprintf(&b, "  %d OV 0x%x garbage\n", i, i)
	}
	path := writeFile(t, t.TempDir(), "a.trace", b.String())

	out, err := execute(t, "validate", path, "--format", "json")
	require.Error(t, err)

	var result ValidationResult
	decodeResponse(t, out, &result)
	require.Len(t, result.Files, 1)
	fv := result.Files[0]
	assert.Equal(t, "trace", fv.Kind)
	assert.Equal(t, maxReportedLines+2, fv.Malformed)
	assert.Equal(t, 4, fv.Records)
	require.Len(t, fv.Errors, maxReportedLines+1)
	assert.Contains(t, fv.Errors[0], "line 5:")
	assert.Equal(t, "... 2 more malformed lines", fv.Errors[maxReportedLines])
}

func TestValidateCommand_MissingFile(t *testing.T) {
	_, err := execute(t, "validate", "/nonexistent.trace")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
