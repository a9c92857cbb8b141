package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// twoFrameTrace is a live trace in which the one layer's buffer is renamed
// between frames.
const twoFrameTrace = `1.000000 D0 onSet retire:-1 acq:-1 outbuf:0x0 flags:0x1
  0 OV 0x1000 FB0 TR:0 RH:0 BL:BL A:ff RGBA 100x100 0.0,0.0,100.0,100.0 -> 0,0,100,100 acq:-1 rel:-1 V:{0,0,100,100} U:0x900 Hi:0 Fl:0
1.016000 D0 onSet retire:-1 acq:-1 outbuf:0x0 flags:0x0
  0 OV 0x2000 FB0 TR:0 RH:0 BL:BL A:ff RGBA 100x100 0.0,0.0,100.0,100.0 -> 0,0,100,100 acq:-1 rel:-1 V:{0,0,100,100} U:0x900 Hi:0 Fl:0
`

const staticScenario = `name: static
description: "One client layer"
displays:
  - {id: 0, width: 64, height: 32}
layers:
  - {name: bg, width: 16, height: 16, composition: GL}
steps:
  - frames: 2
assertions:
  - {type: frame_count, count: 2}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs the root command with args and returns stdout and the
// command error.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// decodeResponse decodes a JSON response and re-decodes its data into v.
func decodeResponse(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.NewDecoder(strings.NewReader(out)).Decode(&resp), out)
	if v != nil && resp.Data != nil {
		data, err := json.Marshal(resp.Data)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, v))
	}
	return resp
}
