package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// marshalParams converts run parameters to JSON TEXT. Map keys are sorted
// by encoding/json, so equal parameters store identically.
func marshalParams(params map[string]string) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(params); err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func unmarshalParams(data string) (map[string]string, error) {
	params := map[string]string{}
	if data == "" || data == "{}" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(data), &params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	return params, nil
}
