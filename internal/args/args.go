// Package args parses and serializes tool-call argument payloads
// defensively. The model controls the wire content, so nothing here
// returns an error: malformed input degrades to an empty map, and
// downstream code treats missing keys as absent fields.
package args

import (
	"encoding/json"
	"strings"
)

// Parse decodes a raw argument payload into a key/value map. Empty or
// malformed payloads yield an empty, non-nil map.
func Parse(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// Marshal serializes a map back to a payload string, "{}" on failure.
func Marshal(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// String returns the named field as a trimmed string, "" when absent or
// of another type.
func String(m map[string]any, key string) string {
	v, ok := m[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// Bool returns the named field as a bool, false when absent or of
// another type.
func Bool(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

// Int returns the named field as an int. JSON numbers decode as
// float64, so both forms are accepted.
func Int(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// Strings returns the named field as a string slice. A bare string is
// promoted to a one-element slice; non-string array members are
// skipped.
func Strings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
		return nil
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	}
	return nil
}
