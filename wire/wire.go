// Package wire encodes and decodes stream field values.
//
// Every value carried on a broker stream is a string. Producers encode
// non-scalar values (maps, slices) as canonical JSON via Stringify;
// consumers recover structured values with ParseDict. ParseDict is
// deliberately permissive: beyond strict JSON it accepts single-quoted
// dictionary literals, which still appear in reference data and result
// payloads written by older producers.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotDict is returned by ParseDict when the input parses to something
// other than a dictionary.
var ErrNotDict = errors.New("value is not a dictionary")

// Stringify converts a value into its stream wire form. Strings pass
// through unchanged, scalars use their canonical textual form, and maps
// and slices are encoded as JSON. A nil value encodes as "null".
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// StringifyFields converts a field map with structured values into the
// string-only form required by stream entries.
func StringifyFields(fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = Stringify(v)
	}
	return out
}

// MarshalDict encodes a dictionary as canonical JSON. It is the inverse
// of ParseDict for dictionaries produced by handlers.
func MarshalDict(d map[string]any) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal dict: %w", err)
	}
	return string(b), nil
}

// ParseDict converts a string into a dictionary using multiple strategies,
// in order:
//
//  1. strict JSON
//  2. permissive literal parse accepting single-quoted strings
//  3. unescape escaped single quotes and retry (2)
//
// Integral numbers decode as int64, other numbers as float64, at every
// nesting level. ParseDict returns ErrNotDict (wrapped) when no strategy
// yields a dictionary.
func ParseDict(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("parse dict: empty input: %w", ErrNotDict)
	}

	if d, err := parseJSONDict(s); err == nil {
		return d, nil
	}
	if d, err := parseLiteralDict(s); err == nil {
		return d, nil
	}
	cleaned := strings.ReplaceAll(s, `\'`, `'`)
	if d, err := parseLiteralDict(cleaned); err == nil {
		return d, nil
	}
	return nil, fmt.Errorf("parse dict %q: %w", truncate(s, 80), ErrNotDict)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func parseJSONDict(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	d, ok := normalize(v).(map[string]any)
	if !ok {
		return nil, ErrNotDict
	}
	return d, nil
}

// normalize rewrites json.Number values into int64 or float64 recursively.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(t.String(), 64); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	default:
		return v
	}
}
