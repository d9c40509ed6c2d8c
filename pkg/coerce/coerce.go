// Package coerce normalizes loosely typed values arriving from bedside
// clients. Tablets and scanner integrations send booleans as strings and
// numbers as either JSON numbers or quoted strings; the handlers pass those
// raw values through here before they reach the domain layer.
package coerce

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Truthy reports whether v represents an affirmative flag. Accepted forms
// are booleans, the strings "1", "true", "yes" and "on" (case-insensitive,
// surrounding whitespace ignored) and non-zero numbers. Everything else,
// including nil, is false.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true
		}
		return false
	case float64:
		return t != 0
	case int:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	default:
		return false
	}
}

// OptionalNumber converts v to a float64 when it carries a numeric value.
// It returns nil for nil, empty strings and anything non-numeric, so absent
// vitals fields stay absent instead of collapsing to zero.
func OptionalNumber(v interface{}) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case int:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil
		}
		return &f
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

// OptionalString trims v when it is a string and returns nil when the
// result is empty or v is not a string.
func OptionalString(v interface{}) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
