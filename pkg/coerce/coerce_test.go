package coerce

import (
	"encoding/json"
	"testing"
)

func TestTruthy(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want bool
	}{
		{"bool true", true, true},
		{"bool false", false, false},
		{"string 1", "1", true},
		{"string true", "true", true},
		{"string TRUE", "TRUE", true},
		{"string yes", "yes", true},
		{"string on", "on", true},
		{"string padded", "  Yes  ", true},
		{"string 0", "0", false},
		{"string false", "false", false},
		{"string empty", "", false},
		{"string garbage", "maybe", false},
		{"float nonzero", float64(2), true},
		{"float zero", float64(0), false},
		{"int nonzero", 3, true},
		{"json number", json.Number("1"), true},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truthy(tt.in); got != tt.want {
				t.Errorf("Truthy(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestOptionalNumber(t *testing.T) {
	if got := OptionalNumber(float64(98.6)); got == nil || *got != 98.6 {
		t.Errorf("expected 98.6, got %v", got)
	}
	if got := OptionalNumber("120"); got == nil || *got != 120 {
		t.Errorf("expected 120 from string, got %v", got)
	}
	if got := OptionalNumber(" 72.5 "); got == nil || *got != 72.5 {
		t.Errorf("expected 72.5 from padded string, got %v", got)
	}
	if got := OptionalNumber(json.Number("36.8")); got == nil || *got != 36.8 {
		t.Errorf("expected 36.8 from json.Number, got %v", got)
	}
	if got := OptionalNumber(""); got != nil {
		t.Errorf("expected nil for empty string, got %v", *got)
	}
	if got := OptionalNumber("n/a"); got != nil {
		t.Errorf("expected nil for non-numeric string, got %v", *got)
	}
	if got := OptionalNumber(nil); got != nil {
		t.Errorf("expected nil for nil, got %v", *got)
	}
	if got := OptionalNumber(true); got != nil {
		t.Errorf("expected nil for bool, got %v", *got)
	}
}

func TestOptionalString(t *testing.T) {
	if got := OptionalString("  unit-42 "); got == nil || *got != "unit-42" {
		t.Errorf("expected trimmed unit-42, got %v", got)
	}
	if got := OptionalString("   "); got != nil {
		t.Errorf("expected nil for blank string, got %q", *got)
	}
	if got := OptionalString(7); got != nil {
		t.Errorf("expected nil for non-string, got %q", *got)
	}
}
