package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	c := e.NewContext(req, httptest.NewRecorder())
	return FromContext(c)
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "/blood-bank/issue", DefaultLimit, 0},
		{"explicit page", "/blood-bank/issue?limit=50&offset=10", 50, 10},
		{"limit capped", "/blood-bank/issue?limit=5000", MaxLimit, 0},
		{"negative offset clamped", "/blood-bank/issue?offset=-5", DefaultLimit, 0},
		{"garbage ignored", "/blood-bank/issue?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := paramsFor(t, tt.target)
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("params = %d/%d, want %d/%d", p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestSQL(t *testing.T) {
	p := Params{Limit: 20, Offset: 40}
	if got := p.SQL(); got != "LIMIT 20 OFFSET 40" {
		t.Errorf("SQL() = %q", got)
	}
}

func TestNewResponseEnvelope(t *testing.T) {
	type row struct {
		ID string `json:"id"`
	}
	data := []row{{"issue-1"}, {"issue-2"}, {"issue-3"}}

	r := NewResponse(data, 10, 3, 0)
	if r.Total != 10 {
		t.Errorf("total = %d, want 10", r.Total)
	}
	if !r.HasMore {
		t.Error("expected has_more when offset+limit < total")
	}

	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"data", "total", "limit", "offset", "has_more"} {
		if _, ok := m[key]; !ok {
			t.Errorf("envelope missing key %q: %s", key, raw)
		}
	}

	last := NewResponse(data, 3, 3, 0)
	if last.HasMore {
		t.Error("expected has_more false on the final page")
	}
}

func TestPageNavigation(t *testing.T) {
	tests := []struct {
		name     string
		params   Params
		total    int
		next     bool
		previous bool
	}{
		{"first of many", Params{Limit: 10, Offset: 0}, 25, true, false},
		{"middle", Params{Limit: 10, Offset: 10}, 25, true, true},
		{"last partial page", Params{Limit: 10, Offset: 20}, 25, false, true},
		{"past the end", Params{Limit: 10, Offset: 30}, 25, false, true},
		{"empty result", Params{Limit: 10, Offset: 0}, 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params.HasNext(tt.total); got != tt.next {
				t.Errorf("HasNext(%d) = %v, want %v", tt.total, got, tt.next)
			}
			if got := tt.params.HasPrevious(); got != tt.previous {
				t.Errorf("HasPrevious() = %v, want %v", got, tt.previous)
			}
		})
	}
}

func TestOffsetStepping(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if got := p.NextOffset(); got != 15 {
		t.Errorf("NextOffset() = %d, want 15", got)
	}
	if got := (Params{Limit: 10, Offset: 5}).PreviousOffset(); got != 0 {
		t.Errorf("PreviousOffset() = %d, want 0 (clamped)", got)
	}
	if got := (Params{Limit: 10, Offset: 20}).PreviousOffset(); got != 10 {
		t.Errorf("PreviousOffset() = %d, want 10", got)
	}
}
