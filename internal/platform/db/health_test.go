package db

import (
	"encoding/json"
	"testing"
)

// The /health endpoint is what ward dashboards poll; its pool payload keys
// are a contract, so the json tags are asserted explicitly.
func TestPoolStatsJSONContract(t *testing.T) {
	stats := &PoolStats{
		TotalConns:      8,
		IdleConns:       3,
		AcquiredConns:   5,
		MaxConns:        20,
		AcquireCount:    412,
		AcquireDuration: "1.5s",
		Healthy:         true,
	}

	raw, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{
		"total_conns", "idle_conns", "acquired_conns",
		"max_conns", "acquire_count", "acquire_duration", "healthy",
	} {
		if _, ok := m[key]; !ok {
			t.Errorf("payload missing key %q: %s", key, raw)
		}
	}
	if m["total_conns"].(float64) != 8 {
		t.Errorf("total_conns = %v, want 8", m["total_conns"])
	}
	if m["healthy"] != true {
		t.Errorf("healthy = %v, want true", m["healthy"])
	}
}

func TestPoolStatsUnhealthyWithoutConnections(t *testing.T) {
	stats := &PoolStats{MaxConns: 20, AcquireDuration: "0s"}
	if stats.Healthy {
		t.Error("a pool with no connections must not report healthy")
	}
}
