package db

import (
	"encoding/json"
	"testing"
)

func TestPoolStats_JSONFieldNames(t *testing.T) {
	stats := &PoolStats{TotalConns: 4, IdleConns: 3, AcquiredConns: 1, MaxConns: 20, Healthy: true}

	raw, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_count", "acquire_duration", "healthy"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q in %s", key, raw)
		}
	}
}
