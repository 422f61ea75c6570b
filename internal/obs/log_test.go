package obs

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEventLineCarriesTypeAndLevel(t *testing.T) {
	line := EventLine("sweeper", "warn", map[string]any{"expired": 3, "error": "store down"})

	var got map[string]any
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("not valid JSON: %v (%s)", err, line)
	}
	if got["type"] != "sweeper" || got["level"] != "warn" {
		t.Fatalf("line = %s", line)
	}
	if got["expired"] != float64(3) || got["error"] != "store down" {
		t.Fatalf("fields dropped: %s", line)
	}
}

func TestEventLineDoesNotMutateCallerFields(t *testing.T) {
	fields := map[string]any{"user_id": "staff-17"}
	_ = EventLine("notify", "info", fields)

	if len(fields) != 1 {
		t.Fatalf("caller map mutated: %v", fields)
	}
}

func TestEventLineSurvivesUnmarshalableField(t *testing.T) {
	line := EventLine("notify", "info", map[string]any{"bad": make(chan int)})
	if !strings.Contains(line, "log marshal failed") {
		t.Fatalf("line = %s", line)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("fallback is not valid JSON: %v", err)
	}
}
