package ids

import (
	"testing"
	"time"
)

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := New()
		if len(id) != 26 {
			t.Fatalf("unexpected id length: %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewAtOrdersByTime(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	earlier := NewAt(base)
	later := NewAt(base.Add(time.Minute))
	if !(earlier < later) {
		t.Fatalf("ids not ordered by timestamp: %s >= %s", earlier, later)
	}
}
