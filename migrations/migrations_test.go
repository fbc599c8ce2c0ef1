package migrations

import (
	"strings"
	"testing"
)

func TestNamesOrdered(t *testing.T) {
	names, err := Names()
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 4 {
		t.Fatalf("expected 4 migrations, got %d", len(names))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("migrations out of order: %v", names)
		}
	}
}

func TestTelemetryDedupConstraint(t *testing.T) {
	content, err := files.ReadFile("002_telemetry.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(content), "UNIQUE (device_uid, msg_id)") {
		t.Fatalf("telemetry table must be unique on device_uid, msg_id")
	}
}
