package utils

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLoggerToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLoggerTo(&buf, "warn", true), "scheduler")
	logger.Info("suppressed")
	logger.Warn("sweep failed", slog.Int("skipped", 2))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected a single JSON record, got %q: %v", buf.String(), err)
	}
	if record["component"] != "scheduler" || record["msg"] != "sweep failed" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("WARNING") != slog.LevelWarn || ParseLevel("nonsense") != slog.LevelInfo {
		t.Fatalf("unexpected level mapping")
	}
}
