package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		enable slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"warn level", "warn", slog.LevelWarn},
		{"warning alias", "WARNING", slog.LevelWarn},
		{"default info", "", slog.LevelInfo},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level)
			if !logger.Enabled(ctx, tt.enable) {
				t.Fatalf("expected level %s to be enabled", tt.enable)
			}
		})
	}
}

func TestDefaultLogger(t *testing.T) {
	logger := Default()
	logger.Info("test message", "key", "value")

	ctx := context.Background()
	if !logger.Enabled(ctx, slog.LevelInfo) {
		t.Error("Default() should enable info level")
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("Default() should not enable debug level")
	}
	if logger == Default() {
		t.Error("Default() returned the same instance twice")
	}
}

func TestWithComponentTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("info", &buf).WithComponent("scheduler")
	logger.Info("round started", "lead_days", 3)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["component"] != "scheduler" {
		t.Fatalf("expected component attribute, got %v", record["component"])
	}
	if record["lead_days"] != float64(3) {
		t.Fatalf("expected lead_days attribute, got %v", record["lead_days"])
	}
}

func TestNilLoggerHelpers(t *testing.T) {
	var l *Logger
	if l.WithComponent("x") == nil {
		t.Fatal("expected non-nil logger from nil receiver")
	}
	if l.With("k", "v") == nil {
		t.Fatal("expected non-nil logger from nil receiver")
	}
}
