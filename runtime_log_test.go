// runtime_log_test.go - log level parsing tests

package main

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

// ============================================================================
// initLogger
// ============================================================================

// swapDefaultLogger restores the process default logger after the test, so
// level changes made here never leak into other tests.
func swapDefaultLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	t.Cleanup(func() { slog.SetDefault(old) })
}

func TestInitLoggerLevelThresholds(t *testing.T) {
	swapDefaultLogger(t)
	ctx := context.Background()

	cases := []struct {
		level    string
		enabled  slog.Level
		disabled slog.Level
	}{
		{"trace", LevelTrace, LevelTrace - 1},
		{"debug", slog.LevelDebug, LevelTrace},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"warning", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"crit", LevelCrit, slog.LevelError},
		{"ERROR", slog.LevelError, slog.LevelWarn},
		{"  Info  ", slog.LevelInfo, slog.LevelDebug},
	}
	for _, tc := range cases {
		if err := initLogger(tc.level); err != nil {
			t.Fatalf("initLogger(%q) failed: %v", tc.level, err)
		}
		if !slog.Default().Enabled(ctx, tc.enabled) {
			t.Errorf("level %q: expected %v enabled", tc.level, tc.enabled)
		}
		if slog.Default().Enabled(ctx, tc.disabled) {
			t.Errorf("level %q: expected %v disabled", tc.level, tc.disabled)
		}
	}
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	swapDefaultLogger(t)

	err := initLogger("loud")
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
	if !strings.Contains(err.Error(), "unknown log level") {
		t.Fatalf("unexpected error text: %v", err)
	}
}
