// runtime_log.go - Leveled logging setup for the BrickEngine runtime

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Levels below slog's built-ins, used for per-instruction tracing.
const (
	LevelTrace = slog.Level(-8)
	LevelCrit  = slog.Level(12)
)

// initLogger installs the process-wide slog default. Level names follow the
// usual ladder plus "trace" below debug and "crit" above error. The engine
// and devices log through slog.Default(), so tests that never call this get
// the stock handler.
func initLogger(level string) error {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		lvl = LevelTrace
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "crit":
		lvl = LevelCrit
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				switch a.Value.Any().(slog.Level) {
				case LevelTrace:
					a.Value = slog.StringValue("TRACE")
				case LevelCrit:
					a.Value = slog.StringValue("CRIT")
				}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(h))
	return nil
}
