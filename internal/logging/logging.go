// Package logging configures the process-wide slog default handler.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Setup installs a JSON slog handler at the given level, with log
// timestamps rendered in the given IANA timezone. It replaces the
// default logger for the whole process.
func Setup(level, timezone string) error {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", timezone, err)
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.TimeValue(t.In(loc))
				}
			}
			return a
		},
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
