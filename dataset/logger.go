package dataset

import (
	"context"
	"fmt"
	"log/slog"
)

// pebbleLogger routes pebble's internal messages through slog. Routine
// messages (WAL replay, compactions) are debug output.
type pebbleLogger struct {
	logger *slog.Logger
}

func newPebbleLogger(logger *slog.Logger) pebbleLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return pebbleLogger{logger: logger.With("subsystem", "pebble")}
}

// Infof implements pebble.Logger
func (l pebbleLogger) Infof(format string, args ...interface{}) {
	if !l.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Fatalf implements pebble.Logger. Pebble does not expect it to return.
func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.logger.Error("Pebble fatal error", "error", msg)
	panic(msg)
}
