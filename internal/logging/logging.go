// Package logging wires the process-wide structured logger and the
// per-call contextual loggers the orchestrator binds to {unique_id,
// caller_id} in step 3 of the channel-enter algorithm.
package logging

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	base *zap.Logger
	once sync.Once
)

// Init builds the process logger from a textual level ("debug", "info",
// "warn", "error"; anything else falls back to "info"). Safe to call more
// than once; only the first call takes effect.
func Init(level string) *zap.Logger {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		if lvl, err := zap.ParseAtomicLevel(strings.ToLower(level)); err == nil {
			cfg.Level = lvl
		}
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

// Base returns the process logger, initializing it at info level if Init
// was never called.
func Base() *zap.Logger {
	if base == nil {
		return Init("info")
	}
	return base
}

// ForCall returns a logger with unique_id and caller_id bound as fields,
// per spec.md §4.7 step 3.
func ForCall(uniqueID, callerID string) *zap.SugaredLogger {
	return Base().With(
		zap.String("unique_id", uniqueID),
		zap.String("caller_id", callerID),
	).Sugar()
}
