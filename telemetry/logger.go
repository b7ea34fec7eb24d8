// Package telemetry provides the structured logger used throughout
// worker/dispatcher. Configuration loading is explicitly out of scope
// (spec.md §1), so this package only builds sane in-process defaults -
// it never reads a file or environment variable.
package telemetry

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewDevelopment returns a human-readable logger suitable for local runs
// and tests, matching zap's own development preset.
func NewDevelopment() *zap.Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		// zap.NewDevelopment only fails on encoder misconfiguration,
		// which cannot happen with the built-in preset.
		return zap.NewNop()
	}
	return l
}

// NewProduction returns a JSON logger at Info level, matching zap's
// production preset.
func NewProduction() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Nop returns a logger that discards everything, used as the default when
// the caller does not supply one.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// WorkerField and TaskField are the two correlation fields this library's
// log lines attach (each line carries one or both), so a single worker's
// or task's history can be grepped out of a shared log stream.
func WorkerField(id int) zapcore.Field {
	return zap.Int("worker_id", id)
}

func TaskField(id string) zapcore.Field {
	return zap.String("task_id", id)
}
