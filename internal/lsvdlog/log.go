// Package lsvdlog provides the engine's leveled logging helpers, a thin
// wrapper over a process-wide zap logger. Batch uploaders, the checkpoint
// timer, translation and write-cache recovery, read-cache line writes,
// backend async reads and the NVMe open fallback log through these rather
// than holding logger handles themselves.
package lsvdlog

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// SetLogger replaces the process logger. Passing nil installs a no-op
// logger, which tests use to silence output.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// Debug logs at debug level.
func Debug(msg string, fields ...zap.Field) {
	logger.Load().Debug(msg, fields...)
}

// Info logs at info level.
func Info(msg string, fields ...zap.Field) {
	logger.Load().Info(msg, fields...)
}

// Warn logs at warn level.
func Warn(msg string, fields ...zap.Field) {
	logger.Load().Warn(msg, fields...)
}

// Error logs at error level.
func Error(msg string, fields ...zap.Field) {
	logger.Load().Error(msg, fields...)
}

// Sync flushes buffered log entries.
func Sync() error {
	return logger.Load().Sync()
}
