package common

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// loggerPtr stores the active logger. Accessed atomically so SetLogger can race with logging
// from the snapshot workers.
var loggerPtr atomic.Pointer[zap.Logger]

func init() {
	loggerPtr.Store(zap.NewNop())
}

// SetLogger configures the logger used by every engine package.
// By default nothing is logged. Pass nil to restore the silent default.
//
// Levels used by the engine:
//   - Debug: buffer allocations, dispatch counts, pyramid rebuilds
//   - Info: lifecycle events (device selected, context initialized)
//   - Warn: configuration errors and rejected readbacks
//   - Error: capability and resource-exhaustion failures
//
// Parameters:
//   - l: the logger to install, or nil to disable logging
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	loggerPtr.Store(l)
}

// Logger returns the current engine logger.
//
// Returns:
//   - *zap.Logger: the active logger, never nil
func Logger() *zap.Logger {
	return loggerPtr.Load()
}
