package fmi

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

// Logger returns the package logger. It uses a no-op logger by default.
//
// Messages an FMU reports through its fmi2CallbackLogger are written here.
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	logger.CompareAndSwap(nil, zap.NewNop())
	return logger.Load()
}

// SetLogger configures the package logger. A nil logger restores the no-op
// default.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// logFMUMessage forwards an FMU log record. Status selects the level.
func logFMUMessage(instance string, status Status, category, message string) {
	l := Logger()
	fields := []zap.Field{
		zap.String("instance", instance),
		zap.Stringer("status", status),
		zap.String("category", category),
	}
	switch status {
	case StatusOK:
		l.Info(message, fields...)
	case StatusWarning, StatusDiscard, StatusPending:
		l.Warn(message, fields...)
	default:
		l.Error(message, fields...)
	}
}
