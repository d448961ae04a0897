// Package corolog is the structured logging facade used by every CORE
// subsystem. It wraps a single process-wide zap.Logger the way the
// teacher's log package wraps one for the whole redis clone.
package corolog

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	base *zap.Logger
	once sync.Once
)

// Init builds the process-wide logger. Safe to call more than once; only
// the first call takes effect. Loc defaults to time.Local when nil.
func Init(loc *time.Location) {
	once.Do(func() {
		if loc == nil {
			loc = time.Local
		}
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.In(loc).Format(time.RFC3339))
		}
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			// Fall back to a no-op logger rather than leaving base nil;
			// every subsystem calls L() unconditionally.
			logger = zap.NewNop()
		}
		base = logger
	})
}

// L returns the process-wide logger, initializing it with defaults on
// first use if Init was never called.
func L() *zap.Logger {
	if base == nil {
		Init(nil)
	}
	return base
}

// Component returns a child logger tagged with the given subsystem name,
// e.g. corolog.Component("processor").
func Component(name string) *zap.Logger {
	return L().With(zap.String("component", name))
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() error {
	if base == nil {
		return nil
	}
	return base.Sync()
}
