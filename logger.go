package taskscheduler

import "go.uber.org/zap"

// Field is a structured logging field. It is an alias of zap.Field, so
// callers pass zap.String/zap.Int/... directly and zap's field type is
// part of this package's public surface.
type Field = zap.Field

// Logger is the log sink the scheduler requires (spec.md §1): a small
// level+message+fields interface. The default implementation wraps
// go.uber.org/zap, grounded on the corpus's own worker-pool code
// (cloudflare media-toolkit's internal/workers package imports
// go.uber.org/zap directly for exactly this kind of lifecycle logging).
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

type zapLogger struct {
	z *zap.Logger
}

// NewProductionLogger returns a zap-backed Logger using zap's JSON
// production configuration.
func NewProductionLogger() Logger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return &zapLogger{z: z}
}

// NewDevelopmentLogger returns a zap-backed Logger using zap's
// human-readable development configuration.
func NewDevelopmentLogger() Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		z = zap.NewNop()
	}
	return &zapLogger{z: z}
}

// NewNopLogger returns a Logger that discards everything, for tests.
func NewNopLogger() Logger {
	return &zapLogger{z: zap.NewNop()}
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }
