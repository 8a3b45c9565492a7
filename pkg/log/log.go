// Package log is the structured logger of the chargepeer binaries. It wraps
// zap behind a small key/value interface and exposes a process-wide logger
// through package-level functions.
package log

import (
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface used across chargepeer.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	// Error logs at error level with err attached under the "error" key.
	Error(err error, msg string, keysAndValues ...any)

	// WithName appends a segment to the logger name.
	WithName(name string) Logger
	// WithValues returns a logger that adds keysAndValues to every entry.
	WithValues(keysAndValues ...any) Logger

	// Logr adapts the logger for libraries that take a logr.Logger.
	Logr() logr.Logger
}

var _ Logger = (*zapLogger)(nil)

type zapLogger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

// NewLogger builds a Logger from opts. Nil opts use NewOptions.
func NewLogger(opts *Options) Logger {
	if opts == nil {
		opts = NewOptions()
	}
	z, level, err := opts.build()
	if err != nil {
		panic(fmt.Sprintf("failed to build zap logger: %v", err))
	}
	return &zapLogger{z: z, level: level}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	return &zapLogger{z: zap.NewNop(), level: zap.NewAtomicLevel()}
}

func (l *zapLogger) Debug(msg string, keysAndValues ...any) {
	l.z.Debug(msg, toFields(keysAndValues...)...)
}

func (l *zapLogger) Info(msg string, keysAndValues ...any) {
	l.z.Info(msg, toFields(keysAndValues...)...)
}

func (l *zapLogger) Warn(msg string, keysAndValues ...any) {
	l.z.Warn(msg, toFields(keysAndValues...)...)
}

func (l *zapLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := toFields(keysAndValues...)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	l.z.Error(msg, fields...)
}

func (l *zapLogger) WithName(name string) Logger {
	return &zapLogger{z: l.z.Named(name), level: l.level}
}

func (l *zapLogger) WithValues(keysAndValues ...any) Logger {
	return &zapLogger{z: l.z.With(toFields(keysAndValues...)...), level: l.level}
}

func (l *zapLogger) Logr() logr.Logger {
	return zapr.NewLogger(l.z)
}

var std atomic.Pointer[zapLogger]

func init() {
	std.Store(NewNopLogger().(*zapLogger))
}

// Init replaces the process logger. Loggers derived earlier keep writing to
// the previous one.
func Init(opts *Options) {
	std.Store(NewLogger(opts).(*zapLogger))
}

// Std returns the process logger.
func Std() Logger {
	return std.Load()
}

// SetLevel changes the level of the process logger and every logger derived
// from it since Init.
func SetLevel(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	std.Load().level.SetLevel(lvl)
	return nil
}

// GetLevel returns the current level of the process logger.
func GetLevel() string {
	return std.Load().level.Level().String()
}

func Debug(msg string, keysAndValues ...any)            { std.Load().Debug(msg, keysAndValues...) }
func Info(msg string, keysAndValues ...any)             { std.Load().Info(msg, keysAndValues...) }
func Warn(msg string, keysAndValues ...any)             { std.Load().Warn(msg, keysAndValues...) }
func Error(err error, msg string, keysAndValues ...any) { std.Load().Error(err, msg, keysAndValues...) }
func WithName(name string) Logger                       { return std.Load().WithName(name) }
func WithValues(keysAndValues ...any) Logger            { return std.Load().WithValues(keysAndValues...) }
func Logr() logr.Logger                                 { return std.Load().Logr() }
