package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger keeps the printf-style call sites used across the services while
// writing structured output through zap.
type Logger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
}

// New returns a production logger at info level.
func New() *Logger {
	return NewWithLevel("info", false)
}

// NewWithLevel builds a logger for the given level name. Development mode
// switches to console encoding with stack traces on warnings.
func NewWithLevel(level string, development bool) *Logger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		base = zap.NewExample()
	}
	return wrap(base)
}

// NewNop discards everything.
func NewNop() *Logger {
	return wrap(zap.NewNop())
}

func wrap(base *zap.Logger) *Logger {
	return &Logger{base: base, sugar: base.Sugar()}
}

func parseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a child logger that attaches key=value to every entry.
func (l *Logger) With(key string, value interface{}) *Logger {
	return wrap(l.base.With(zap.Any(key, value)))
}

// Zap exposes the underlying logger for libraries that accept one.
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

func (l *Logger) Sync() error {
	return l.base.Sync()
}
