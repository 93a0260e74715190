// Package logging provides named, leveled loggers for the estimator, backed by zap.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface handed to every component. It is a strict
// subset of *zap.SugaredLogger plus level control and subloggers.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	SetLevel(level Level)
	GetLevel() Level
	Sublogger(name string) Logger
	AsZap() *zap.SugaredLogger
}

var (
	globalMu     sync.RWMutex
	globalLogger = NewLogger("global")
)

// ReplaceGlobal replaces the package-level fallback logger.
func ReplaceGlobal(logger Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// Global returns the package-level fallback logger.
func Global() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// NewZapLoggerConfig returns the default console encoder configuration.
func NewZapLoggerConfig() zap.Config {
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

type impl struct {
	name  string
	level AtomicLevel
	base  *zap.SugaredLogger
}

// NewLogger returns a named logger that writes Info and above to stdout.
func NewLogger(name string) Logger {
	return newImpl(name, NewAtomicLevelAt(INFO))
}

// NewDebugLogger returns a named logger that writes Debug and above to stdout.
func NewDebugLogger(name string) Logger {
	return newImpl(name, NewAtomicLevelAt(DEBUG))
}

func newImpl(name string, level AtomicLevel) *impl {
	config := NewZapLoggerConfig()
	config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	base := zap.Must(config.Build(zap.AddCallerSkip(1))).Sugar().Named(name)
	return &impl{name: name, level: level, base: base}
}

func (imp *impl) shouldLog(l Level) bool {
	return l >= imp.level.Get()
}

func (imp *impl) Debug(args ...interface{}) {
	if imp.shouldLog(DEBUG) {
		imp.base.Debug(args...)
	}
}

func (imp *impl) Debugf(format string, args ...interface{}) {
	if imp.shouldLog(DEBUG) {
		imp.base.Debugf(format, args...)
	}
}

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	if imp.shouldLog(DEBUG) {
		imp.base.Debugw(msg, keysAndValues...)
	}
}

func (imp *impl) Info(args ...interface{}) {
	if imp.shouldLog(INFO) {
		imp.base.Info(args...)
	}
}

func (imp *impl) Infof(format string, args ...interface{}) {
	if imp.shouldLog(INFO) {
		imp.base.Infof(format, args...)
	}
}

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	if imp.shouldLog(INFO) {
		imp.base.Infow(msg, keysAndValues...)
	}
}

func (imp *impl) Warn(args ...interface{}) {
	if imp.shouldLog(WARN) {
		imp.base.Warn(args...)
	}
}

func (imp *impl) Warnf(format string, args ...interface{}) {
	if imp.shouldLog(WARN) {
		imp.base.Warnf(format, args...)
	}
}

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	if imp.shouldLog(WARN) {
		imp.base.Warnw(msg, keysAndValues...)
	}
}

func (imp *impl) Error(args ...interface{}) {
	if imp.shouldLog(ERROR) {
		imp.base.Error(args...)
	}
}

func (imp *impl) Errorf(format string, args ...interface{}) {
	if imp.shouldLog(ERROR) {
		imp.base.Errorf(format, args...)
	}
}

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	if imp.shouldLog(ERROR) {
		imp.base.Errorw(msg, keysAndValues...)
	}
}

func (imp *impl) Fatal(args ...interface{}) {
	imp.base.Fatal(args...)
}

func (imp *impl) Fatalf(format string, args ...interface{}) {
	imp.base.Fatalf(format, args...)
}

func (imp *impl) SetLevel(level Level) {
	imp.level.Set(level)
}

func (imp *impl) GetLevel() Level {
	return imp.level.Get()
}

func (imp *impl) Sublogger(name string) Logger {
	newName := name
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, name)
	}
	return &impl{
		name:  newName,
		level: NewAtomicLevelAt(imp.level.Get()),
		base:  imp.base.Named(name),
	}
}

func (imp *impl) AsZap() *zap.SugaredLogger {
	return imp.base
}

// FromZap wraps an existing sugared logger in the Logger interface.
func FromZap(name string, logger *zap.SugaredLogger) Logger {
	return &impl{name: name, level: NewAtomicLevelAt(DEBUG), base: logger}
}
