package utils

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var current atomic.Pointer[zap.Logger]

func init() {
	current.Store(zap.NewNop())
}

// InitLogger replaces the process logger. Development mode uses the coloured
// console encoder, otherwise output is JSON.
func InitLogger(level string, development bool) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.ConsoleSeparator = " | "
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stdout"}

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	SetLogger(logger)
	return nil
}

// SetLogger installs l as the process logger. Tests use zaptest/observer loggers.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	current.Store(l)
}

// L returns the structured process logger.
func L() *zap.Logger {
	return current.Load()
}

// Sync flushes buffered log entries.
func Sync() {
	_ = current.Load().Sync()
}

func Debug(format string, a ...interface{}) {
	current.Load().Debug(fmt.Sprintf(format, a...))
}

func Info(format string, a ...interface{}) {
	current.Load().Info(fmt.Sprintf(format, a...))
}

func Success(format string, a ...interface{}) {
	current.Load().Info(fmt.Sprintf(format, a...), zap.Bool("ok", true))
}

func Warn(format string, a ...interface{}) {
	current.Load().Warn(fmt.Sprintf(format, a...))
}

func Error(format string, a ...interface{}) {
	current.Load().Error(fmt.Sprintf(format, a...))
}

func Section(title string) {
	current.Load().Info("══════════ " + title + " ══════════")
}
