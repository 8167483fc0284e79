// Package logging builds the process logger: structured JSON (or console)
// output on stderr, plus an optional size-rotated file core. The returned
// atomic level lets configuration reloads change verbosity at runtime.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger. File may be empty to log to stderr only.
type Options struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultOptions returns stderr-only JSON logging at info level.
func DefaultOptions() Options {
	return Options{
		Level:      "info",
		Format:     "json",
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
		Compress:   true,
	}
}

// New creates the logger and its atomic level.
func New(opts Options) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	atomic := zap.NewAtomicLevelAt(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var streamEncoder zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "json":
		streamEncoder = zapcore.NewJSONEncoder(encoderConfig)
	case "text", "console":
		streamEncoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log format %q", opts.Format)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(streamEncoder, zapcore.Lock(os.Stderr), atomic),
	}

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		// The file core is always JSON so rotated logs stay machine-readable.
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig),
			zapcore.AddSync(rotator),
			atomic,
		))
	}

	logger := zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return logger, atomic, nil
}

// ParseLevel maps a configured level name to a zap level. "warning" is
// accepted as an alias for warn, and "critical" maps to error (zap has
// no separate critical level; fatal is reserved for process exit).
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning":
		return zapcore.WarnLevel, nil
	case "critical":
		return zapcore.ErrorLevel, nil
	case "":
		return zapcore.InfoLevel, nil
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return parsed, nil
}

// SetLevel applies a level name to an atomic level, used when the
// configuration is reloaded at runtime.
func SetLevel(atomic zap.AtomicLevel, level string) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}
	atomic.SetLevel(parsed)
	return nil
}
