// Package logging builds the zap logger used throughout fsrsyncd: JSON to
// stdout plus a lumberjack-rotated log file capped at 100 MiB by default.
// When the file reaches the cap it is renamed to a timestamped backup and a
// new file is started; the file is not truncated in place, and because
// MaxBackups and MaxAge are 0, lumberjack keeps every backup.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures logger construction.
type Options struct {
	Level      string // DEBUG|INFO|WARNING|ERROR|CRITICAL
	FilePath   string // rotating log file; empty disables file output
	MaxSizeMiB int    // lumberjack MaxSize; 0 uses a 100 MiB default
}

// CriticalHook is invoked for every Error-or-above log record, wiring in
// optional external error reporting (internal/reporting) without giving
// that package a hard dependency on zap's construction details.
type CriticalHook func(entry zapcore.Entry)

func levelOf(level string) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO", "":
		return zapcore.InfoLevel
	case "WARNING", "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	case "CRITICAL", "FATAL":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a sugared logger per Options. hook, if non-nil, is invoked
// synchronously for every Error-level-or-above record (used to forward
// Error and CRITICAL events to an external error tracker).
func New(opts Options, hook CriticalHook) *zap.SugaredLogger {
	lvl := levelOf(opts.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(lvl)),
	}

	if opts.FilePath != "" {
		maxSize := opts.MaxSizeMiB
		if maxSize <= 0 {
			maxSize = 100
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxSize,
			MaxBackups: 0,
			MaxAge:     0,
			Compress:   false,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), zap.NewAtomicLevelAt(lvl)))
	}

	core := zapcore.NewTee(cores...)
	if hook != nil {
		core = &hookedCore{Core: core, hook: hook}
	}

	logger := zap.New(core, zap.AddCaller())
	return logger.Sugar()
}

// hookedCore wraps a zapcore.Core, invoking hook for every Error-or-above
// entry in addition to normal core behavior.
type hookedCore struct {
	zapcore.Core
	hook CriticalHook
}

func (h *hookedCore) With(fields []zapcore.Field) zapcore.Core {
	return &hookedCore{Core: h.Core.With(fields), hook: h.hook}
}

func (h *hookedCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if entry.Level >= zapcore.ErrorLevel {
		ce = ce.AddCore(entry, h)
	}
	return h.Core.Check(entry, ce)
}

func (h *hookedCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if entry.Level >= zapcore.ErrorLevel && h.hook != nil {
		h.hook(entry)
	}
	return nil
}

// EnvLogLevel returns LOG_LEVEL from the environment, or def if unset.
func EnvLogLevel(def string) string {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		return v
	}
	return def
}
