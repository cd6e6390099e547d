// Package logging provides the zap logger factory used by every component.
//
// Components take a *zap.Logger in their constructor and name it after
// themselves; a nil logger is replaced with zap.NewNop().
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a logger writing to stderr at the given level.
// Format is "json" (default) or "console".
func New(level, format string) *zap.Logger {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(level, format string, w io.Writer) *zap.Logger {
	core := zapcore.NewCore(newEncoder(format), zapcore.AddSync(w), ParseLevel(level))
	return zap.New(core)
}

// ParseLevel converts a level string to a zapcore.Level.
// Returns InfoLevel for unrecognised values.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}
