// Package logger builds the zap loggers used across puppysense.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing to stderr at the given level.
// Console encoding is meant for the CLI; JSON for worker deployments.
func New(level string, json bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, err
	}

	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	if json {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller()), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Leveled adapts zap to the key/value logger interface used by go-retryablehttp.
type Leveled struct {
	s *zap.SugaredLogger
}

// NewLeveled wraps l. Retry chatter is logged one level lower than reported.
func NewLeveled(l *zap.Logger) *Leveled {
	return &Leveled{s: OrNop(l).Sugar()}
}

func (l *Leveled) Error(msg string, kv ...interface{}) { l.s.Warnw(msg, kv...) }
func (l *Leveled) Warn(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *Leveled) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l *Leveled) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
