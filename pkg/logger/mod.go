package logger

import (
	"context"
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

func (l LogLevel) String() string {
	return string(l)
}

func (l LogLevel) toCharmLevel() charmlog.Level {
	switch l {
	case DebugLevel:
		return charmlog.DebugLevel
	case InfoLevel:
		return charmlog.InfoLevel
	case WarnLevel:
		return charmlog.WarnLevel
	case ErrorLevel:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Logger defines the interface for structured logging
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
	With(keyvals ...any) Logger
}

type charmLogger struct {
	logger *charmlog.Logger
}

func (l *charmLogger) Debug(msg string, keyvals ...any) {
	l.logger.Debug(msg, keyvals...)
}

func (l *charmLogger) Info(msg string, keyvals ...any) {
	l.logger.Info(msg, keyvals...)
}

func (l *charmLogger) Warn(msg string, keyvals ...any) {
	l.logger.Warn(msg, keyvals...)
}

func (l *charmLogger) Error(msg string, keyvals ...any) {
	l.logger.Error(msg, keyvals...)
}

func (l *charmLogger) With(keyvals ...any) Logger {
	return &charmLogger{logger: l.logger.With(keyvals...)}
}

type Config struct {
	Level      LogLevel
	Output     io.Writer
	JSON       bool
	AddSource  bool
	TimeFormat string
}

func DefaultConfig() *Config {
	return &Config{
		Level:      InfoLevel,
		Output:     os.Stderr,
		TimeFormat: "15:04:05",
	}
}

// NewLogger builds a Logger from the given config; nil falls back to defaults.
func NewLogger(cfg *Config) Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	l := charmlog.NewWithOptions(output, charmlog.Options{
		ReportCaller:    cfg.AddSource,
		ReportTimestamp: true,
		TimeFormat:      cfg.TimeFormat,
		Level:           cfg.Level.toCharmLevel(),
	})
	if cfg.JSON {
		l.SetFormatter(charmlog.JSONFormatter)
	}
	return &charmLogger{logger: l}
}

// NewNop returns a logger that discards everything. Used in tests and as the
// fallback when no logger is attached to the context.
func NewNop() Logger {
	l := charmlog.NewWithOptions(io.Discard, charmlog.Options{Level: charmlog.FatalLevel})
	return &charmLogger{logger: l}
}

type ctxKey struct{}

// ContextWithLogger attaches a logger to the context.
func ContextWithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger carried by ctx, or a no-op logger.
func FromContext(ctx context.Context) Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
			return l
		}
	}
	return NewNop()
}
