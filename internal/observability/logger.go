// Package observability provides the gateway's structured logging and
// metrics surface. Every suspension point in the pipeline (LLM calls,
// embedding calls, search engine calls, session writes) logs through
// the Logger interface defined here.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel defines log message severity.
type LogLevel string

// Log levels.
const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

// Logger is the gateway-wide logging interface. Every implementation must
// be safe for concurrent use.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	// WithPrefix returns a derived logger tagging every line with prefix.
	WithPrefix(prefix string) Logger
	// With returns a derived logger that always includes fields.
	With(fields map[string]interface{}) Logger
}

// zapLogger implements Logger on top of go.uber.org/zap's structured
// sugared logger, matching the field-map calling convention the rest of
// the codebase uses.
type zapLogger struct {
	base   *zap.SugaredLogger
	prefix string
}

// NewLogger creates a production JSON logger writing to stderr, named
// with prefix (component name, e.g. "pipeline", "embedding-client").
func NewLogger(prefix string) Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(os.Stderr), zapcore.DebugLevel)
	logger := zap.New(core).Sugar().Named(prefix)
	return &zapLogger{base: logger, prefix: prefix}
}

func (l *zapLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	kv := make([]interface{}, 0, len(fields)*2+2)
	if l.prefix != "" {
		kv = append(kv, "component", l.prefix)
	}
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	switch level {
	case LogLevelDebug:
		l.base.Debugw(msg, kv...)
	case LogLevelInfo:
		l.base.Infow(msg, kv...)
	case LogLevelWarn:
		l.base.Warnw(msg, kv...)
	case LogLevelError:
		l.base.Errorw(msg, kv...)
	case LogLevelFatal:
		l.base.Fatalw(msg, kv...)
	}
}

func (l *zapLogger) Debug(msg string, fields map[string]interface{}) { l.log(LogLevelDebug, msg, fields) }
func (l *zapLogger) Info(msg string, fields map[string]interface{})  { l.log(LogLevelInfo, msg, fields) }
func (l *zapLogger) Warn(msg string, fields map[string]interface{})  { l.log(LogLevelWarn, msg, fields) }
func (l *zapLogger) Error(msg string, fields map[string]interface{}) { l.log(LogLevelError, msg, fields) }
func (l *zapLogger) Fatal(msg string, fields map[string]interface{}) { l.log(LogLevelFatal, msg, fields) }

func (l *zapLogger) WithPrefix(prefix string) Logger {
	return &zapLogger{base: l.base.Named(prefix), prefix: prefix}
}

func (l *zapLogger) With(fields map[string]interface{}) Logger {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return &zapLogger{base: l.base.With(kv...), prefix: l.prefix}
}

// NoopLogger discards everything; used in tests that don't care about logs.
type NoopLogger struct{}

func (NoopLogger) Debug(string, map[string]interface{}) {}
func (NoopLogger) Info(string, map[string]interface{})  {}
func (NoopLogger) Warn(string, map[string]interface{})  {}
func (NoopLogger) Error(string, map[string]interface{}) {}
func (NoopLogger) Fatal(string, map[string]interface{}) {}
func (n NoopLogger) WithPrefix(string) Logger            { return n }
func (n NoopLogger) With(map[string]interface{}) Logger  { return n }
