// Package logging provides structured logging for the minutes service.
// It wraps zerolog behind a small interface so components can be handed a
// logger at construction time and tests can pass a no-op implementation.
//
// Entries written while a session is in flight carry meeting_id and
// session_id, taken from the context by WithContext.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ContextKey is the type of the context values read by WithContext.
type ContextKey string

// Context keys picked up by WithContext.
const (
	TraceIDKey   ContextKey = "trace_id"
	RequestIDKey ContextKey = "request_id"
	MeetingIDKey ContextKey = "meeting_id"
	SessionIDKey ContextKey = "session_id"
)

var contextKeys = []ContextKey{RequestIDKey, MeetingIDKey, SessionIDKey}

// Level is a logging severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written; unknown values mean info.
	Level Level

	ServiceName string

	// Role names the process: api, worker or cli. Omitted when empty.
	Role string

	Environment string

	// JSONFormat selects JSON lines over the console writer.
	JSONFormat bool

	// Output defaults to os.Stdout.
	Output io.Writer
}

// DefaultConfig returns a Config suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Level:       LevelInfo,
		ServiceName: "minutes",
		Environment: "development",
		Output:      os.Stdout,
	}
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a Logger that adds fields to every entry.
	With(fields ...Field) Logger

	// WithContext returns a Logger carrying the request, meeting, session
	// and trace ids found on ctx.
	WithContext(ctx context.Context) Logger

	// Zerolog returns the underlying zerolog.Logger.
	Zerolog() zerolog.Logger
}

// Field is a key-value pair attached to an entry.
type Field struct {
	Key   string
	Value interface{}
}

// F creates a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err creates the error Field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

type logger struct {
	zl zerolog.Logger
}

// NewLogger creates a Logger from cfg. A nil cfg uses DefaultConfig.
func NewLogger(cfg *Config) Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(output).
		Level(ParseLevel(string(cfg.Level))).
		With().
		Timestamp().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment)
	if cfg.Role != "" {
		zctx = zctx.Str("role", cfg.Role)
	}
	return &logger{zl: zctx.Logger()}
}

// ParseLevel converts a level name to a zerolog.Level, defaulting to info.
func ParseLevel(l string) zerolog.Level {
	switch Level(l) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *logger) Zerolog() zerolog.Logger { return l.zl }

func (l *logger) Debug(msg string, fields ...Field) { l.zl.Debug().Fields(pairs(fields)).Msg(msg) }
func (l *logger) Info(msg string, fields ...Field)  { l.zl.Info().Fields(pairs(fields)).Msg(msg) }
func (l *logger) Warn(msg string, fields ...Field)  { l.zl.Warn().Fields(pairs(fields)).Msg(msg) }
func (l *logger) Error(msg string, fields ...Field) { l.zl.Error().Fields(pairs(fields)).Msg(msg) }

func (l *logger) With(fields ...Field) Logger {
	return &logger{zl: l.zl.With().Fields(pairs(fields)).Logger()}
}

func (l *logger) WithContext(ctx context.Context) Logger {
	zctx := l.zl.With()
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			zctx = zctx.Str(string(key), v)
		}
	}
	if traceID := traceIDFrom(ctx); traceID != "" {
		zctx = zctx.Str(string(TraceIDKey), traceID)
	}
	return &logger{zl: zctx.Logger()}
}

// traceIDFrom prefers the active span over an explicit TraceIDKey value.
func traceIDFrom(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// ContextWithSession returns a copy of ctx carrying the meeting and session
// a pipeline run or finalize job works on. Empty ids are not stored.
func ContextWithSession(ctx context.Context, meetingID, sessionID string) context.Context {
	if meetingID != "" {
		ctx = context.WithValue(ctx, MeetingIDKey, meetingID)
	}
	return ContextWithSessionID(ctx, sessionID)
}

// ContextWithSessionID returns a copy of ctx carrying the session id.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// ContextWithRequestID returns a copy of ctx carrying the HTTP request id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// pairs flattens fields into zerolog's key/value list, keeping their order.
// zerolog renders errors, durations and times itself.
func pairs(fields []Field) []interface{} {
	kv := make([]interface{}, 0, 2*len(fields))
	for _, f := range fields {
		kv = append(kv, f.Key, f.Value)
	}
	return kv
}

type nopLogger struct{}

func (n *nopLogger) Debug(string, ...Field)             {}
func (n *nopLogger) Info(string, ...Field)              {}
func (n *nopLogger) Warn(string, ...Field)              {}
func (n *nopLogger) Error(string, ...Field)             {}
func (n *nopLogger) With(...Field) Logger               { return n }
func (n *nopLogger) WithContext(context.Context) Logger { return n }
func (n *nopLogger) Zerolog() zerolog.Logger            { return zerolog.Nop() }

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() Logger {
	return &nopLogger{}
}
