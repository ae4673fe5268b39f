package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// LogLevel is the minimum severity a logger emits.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	return []string{"DEBUG", "INFO", "WARN", "ERROR"}[l]
}

func (l LogLevel) toSlogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger emits JSON log lines through slog. With* methods return a
// child logger; the receiver is never mutated, so a shared base logger
// is safe across goroutines.
type Logger struct {
	slog  *slog.Logger
	level LogLevel
}

// NewLogger creates a JSON logger writing to output at the given
// level. A nil output means stdout.
func NewLogger(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: level.toSlogLevel(),
	})

	return &Logger{
		slog:  slog.New(handler),
		level: level,
	}
}

func (l *Logger) child(s *slog.Logger) *Logger {
	return &Logger{slog: s, level: l.level}
}

// WithField returns a child logger carrying one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.child(l.slog.With(key, value))
}

// WithFields returns a child logger carrying all given fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return l.child(l.slog.With(args...))
}

// WithError attaches err under the "error" key. A nil err returns the
// receiver unchanged.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) Debug(message string) {
	l.slog.Debug(message)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.slog.Debug(fmt.Sprintf(format, args...))
}

func (l *Logger) Info(message string) {
	l.slog.Info(message)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.slog.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(message string) {
	l.slog.Warn(message)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.slog.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Error(message string) {
	l.slog.Error(message)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.slog.Error(fmt.Sprintf(format, args...))
}

// contextKey is the type for context keys
type contextKey string

// RequestIDKey carries the request id assigned by the edge middleware
// so handlers can correlate decision logs with responses.
const RequestIDKey contextKey = "request_id"

// WithRequestID stores a request ID on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID returns the request ID from the context, or "".
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
