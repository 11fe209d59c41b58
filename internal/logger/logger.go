// Package logger provides structured logging for the voice loop.
//
// It wraps log/slog with a process-wide DefaultLogger whose level comes from
// LOG_LEVEL (debug, info, warn, error) and whose format comes from LOG_FORMAT
// (text or json). Components derive scoped loggers with With.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
)

var (
	mu sync.RWMutex

	// DefaultLogger is the global structured logger instance.
	DefaultLogger *slog.Logger

	level  = new(slog.LevelVar)
	output io.Writer = os.Stderr
	format           = "text"
)

func init() {
	level.Set(ParseLevel(os.Getenv("LOG_LEVEL")))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "json") {
		format = "json"
	}
	rebuild()
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func rebuild() {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	mu.Lock()
	DefaultLogger = slog.New(handler)
	mu.Unlock()
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return DefaultLogger
}

// SetLevel changes the level for all loggers, including ones obtained from With.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// SetVerbose enables debug-level logging when verbose is true, otherwise info.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
		return
	}
	SetLevel(slog.LevelInfo)
}

// SetOutput redirects log output. Loggers created earlier with With keep
// their previous writer.
func SetOutput(w io.Writer, jsonFormat bool) {
	mu.Lock()
	output = w
	if jsonFormat {
		format = "json"
	} else {
		format = "text"
	}
	mu.Unlock()
	rebuild()
}

// With returns a logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return current().With(args...)
}

// Info logs an informational message with key-value attributes.
func Info(msg string, args ...any) {
	current().Info(msg, args...)
}

// InfoContext logs an informational message with context.
func InfoContext(ctx context.Context, msg string, args ...any) {
	current().InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message.
func Debug(msg string, args ...any) {
	current().Debug(msg, args...)
}

// DebugContext logs a debug message with context.
func DebugContext(ctx context.Context, msg string, args ...any) {
	current().DebugContext(ctx, msg, args...)
}

// Warn logs a warning for recoverable or unexpected situations.
func Warn(msg string, args ...any) {
	current().Warn(msg, args...)
}

// WarnContext logs a warning with context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	current().WarnContext(ctx, msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	current().Error(msg, args...)
}

// ErrorContext logs an error message with context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	current().ErrorContext(ctx, msg, args...)
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(token\s+)[A-Za-z0-9._\-]{8,}`),
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-]{8,}`),
	regexp.MustCompile(`(sk-)[A-Za-z0-9_\-]{8,}`),
	regexp.MustCompile(`(?i)((?:api[_-]?key|token)=)[^&\s]+`),
}

// Redact masks API keys and bearer tokens in s.
func Redact(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "${1}[REDACTED]")
	}
	return s
}
