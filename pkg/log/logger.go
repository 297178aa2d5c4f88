// Package log provides structured logging for the orepool services.
// It wraps log/slog and adds pool-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

// RequestIDKey is the context key carrying an HTTP request id.
const RequestIDKey ctxKey = "request_id"

// Logger wraps slog.Logger with service metadata and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w. Unknown levels fall back to
// info and unknown formats to JSON.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "dev", "error", "text")
}

// ParseLevel maps a textual level to slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Service returns the service name this logger was built for.
func (l *Logger) Service() string { return l.service }

// WithContext returns a logger enriched with values carried by ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		return l.WithFields("request_id", reqID)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger scoped to a connected miner address
func (l *Logger) WithMiner(address string) *Logger {
	return l.WithFields("miner_address", address)
}

// WithHash returns a logger scoped to a hash record
func (l *Logger) WithHash(hashID string, difficulty int64) *Logger {
	return l.WithFields("hash_id", hashID, "difficulty", difficulty)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs how long an operation took.
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}

// LogConnection logs connection lifecycle events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogProtocolMessage logs raw pool protocol frames (debug level)
func (l *Logger) LogProtocolMessage(direction string, message []byte) {
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.Debug("protocol message",
		"direction", direction,
		"message", string(message),
	)
}

// LogHashSubmission logs a newly persisted hash candidate
func (l *Logger) LogHashSubmission(hashID, minerAddr string, difficulty int64, forwarded bool) {
	l.Info("hash submitted",
		"hash_id", hashID,
		"miner_address", minerAddr,
		"difficulty", difficulty,
		"forwarded", forwarded,
	)
}

// LogHashOutcome logs a terminal status transition
func (l *Logger) LogHashOutcome(hashID, status, signature, reason string) {
	l.Info("hash resolved",
		"hash_id", hashID,
		"status", status,
		"signature", signature,
		"reason", reason,
	)
}

// LogCycle logs the summary of one batch submission cycle
func (l *Logger) LogCycle(processed, confirmed, rejected int, d time.Duration) {
	l.Info("batch cycle finished",
		"processed", processed,
		"confirmed", confirmed,
		"rejected", rejected,
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}
