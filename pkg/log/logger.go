// Package log provides structured logging utilities for the ehash pool services.
// It wraps the standard library's slog package with quote-pipeline helpers.
package log

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with service identity and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

type contextKey string

// Context keys recognised by WithContext
const (
	ContextKeyConnectionID contextKey = "connection_id"
	ContextKeyTraceID      contextKey = "trace_id"
)

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w. Tests use it with io.Discard.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return NewWithWriter(io.Discard, "nop", "test", "error", "json")
}

// ParseLevel maps a textual level to slog.Level, defaulting to info
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

// WithContext returns a logger carrying the connection and trace ids found in ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if connID := ctx.Value(ContextKeyConnectionID); connID != nil {
		logger = logger.With("connection_id", connID)
	}
	if traceID := ctx.Value(ContextKeyTraceID); traceID != nil {
		logger = logger.With("trace_id", traceID)
	}

	return &Logger{Logger: logger, service: l.service, version: l.version}
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

// WithChannel returns a logger scoped to a mining channel
func (l *Logger) WithChannel(channelID uint32) *Logger {
	return l.WithFields("channel_id", channelID)
}

// WithShareHash returns a logger scoped to a share hash
func (l *Logger) WithShareHash(hash []byte) *Logger {
	return l.WithFields("share_hash", hex.EncodeToString(hash))
}

// WithQuote returns a logger scoped to a mint quote
func (l *Logger) WithQuote(quoteID string) *Logger {
	return l.WithFields("quote_id", quoteID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration int64) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ns", duration,
		"duration_ms", float64(duration)/1e6,
	)
}

// LogConnection logs transport lifecycle events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStateTransition logs a connection state change
func (l *Logger) LogStateTransition(from, to string) {
	l.Info("connection state changed",
		"from", from,
		"to", to,
	)
}

// LogFrame logs a single SV2 frame (debug level)
func (l *Logger) LogFrame(direction string, extensionType uint16, msgType uint8, length int) {
	l.Debug("sv2 frame",
		"direction", direction,
		"extension_type", extensionType,
		"msg_type", msgType,
		"length", length,
	)
}

// LogQuoteDispatched logs a quote request handed to the hub
func (l *Logger) LogQuoteDispatched(channelID, sequenceNumber uint32, amount uint64, leadingZeros uint32) {
	l.Info("quote dispatched",
		"channel_id", channelID,
		"sequence_number", sequenceNumber,
		"amount", amount,
		"leading_zeros", leadingZeros,
	)
}

// LogQuoteStatus logs a status transition observed by the poller
func (l *Logger) LogQuoteStatus(quoteID string, channelID uint32, amount uint64, state string) {
	l.Info("quote status",
		"quote_id", quoteID,
		"channel_id", channelID,
		"amount", amount,
		"state", state,
	)
}
