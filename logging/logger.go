// Package logging provides structured logging for the conflict resolution core
// using Go's log/slog package.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-sync-resolve/errors"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

// Logger is our wrapper around slog.Logger with additional convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level       string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format      string `json:"format" yaml:"format"`           // text, json
	AddSource   bool   `json:"add_source" yaml:"add_source"`   // whether to add source code information
	Environment string `json:"environment" yaml:"environment"` // development, production, test
}

// DefaultConfig is the configuration used when nothing else is set.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "json",
	AddSource:   false,
	Environment: EnvProduction,
}

// Operation names the unit of work a log line belongs to.
type Operation string

func (o Operation) LogValue() slog.Value {
	return slog.StringValue(string(o))
}

// Component names the subsystem emitting a log line.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// SyncErrorValuer provides structured logging for SyncError
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("code", string(e.Code)),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}

	if len(e.Metadata) > 0 {
		metadataAttrs := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			metadataAttrs = append(metadataAttrs, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(metadataAttrs...)))
	}

	return slog.GroupValue(attrs...)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
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

// NewLogger creates a logger writing to stdout.
func NewLogger(config Config) *Logger {
	return NewLoggerTo(os.Stdout, config)
}

// NewLoggerTo creates a logger writing to w.
func NewLoggerTo(w io.Writer, config Config) *Logger {
	return newLogger(w, config, ParseLevel(config.Level))
}

// NewDynamicLogger creates a logger writing to w whose level can be changed
// at runtime through the returned level var.
func NewDynamicLogger(w io.Writer, config Config) (*Logger, *DynamicLevelVar) {
	level := NewDynamicLevelVar(ParseLevel(config.Level))
	return newLogger(w, config, level), level
}

func newLogger(w io.Writer, config Config, level slog.Leveler) *Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a logger that drops everything. Used as the zero-config
// default inside library components.
func Discard() *Logger {
	return NewLoggerTo(io.Discard, Config{Level: "error"})
}

// WithOperation creates a child logger with operation context
func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

// WithComponent creates a child logger with component context
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// WithConflict creates a child logger tagged with the conflict's identity.
func (l *Logger) WithConflict(c *types.Conflict) *Logger {
	if c == nil {
		return l
	}
	return &Logger{Logger: l.With(
		slog.String("conflict_id", c.ConflictID),
		slog.String("collection", c.Collection),
		slog.String("entity_id", c.EntityID),
	)}
}

// ConflictAttrs summarises a conflict for a single log line.
func ConflictAttrs(c *types.Conflict) slog.Attr {
	if c == nil {
		return slog.Group("conflict")
	}
	return slog.Group("conflict",
		slog.String("id", c.ConflictID),
		slog.String("collection", c.Collection),
		slog.String("entity_id", c.EntityID),
		slog.Int("fields", len(c.FieldConflicts)),
		slog.Int64("local_version", c.LocalVersion),
		slog.Int64("remote_version", c.RemoteVersion),
		slog.Bool("manual", c.RequiresManualIntervention()),
	)
}

// ResolutionAttrs summarises a resolution for a single log line.
func ResolutionAttrs(r *types.Resolution) slog.Attr {
	if r == nil {
		return slog.Group("resolution")
	}
	return slog.Group("resolution",
		slog.String("id", r.ID),
		slog.String("strategy", string(r.Strategy)),
		slog.String("mode", string(r.Mode)),
		slog.String("resolved_by", r.ResolvedBy),
		slog.Float64("confidence", r.ConfidenceScore),
		slog.Int("warnings", len(r.Warnings)),
	)
}

// LogError logs an error with caller information and structured attributes
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	allAttrs := make([]any, 0, len(attrs)+2)

	if syncErr, ok := err.(*errors.SyncError); ok {
		allAttrs = append(allAttrs, slog.Any("sync_error", SyncErrorValuer{SyncError: syncErr}))
	} else if err != nil {
		allAttrs = append(allAttrs, slog.String("error", err.Error()))
	}

	if pc, file, line, ok := runtime.Caller(1); ok {
		fn := runtime.FuncForPC(pc)
		allAttrs = append(allAttrs,
			slog.Group("caller",
				slog.String("file", file),
				slog.Int("line", line),
				slog.String("function", fn.Name()),
			),
		)
	}

	for _, attr := range attrs {
		allAttrs = append(allAttrs, attr)
	}

	l.ErrorContext(ctx, msg, allAttrs...)
}

// LogOperation logs the start and end of an operation with duration tracking
func (l *Logger) LogOperation(ctx context.Context, op Operation, component Component, fn func() error) error {
	start := time.Now()
	opLogger := l.WithOperation(op).WithComponent(component)

	opLogger.DebugContext(ctx, "operation started")

	err := fn()
	duration := time.Since(start)

	if err != nil {
		opLogger.LogError(ctx, err, "operation failed",
			slog.Duration("duration", duration),
		)
		return err
	}

	opLogger.DebugContext(ctx, "operation completed",
		slog.Duration("duration", duration),
	)
	return nil
}
