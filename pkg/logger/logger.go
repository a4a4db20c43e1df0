// Package logger provides structured logging functionality using slog
package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TxIDKey is the context key for the active transaction identifier.
	TxIDKey ContextKey = "tx_id"
)

// Config holds logger configuration
type Config struct {
	Level      string
	Format     string
	Output     string
	Filename   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// NewLogger creates a new structured logger based on configuration
func NewLogger(cfg Config) *slog.Logger {
	level := ParseLevel(cfg.Level)
	writer := SetupWriter(cfg)

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
		AddSource: level == slog.LevelDebug,
	}

	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	return slog.New(handler)
}

// ParseLevel parses string log level to slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupWriter configures the output writer based on configuration
func SetupWriter(cfg Config) io.Writer {
	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.Filename == "" {
			return os.Stdout
		}
		return &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,    // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,     // days
			Compress:   cfg.Compress,
		}
	case "stderr":
		return os.Stderr
	case "stdout", "":
		return os.Stdout
	default:
		return os.Stdout
	}
}

// GenerateTxID generates a fallback transaction identifier for callers that
// don't supply one directly to logging (the engine itself prefers
// google/uuid for the identifiers it persists; this stays as the
// timestamp/random fallback the teacher used for request IDs).
func GenerateTxID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID if random fails
		return fmt.Sprintf("tx_%d", time.Now().UnixNano())
	}
	return "tx_" + hex.EncodeToString(bytes)
}

// WithTxID adds the active transaction identifier to context.
func WithTxID(ctx context.Context, txID string) context.Context {
	return context.WithValue(ctx, TxIDKey, txID)
}

// GetTxID extracts the transaction identifier from context, if any.
func GetTxID(ctx context.Context) string {
	if txID, ok := ctx.Value(TxIDKey).(string); ok {
		return txID
	}
	return ""
}

// FromContext returns logger scoped with the context's transaction
// identifier, if any — how engine code gets a correlated logger without
// threading one explicitly through every call (SPEC_FULL.md's logging
// section).
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if txID := GetTxID(ctx); txID != "" {
		return logger.With("tx_id", txID)
	}
	return logger
}
