// Package utils provides logging, metrics, tracing and resilience helpers.
package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the global structured logger instance.
var Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))

// LoggerConfig controls logger output.
type LoggerConfig struct {
	Env        string
	Service    string
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// InitLogger initializes the structured logger with JSON output on stdout,
// teed to a rotating file when File is set. The returned closer flushes the
// file writer.
func InitLogger(cfg LoggerConfig) (io.Closer, error) {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var out io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		rotating, err := NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stdout, rotating)
		closer = rotating
	}

	Logger = slog.New(slog.NewJSONHandler(out, opts)).With(
		slog.String("service", cfg.Service),
		slog.String("env", cfg.Env),
	)
	slog.SetDefault(Logger)

	Logger.Info("logger initialized",
		slog.String("level", level.String()),
		slog.String("file", cfg.File),
	)
	return closer, nil
}

// NewRotatingWriter returns a size-rotated log file writer.
func NewRotatingWriter(file string, maxSizeMB, maxBackups int) (*lumberjack.Logger, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}, nil
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Info logs an info level message with optional key-value pairs.
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Error logs an error level message with optional key-value pairs.
func Error(msg string, args ...any) {
	Logger.Error(msg, args...)
}

// Debug logs a debug level message with optional key-value pairs.
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Warn logs a warning level message with optional key-value pairs.
func Warn(msg string, args ...any) {
	Logger.Warn(msg, args...)
}
