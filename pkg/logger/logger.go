// Package logger provides structured logging for the Mycelium-Matrix bridge
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	globalLogger *Logger
	once         sync.Once
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Logger wraps slog.Logger with bridge-specific functionality
type Logger struct {
	*slog.Logger
	component string
}

// Config holds logger configuration
type Config struct {
	Level     string
	Format    string // "json" or "text"
	Output    string // "stdout", "stderr", or file path
	Component string // Component name for logs
}

// New creates a new logger instance
func New(cfg Config) (*Logger, error) {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Determine output writer
	var writer io.Writer
	output := cfg.Output
	if output == "" {
		output = "stdout"
	}

	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		// File output
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	// Create handler based on format
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	logger := slog.New(handler)
	logger = logger.With(
		"service", "mycelium-bridge",
		"component", cfg.Component,
	)

	return &Logger{
		Logger:    logger,
		component: cfg.Component,
	}, nil
}

// Initialize sets up the global logger with configuration
func Initialize(level, format, output string) error {
	var onceErr error
	once.Do(func() {
		if output == "" {
			output = "stdout"
		}
		if format == "" {
			format = "text"
		}
		if level == "" {
			level = "info"
		}

		loggerCfg := Config{
			Level:     level,
			Format:    format,
			Output:    output,
			Component: "bridge",
		}

		var err error
		globalLogger, err = New(loggerCfg)
		if err != nil {
			onceErr = fmt.Errorf("failed to initialize logger: %w", err)
			return
		}

		globalLogger.Info("logger initialized",
			"level", level,
			"format", format,
			"output", output,
		)
	})

	return onceErr
}

// Global returns the global logger instance
func Global() *Logger {
	if globalLogger == nil {
		// Fallback to default logger if not initialized
		logger, _ := New(Config{
			Level:     "info",
			Format:    "text",
			Output:    "stdout",
			Component: "bridge",
		})
		return logger
	}
	return globalLogger
}

// WithComponent returns a new logger with the component name set
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("component", component),
		component: component,
	}
}

// WithRequestID returns a new logger with a request ID for tracing
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("request_id", requestID),
		component: l.component,
	}
}

// Convenience methods that use global logger

// Info logs an info message
func Info(msg string, args ...any) {
	Global().Info(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	Global().Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	Global().Error(msg, args...)
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	Global().Debug(msg, args...)
}
