// Package log wraps log/slog with printf-style helpers used across manifold.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

var (
	logger        *slog.Logger
	currentWriter io.Writer  = os.Stdout
	currentLevel  slog.Level = slog.Level(1000)
)

func init() {
	// High level by default so library consumers get no output until
	// the binary opts in via SetLevel.
	rebuild()
}

func rebuild() {
	logger = slog.New(slog.NewTextHandler(currentWriter, &slog.HandlerOptions{
		Level: currentLevel,
	}))
}

// Info logs an info message, with fmt.Sprintf formatting when args are given.
func Info(format string, args ...any) {
	if len(args) > 0 {
		logger.Info(fmt.Sprintf(format, args...))
	} else {
		logger.Info(format)
	}
}

// Debug logs a debug message, with fmt.Sprintf formatting when args are given.
func Debug(format string, args ...any) {
	if len(args) > 0 {
		logger.Debug(fmt.Sprintf(format, args...))
	} else {
		logger.Debug(format)
	}
}

// Warn logs a warning message, with fmt.Sprintf formatting when args are given.
func Warn(format string, args ...any) {
	if len(args) > 0 {
		logger.Warn(fmt.Sprintf(format, args...))
	} else {
		logger.Warn(format)
	}
}

// Error logs an error message, with fmt.Sprintf formatting when args are given.
func Error(format string, args ...any) {
	if len(args) > 0 {
		logger.Error(fmt.Sprintf(format, args...))
	} else {
		logger.Error(format)
	}
}

func SetLevel(level slog.Level) {
	currentLevel = level
	rebuild()
}

func SetWriter(writer io.Writer) {
	currentWriter = writer
	rebuild()
}
