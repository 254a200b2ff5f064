// Package utils holds small cross-cutting helpers shared by all packages.
package utils

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	loggerMu sync.RWMutex
	logger   *slog.Logger
)

// InitLogger initializes the process-wide logger. The level is read from the
// LOG_LEVEL environment variable (debug, info, warn, error; default info).
// Safe to call more than once; the last call wins.
func InitLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	loggerMu.Lock()
	logger = slog.New(h)
	loggerMu.Unlock()
}

// GetLogger returns the process-wide logger, initializing it with defaults
// if InitLogger has not been called yet.
func GetLogger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	InitLogger()

	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}
