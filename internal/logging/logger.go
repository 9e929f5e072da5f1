// Package logging provides config-driven categorized logging for invoicewa.
// Every subsystem asks for a named zap logger by category; categories can be
// switched off individually in the logging section of invoicewa.yaml.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, config, shutdown
	CategorySession  Category = "session"  // Supervisor phases, timers, retries
	CategoryBrowser  Category = "browser"  // Chrome launch, DOM watcher, teardown
	CategoryStore    Category = "store"    // Session artifact purge
	CategoryDelivery Category = "delivery" // Outbound documents
	CategoryAPI      Category = "api"      // HTTP surface
)

// Options mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports.
type Options struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	File       string          // optional output file, stderr when empty
	Categories map[string]bool // per-category toggles, missing = enabled
}

var (
	mu      sync.RWMutex
	base    = zap.NewNop()
	opts    Options
	loggers = make(map[Category]*zap.Logger)
)

// Initialize builds the base logger from opts and installs it.
func Initialize(o Options) error {
	level := zapcore.InfoLevel
	if o.Level != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(o.Level))
		if err != nil {
			return fmt.Errorf("parse log level %q: %w", o.Level, err)
		}
		level = parsed
	}

	zc := zap.NewProductionConfig()
	if o.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	if o.File != "" {
		if err := os.MkdirAll(filepath.Dir(o.File), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		zc.OutputPaths = []string{o.File}
		zc.ErrorOutputPaths = []string{o.File}
	}

	l, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	SetBase(l, o)
	return nil
}

// SetBase installs an already built logger (the CLI root logger, or a test logger).
func SetBase(l *zap.Logger, o Options) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	base = l
	opts = o
	loggers = make(map[Category]*zap.Logger)
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if the category is disabled.
func Get(category Category) *zap.Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	l := zap.NewNop()
	if categoryEnabledLocked(category) {
		l = base.Named(string(category)).With(zap.String("category", string(category)))
	}
	loggers[category] = l
	return l
}

// Sync flushes the base logger (call at shutdown)
func Sync() {
	mu.RLock()
	l := base
	mu.RUnlock()
	_ = l.Sync()
}

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Sugar().Infof(format, args...)
}

// BootWarn logs a warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Sugar().Warnf(format, args...)
}
