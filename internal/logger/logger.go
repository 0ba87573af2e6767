// Package logger builds the root hclog logger and keeps package-level
// helpers for call sites that have no logger injected.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the root logger.
type Options struct {
	Name   string
	Level  string
	Format string // "json" or "text"
	// File enables a rotated log file next to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Output replaces stderr, mainly for tests.
	Output io.Writer
}

var (
	mu      sync.RWMutex
	root    hclog.Logger = hclog.New(&hclog.LoggerOptions{Name: "mediarelay", Level: hclog.Info})
	rotator *lumberjack.Logger
)

// New builds a logger from opts and installs it as the package default.
func New(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var fileSink *lumberjack.Logger
	if opts.File != "" {
		fileSink = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(out, fileSink)
	}

	name := opts.Name
	if name == "" {
		name = "mediarelay"
	}
	l := hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      ParseLevel(opts.Level),
		Output:     out,
		JSONFormat: strings.EqualFold(opts.Format, "json"),
	})

	mu.Lock()
	if rotator != nil {
		_ = rotator.Close()
	}
	root = l
	rotator = fileSink
	mu.Unlock()
	return l
}

// ParseLevel maps a level name to hclog, defaulting to info.
func ParseLevel(level string) hclog.Level {
	if lvl := hclog.LevelFromString(level); lvl != hclog.NoLevel {
		return lvl
	}
	return hclog.Info
}

// Default returns the package default logger.
func Default() hclog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Close releases the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	return err
}

// Info logs at info level on the default logger.
func Info(msg string, args ...interface{}) { Default().Info(msg, args...) }

// Warn logs at warn level on the default logger.
func Warn(msg string, args ...interface{}) { Default().Warn(msg, args...) }

// Error logs at error level on the default logger.
func Error(msg string, args ...interface{}) { Default().Error(msg, args...) }

// Debug logs at debug level on the default logger.
func Debug(msg string, args ...interface{}) { Default().Debug(msg, args...) }
