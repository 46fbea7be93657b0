package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes the application and audit log outputs.
type Config struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig controls the append-only audit trail. Every balance
// mutation and every task outcome is written there, so the file
// rotates by size and old backups are pruned by age.
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

var (
	mu          sync.Mutex
	appLogger   *slog.Logger
	auditLogger *slog.Logger
	closers     []io.Closer
)

// Init configures the global loggers. Calling it again replaces the
// previous configuration after closing its file handles.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	_ = closeAllLocked()

	handler, err := newHandler(cfg)
	if err != nil {
		return err
	}
	appLogger = slog.New(handler)

	auditLogger = appLogger
	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			return errors.New("audit log path cannot be empty when enabled")
		}
		writer, err := newRotatingWriter(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
		if err != nil {
			return err
		}
		closers = append(closers, writer)
		auditLogger = slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return nil
}

func newHandler(cfg Config) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	writers := make([]io.Writer, 0, len(cfg.OutputPaths))
	for _, out := range cfg.OutputPaths {
		switch strings.ToLower(out) {
		case "", "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", out, err)
			}
			closers = append(closers, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	var writer io.Writer = writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func parseLevel(level string) slog.Level {
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

// L returns the application logger, initialising a stdout JSON logger
// on first use when Init was never called.
func L() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if appLogger == nil {
		appLogger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return appLogger
}

// Audit returns the audit trail logger. It falls back to the
// application logger when no audit output is configured.
func Audit() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if auditLogger != nil {
		return auditLogger
	}
	if appLogger == nil {
		appLogger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return appLogger
}

// Close flushes and closes every file-backed output.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	return closeAllLocked()
}

func closeAllLocked() error {
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}
