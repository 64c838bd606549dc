// Package logging provides categorized structured logging for caebridge.
// Each category gets its own JSON log file under <dataDir>/logs/ plus a
// shared console core. Credential-shaped fields are redacted before write.
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

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"
	CategoryAPI        Category = "api"
	CategoryRepository Category = "repository"
	CategoryMatching   Category = "matching"
	CategoryLearning   Category = "learning"
	CategoryPolicy     Category = "policy"
	CategoryPlan       Category = "plan"
	CategoryBrowser    Category = "browser"
	CategoryRun        Category = "run"
	CategoryJobs       Category = "jobs"
	CategoryApply      Category = "apply"
	CategoryEvidence   Category = "evidence"
	CategoryHistory    Category = "history"
)

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*zap.SugaredLogger)
	logsDir string
	level   = zapcore.InfoLevel
)

// redactedKeys are never written with their real value.
var redactedKeys = []string{"password", "secret", "token", "credential"}

// Initialize sets up the logs directory and global level. Safe to call once
// at startup; Get before Initialize falls back to a console-only logger.
func Initialize(dataDir, levelName string) error {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(levelName) {
	case "debug":
		level = zapcore.DebugLevel
	case "", "info":
		level = zapcore.InfoLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return fmt.Errorf("unknown log level %q", levelName)
	}

	if dataDir == "" {
		return fmt.Errorf("data dir required")
	}
	logsDir = filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	// Reset cached loggers so a re-Initialize (tests) picks up the new dir.
	loggers = make(map[Category]*zap.SugaredLogger)
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := build(cat)
	loggers[cat] = l
	return l
}

func build(cat Category) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			level,
		),
	}

	if logsDir != "" {
		path := filepath.Join(logsDir, string(cat)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			cores = append(cores, zapcore.NewCore(
				zapcore.NewJSONEncoder(encCfg),
				zapcore.Lock(f),
				level,
			))
		} else {
			fmt.Fprintf(os.Stderr, "[logging] cannot open %s: %v\n", path, err)
		}
	}

	logger := zap.New(zapcore.NewTee(cores...)).
		With(zap.String("cat", string(cat)))
	return logger.Sugar()
}

// Redact replaces values for credential-shaped keys. Call sites that log
// maps of portal form fields must pass them through here first.
func Redact(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		lk := strings.ToLower(k)
		redacted := false
		for _, bad := range redactedKeys {
			if strings.Contains(lk, bad) {
				redacted = true
				break
			}
		}
		if redacted {
			out[k] = "[REDACTED]"
		} else {
			out[k] = v
		}
	}
	return out
}
