package common

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
)

// Log levels for hierarchical logging
var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

var (
	loggerMu sync.RWMutex
	logger   *slog.Logger
)

// Logger returns the process logger, building it from MENDEL_LOG_LEVEL and
// MENDEL_LOG_FORMAT on first use.
func Logger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = NewLogger(os.Stderr, Env("MENDEL_LOG_LEVEL", "info"), Env("MENDEL_LOG_FORMAT", "text"))
	}
	return logger
}

// SetLogger replaces the process logger. Tests use it to capture output.
func SetLogger(l *slog.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// NewLogger builds a text or JSON slog logger at the named level.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	lvl, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func logOutput(level slog.Level, format string, args ...interface{}) {
	l := Logger()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, sanitizeForLogging(fmt.Sprintf(format, args...)))
}

// DebugLog logs debug messages only if log level allows it
func DebugLog(format string, args ...interface{}) {
	logOutput(slog.LevelDebug, format, args...)
}

// InfoLog logs info messages only if log level allows it
func InfoLog(format string, args ...interface{}) {
	logOutput(slog.LevelInfo, format, args...)
}

// WarnLog logs warning messages only if log level allows it
func WarnLog(format string, args ...interface{}) {
	logOutput(slog.LevelWarn, format, args...)
}

// ErrorLog logs error messages only if log level allows it
func ErrorLog(format string, args ...interface{}) {
	logOutput(slog.LevelError, format, args...)
}

// FatalLog logs fatal messages and exits (always shown)
func FatalLog(format string, args ...interface{}) {
	Logger().Error(sanitizeForLogging(fmt.Sprintf(format, args...)), "fatal", true)
	os.Exit(1)
}

// LogCommandOutput logs command output in a structured way.
// It only logs in debug mode to prevent sensitive data exposure.
func LogCommandOutput(prefix string, output string) {
	if !Logger().Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	lines := strings.Split(strings.TrimSpace(output), "\n")
	maxLines := 20
	if len(lines) > maxLines {
		lines = append(lines[:maxLines], fmt.Sprintf("... %d more lines truncated ...", len(lines)-maxLines))
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			DebugLog("%s: %s", prefix, line)
		}
	}
}

// LogCommandError logs a command error without the full output
func LogCommandError(prefix string, err error, output string) {
	ErrorLog("%s: command failed: %v", prefix, err)

	if !Logger().Enabled(context.Background(), slog.LevelDebug) || output == "" {
		return
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	maxLines := 3
	for i := 0; i < len(lines) && i < maxLines; i++ {
		DebugLog("%s [line %d]: %s", prefix, i+1, strings.TrimSpace(lines[i]))
	}
	if len(lines) > maxLines {
		DebugLog("%s: ... %d more lines omitted ...", prefix, len(lines)-maxLines)
	}
}

var (
	urlCredentials = regexp.MustCompile(`(https?|postgres|postgresql)://([^:/@\s]+):([^@\s]+)@`)
	slackHook      = regexp.MustCompile(`https://hooks\.slack\.com/services/[^\s"']+`)
)

// sanitizeForLogging removes potential secrets from any string before logging
func sanitizeForLogging(line string) string {
	protectedEnvVars := []string{
		"MENDEL_NEXUS_PASSWORD",
		"MENDEL_DB_DSN",
		"MENDEL_SSH_PASSPHRASE",
		"MENDEL_SSH_PASSWORD",
		"MENDEL_SUDO_PASSWORD",
	}
	for _, envVar := range protectedEnvVars {
		if value := os.Getenv(envVar); value != "" {
			line = strings.ReplaceAll(line, value, "***REDACTED***")
		}
	}

	line = urlCredentials.ReplaceAllString(line, "$1://$2:***REDACTED***@")
	line = slackHook.ReplaceAllString(line, "https://hooks.slack.com/services/***REDACTED***")
	return line
}
