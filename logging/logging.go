// Package logging configures the process-wide slog logger for hoist.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
)

// Silent is a level above every real level; nothing is emitted.
const Silent = slog.Level(1000)

// ParseLogLevel converts a string log level to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warning", "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "silent", "none":
		return Silent
	default:
		return slog.LevelInfo
	}
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warning", "error", "silent"}
}

// ValidLogFormats returns the accepted handler formats.
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// NewHandler builds the slog handler for a level and format. Unknown
// formats fall back to text.
func NewHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(level)}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// InitLogging installs the default logger writing to stderr.
func InitLogging(logLevel, logFormat string) {
	slog.SetDefault(slog.New(NewHandler(os.Stderr, logLevel, logFormat)))
}

// OperationFailed logs a failed operation with the layer and operation
// keys every hoist error line carries, and returns err unchanged.
func OperationFailed(layer, operation string, err error, args ...any) error {
	attrs := append([]any{"layer", layer, "operation", operation}, args...)
	attrs = append(attrs, "error", err)
	slog.Error("Service operation failed", attrs...)
	return err
}

// LogLevel is a flag for setting the log level
var LogLevel = &logLevelFlag{value: "silent", set: false}

type logLevelFlag struct {
	value string
	set   bool
}

func (l *logLevelFlag) Set(value string) error {
	if !slices.Contains(ValidLogLevels(), value) {
		return fmt.Errorf("invalid value '%s'. Allowed values: %s",
			value, strings.Join(ValidLogLevels(), ", "))
	}
	l.value = value
	l.set = true
	return nil
}

func (l *logLevelFlag) String() string {
	return l.value
}

func (l *logLevelFlag) Type() string {
	return fmt.Sprintf("one of [%s]", strings.Join(ValidLogLevels(), "|"))
}

// IsSet returns true if the flag was explicitly set via command line
func (l *logLevelFlag) IsSet() bool {
	return l.set
}
