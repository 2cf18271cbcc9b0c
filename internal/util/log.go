// Package util provides shared logging and identification helpers.
package util

import (
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// Configure applies the level ("debug", "info", "warn", "error") and format
// ("text", "json") to the process-wide logger.
func Configure(level, format string) error {
	switch strings.ToLower(level) {
	case "", "info":
		pterm.DefaultLogger.Level = pterm.LogLevelInfo
	case "debug":
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	case "warn", "warning":
		pterm.DefaultLogger.Level = pterm.LogLevelWarn
	case "error":
		pterm.DefaultLogger.Level = pterm.LogLevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	switch strings.ToLower(format) {
	case "", "text":
		pterm.DefaultLogger.Formatter = pterm.LogFormatterColorful
	case "json":
		pterm.DefaultLogger.Formatter = pterm.LogFormatterJSON
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// SetOutput redirects the process-wide logger.
func SetOutput(w io.Writer) {
	pterm.DefaultLogger.Writer = w
}

// Logger attaches key/value context to every line it writes. The zero value
// logs without context.
type Logger struct {
	args []any
}

// With returns a Logger carrying the given key/value pairs.
func With(args ...any) Logger {
	return Logger{}.With(args...)
}

// With returns a copy of l extended with more key/value pairs.
func (l Logger) With(args ...any) Logger {
	merged := make([]any, 0, len(l.args)+len(args))
	merged = append(merged, l.args...)
	merged = append(merged, args...)
	return Logger{args: merged}
}

func (l Logger) fields(args []any) []pterm.LoggerArgument {
	return pterm.DefaultLogger.Args(append(append([]any{}, l.args...), args...)...)
}

func (l Logger) Debug(msg string, args ...any) { pterm.DefaultLogger.Debug(msg, l.fields(args)) }
func (l Logger) Info(msg string, args ...any)  { pterm.DefaultLogger.Info(msg, l.fields(args)) }
func (l Logger) Warn(msg string, args ...any)  { pterm.DefaultLogger.Warn(msg, l.fields(args)) }
func (l Logger) Error(msg string, args ...any) { pterm.DefaultLogger.Error(msg, l.fields(args)) }
