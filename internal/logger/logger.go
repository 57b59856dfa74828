// Package logger configures the structured logger shared by every tapbench component.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// Logger is the process-wide logger. Component loggers derive their level from it.
var Logger *log.Logger

var output io.Writer = os.Stderr

func init() {
	Logger = log.New(output)
	Logger.SetTimeFormat("15:04:05.000")
	Logger.SetReportTimestamp(true)
	Logger.SetLevel(log.InfoLevel)
}

// Configure sets the level and destination of the global logger.
// An empty level falls back to TAPBENCH_LOG_LEVEL, then to "info".
func Configure(level string, logFile string) error {
	if level == "" {
		level = strings.ToLower(os.Getenv("TAPBENCH_LOG_LEVEL"))
	}

	output = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return err
		}
		output = f
	}

	Logger = log.New(output)
	Logger.SetTimeFormat("15:04:05.000")
	Logger.SetReportTimestamp(true)
	Logger.SetLevel(ParseLevel(level))
	return nil
}

// SetOutput redirects the global logger, used by tests and the TUI (which owns the terminal).
func SetOutput(w io.Writer) {
	output = w
	Logger.SetOutput(w)
}

// ParseLevel converts a level name to a log.Level, defaulting to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel
	case "info", "":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// NewStyledLogger creates a component logger with a prefix, e.g. "runner" or "device".
func NewStyledLogger(prefix string) *log.Logger {
	styles := log.DefaultStyles()
	styles.Keys["trial"] = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	styles.Keys["outcome"] = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	styles.Keys["err"] = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styles.Values["err"] = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))

	l := log.NewWithOptions(output, log.Options{
		Prefix:          prefix,
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.000",
	})
	l.SetStyles(styles)
	l.SetLevel(Logger.GetLevel())
	return l
}
