package utils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Critical LogLevel = 50
	Fatal    LogLevel = Critical
	Error    LogLevel = 40
	Warning  LogLevel = 30
	Info     LogLevel = 20
	Debug    LogLevel = 10
	NotSet   LogLevel = 0
)

var base = newBaseLogger()

func newBaseLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.WarnLevel)

	localEnv := os.Getenv("LOCAL")
	if strings.ToLower(localEnv) == "true" || localEnv == "1" {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// ConfigureLogging sets the process-wide level and output format.
// format is "json" or "text"; level is a LogLevel name such as "debug".
func ConfigureLogging(level, format string) {
	if lvl, ok := ParseLogLevel(level); ok {
		base.SetLevel(toLogrus(lvl))
	}
	if strings.EqualFold(format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// SetOutput redirects every logger. Used by tests to silence or capture output.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// ParseLogLevel maps a level name to a LogLevel.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, true
	case "info":
		return Info, true
	case "warn", "warning":
		return Warning, true
	case "error":
		return Error, true
	case "critical", "fatal":
		return Critical, true
	}
	return NotSet, false
}

func toLogrus(level LogLevel) logrus.Level {
	switch {
	case level <= Debug:
		return logrus.DebugLevel
	case level <= Info:
		return logrus.InfoLevel
	case level <= Warning:
		return logrus.WarnLevel
	case level <= Error:
		return logrus.ErrorLevel
	default:
		return logrus.FatalLevel
	}
}

// Logger provides structured logging with context
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a new logger tagged with the given component name.
// An explicit level overrides the process-wide level for this logger only.
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	src := base
	if len(logLevel) > 0 {
		src = logrus.New()
		src.SetOutput(base.Out)
		src.SetFormatter(base.Formatter)
		src.SetLevel(toLogrus(logLevel[0]))
	}
	return &Logger{entry: src.WithField("component", prefix)}
}

// With returns a child logger carrying the given key/value pairs on every line.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(fields(keyvals))}
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.entry.WithFields(fields(keyvals)).Info(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.entry.WithFields(fields(keyvals)).Error(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.entry.WithFields(fields(keyvals)).Warn(msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.entry.WithFields(fields(keyvals)).Debug(msg)
}

// fields turns alternating key/value pairs into logrus fields. A trailing key
// without a value is dropped.
func fields(keyvals []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		f[fmt.Sprint(keyvals[i])] = keyvals[i+1]
	}
	return f
}
