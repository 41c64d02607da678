// Package logging provides structured logging for udprelayd, built on
// logrus so log lines carry fields (relay_id, seq, op) instead of being
// free-form text.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) toLogrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level LogLevel
	// Format selects the logrus formatter: "json" or "text" (default).
	Format string
	Output io.Writer
	// Sync, when true, disables logrus's output coloring/terminal
	// detection so output stays deterministic under test.
	Sync    bool
	NoColor bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// Logger wraps a logrus entry with the relay's leveled-logging API.
type Logger struct {
	entry *logrus.Entry
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// NewLogger creates a new logger from config.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	base := logrus.New()
	base.SetOutput(output)
	base.SetLevel(config.Level.toLogrus())

	if config.Format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			DisableColors:    config.NoColor || config.Sync,
			DisableTimestamp: config.Sync,
			FullTimestamp:    !config.Sync,
		})
	}

	return &Logger{entry: logrus.NewEntry(base)}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithRelay returns a logger that tags every line with relay_id, the
// stable xid identity assigned to a relay endpoint at construction.
func (l *Logger) WithRelay(id string) *Logger {
	return &Logger{entry: l.entry.WithField("relay_id", id)}
}

// WithEndpoint returns a logger tagged with the endpoint's role
// ("outward" or "relay").
func (l *Logger) WithEndpoint(kind string) *Logger {
	return &Logger{entry: l.entry.WithField("endpoint", kind)}
}

// WithSeq returns a logger tagged with a packet sequence number and the
// operation being performed on it (e.g. "fan-out", "dedup").
func (l *Logger) WithSeq(seq uint16, op string) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields{
		"seq": seq,
		"op":  op,
	})}
}

// WithError returns a logger tagged with an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func argsToFields(args []any) logrus.Fields {
	if len(args) == 0 {
		return nil
	}
	fields := logrus.Fields{}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		fields[key] = args[i+1]
	}
	return fields
}

func (l *Logger) withArgs(args []any) *logrus.Entry {
	fields := argsToFields(args)
	if fields == nil {
		return l.entry
	}
	return l.entry.WithFields(fields)
}

func (l *Logger) Debug(msg string, args ...any) {
	l.withArgs(args).Debug(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	l.withArgs(args).Info(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.withArgs(args).Warn(msg)
}

func (l *Logger) Error(msg string, args ...any) {
	l.withArgs(args).Error(msg)
}

// Printf-style logging.
func (l *Logger) Debugf(format string, args ...any) {
	l.entry.Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.entry.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.entry.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.entry.Errorf(format, args...)
}

// Printf satisfies interfaces.Logger for compatibility with callers that
// only know about plain Printf-style logging.
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
