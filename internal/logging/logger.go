// Package logging provides the leveled logger used across the transport.
//
// CRC mismatches, sequence mismatches, unknown event subscribers and
// similar local-recovery conditions are never surfaced to a caller;
// they are logged here instead. The logger is intentionally a thin
// wrapper around the standard log package: context fields are chained
// with With* calls the way a request flows through the stack
// (controller -> request/event -> link).
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Level is a logging verbosity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config configures a Logger.
type Config struct {
	Level  Level
	Output io.Writer
}

// DefaultConfig returns the default configuration: Info level to stderr.
func DefaultConfig() *Config {
	return &Config{Level: LevelInfo, Output: os.Stderr}
}

// Logger is a leveled logger that accumulates key=value context fields.
type Logger struct {
	logger *log.Logger
	level  Level
	fields string
	mu     *sync.Mutex
}

var (
	defaultOnce sync.Once
	defaultLog  *Logger
	defaultMu   sync.RWMutex
)

// New creates a Logger from Config. A nil Config uses DefaultConfig.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	return &Logger{
		logger: log.New(out, "", log.LstdFlags|log.Lmicroseconds),
		level:  cfg.Level,
		mu:     &sync.Mutex{},
	}
}

// Default returns the process-wide default logger, creating it on first use.
func Default() *Logger {
	defaultMu.RLock()
	if defaultLog != nil {
		defer defaultMu.RUnlock()
		return defaultLog
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLog == nil {
		defaultLog = New(nil)
	}
	return defaultLog
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLog = l
}

// with returns a derived Logger carrying an additional key=value field.
func (l *Logger) with(key string, val any) *Logger {
	field := fmt.Sprintf("%s=%v", key, val)
	fields := field
	if l.fields != "" {
		fields = l.fields + " " + field
	}
	return &Logger{logger: l.logger, level: l.level, fields: fields, mu: l.mu}
}

// WithController tags log lines with the owning controller's name.
func (l *Logger) WithController(name string) *Logger { return l.with("controller", name) }

// WithSeq tags log lines with a control sequence number.
func (l *Logger) WithSeq(seq uint8) *Logger { return l.with("seq", seq) }

// WithRequestID tags log lines with a request-id.
func (l *Logger) WithRequestID(rqid uint16) *Logger { return l.with("rqid", rqid) }

// WithEvent tags log lines with an event correlation id.
func (l *Logger) WithEvent(id string) *Logger { return l.with("event", id) }

func (l *Logger) output(level Level, prefix, msg string) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fields == "" {
		l.logger.Printf("%s %s", prefix, msg)
		return
	}
	l.logger.Printf("%s %s %s", prefix, msg, l.fields)
}

func (l *Logger) Debug(msg string) { l.output(LevelDebug, "[DEBUG]", msg) }
func (l *Logger) Info(msg string)  { l.output(LevelInfo, "[INFO]", msg) }
func (l *Logger) Warn(msg string)  { l.output(LevelWarn, "[WARN]", msg) }
func (l *Logger) Error(msg string) { l.output(LevelError, "[ERROR]", msg) }

func (l *Logger) Debugf(format string, args ...any) { l.Debug(fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.Info(fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.Warn(fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.Error(fmt.Sprintf(format, args...)) }
