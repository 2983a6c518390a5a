// Package logging wraps a leveled logger around the standard log.Logger
// that every component already takes at construction, following the
// teacher's "config.Logger *log.Logger, default to stderr when nil"
// convention. The wrapper adds debug/info/warn/error levels and, when a
// log file path is configured, duplicates output to a rotating file so
// a daemon left running for days does not produce an unbounded log.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Config configures a Logger.
type Config struct {
	// Prefix is prepended to the underlying log.Logger the way the
	// teacher prefixes each component's logger, e.g. "[reconcile] ".
	Prefix string
	// Debug enables debug-level output; otherwise debug messages are
	// dropped before formatting.
	Debug bool
	// LogFile, when set, duplicates output to a rotating file at this
	// path in addition to stderr.
	LogFile string
	// LogMaxSizeMB bounds a single rotated file's size. Defaults to 50.
	LogMaxSizeMB int
}

// Logger is a small leveled wrapper around *log.Logger.
type Logger struct {
	debug bool
	std   *log.Logger
}

// New creates a Logger writing to stderr, and additionally to a
// rotating file when cfg.LogFile is set.
func New(cfg Config) *Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		maxSize := cfg.LogMaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    maxSize,
			MaxBackups: 5,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotator)
	}

	return &Logger{
		debug: cfg.Debug,
		std:   log.New(out, cfg.Prefix, log.LstdFlags),
	}
}

// Std returns the underlying *log.Logger, for components that take one
// directly rather than a Logger (every component in this daemon does,
// per the teacher's convention, so this is the usual integration
// point).
func (l *Logger) Std() *log.Logger {
	return l.std
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level == LevelDebug && !l.debug {
		return
	}
	l.std.Printf("[%s] %s", level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }
