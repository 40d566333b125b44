// Package corelog provides the leveled logger used by every component of
// the chunk cache and prefetch engine. It intentionally does not reach for
// a structured logging library: one line per event, level-gated, written
// to whatever io.Writer the caller supplies.
package corelog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Level is the severity of a log entry. It follows the teacher's
// enum-via-constructor-method idiom so call sites read as
// corelog.ELevel.Info() rather than a bare numeric constant.
type Level uint8

const (
	LevelNone Level = iota
	LevelCritical
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
)

var ELevel = Level(LevelNone)

func (Level) None() Level     { return LevelNone }
func (Level) Critical() Level { return LevelCritical }
func (Level) Error() Level    { return LevelError }
func (Level) Warning() Level  { return LevelWarning }
func (Level) Info() Level     { return LevelInfo }
func (Level) Debug() Level    { return LevelDebug }

func (l Level) String() string {
	switch l {
	case ELevel.None():
		return "NONE"
	case ELevel.Critical():
		return "CRITICAL"
	case ELevel.Error():
		return "ERROR"
	case ELevel.Warning():
		return "WARNING"
	case ELevel.Info():
		return "INFO"
	case ELevel.Debug():
		return "DEBUG"
	default:
		return fmt.Sprintf("LEVEL(%d)", uint8(l))
	}
}

// ParseLevel converts one of {debug, info, warning, error, critical}
// (spec.md §6 log_level) into a Level. Each name is accepted in all
// lower case or all upper case, and "warn"/"WARN" also mean warning;
// mixed-case spellings are rejected.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG":
		return ELevel.Debug(), nil
	case "info", "INFO":
		return ELevel.Info(), nil
	case "warning", "WARNING", "warn", "WARN":
		return ELevel.Warning(), nil
	case "error", "ERROR":
		return ELevel.Error(), nil
	case "critical", "CRITICAL":
		return ELevel.Critical(), nil
	default:
		return ELevel.None(), fmt.Errorf("corelog: unrecognized log level %q", s)
	}
}

// Logger is the interface every component depends on. There is no ambient
// global logger: each of cache, prefetch scheduler, and file manager is
// constructed with one explicitly (spec.md §9 "Global state").
type Logger interface {
	ShouldLog(level Level) bool
	Log(level Level, component string, msg string)
	With(component string) ComponentLogger
}

// ComponentLogger is a Logger pre-bound to a component name, so call
// sites don't repeat it on every line.
type ComponentLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type writerLogger struct {
	mu       sync.Mutex
	minLevel Level
	out      *log.Logger
}

// New builds a Logger writing UTC-stamped lines to w, gated at minLevel.
func New(w io.Writer, minLevel Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &writerLogger{
		minLevel: minLevel,
		out:      log.New(w, "", 0),
	}
}

func (l *writerLogger) ShouldLog(level Level) bool {
	if level == ELevel.None() {
		return false
	}
	return level <= l.minLevel
}

func (l *writerLogger) Log(level Level, component string, msg string) {
	if !l.ShouldLog(level) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf("%s %-8s %-14s %s", time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), level, component, msg)
}

func (l *writerLogger) With(component string) ComponentLogger {
	return &boundLogger{parent: l, component: component}
}

type boundLogger struct {
	parent *writerLogger
	component string
}

func (b *boundLogger) Debugf(format string, args ...interface{}) {
	b.parent.Log(ELevel.Debug(), b.component, fmt.Sprintf(format, args...))
}

func (b *boundLogger) Infof(format string, args ...interface{}) {
	b.parent.Log(ELevel.Info(), b.component, fmt.Sprintf(format, args...))
}

func (b *boundLogger) Warnf(format string, args ...interface{}) {
	b.parent.Log(ELevel.Warning(), b.component, fmt.Sprintf(format, args...))
}

func (b *boundLogger) Errorf(format string, args ...interface{}) {
	b.parent.Log(ELevel.Error(), b.component, fmt.Sprintf(format, args...))
}

// Discard is a Logger that drops everything; handy as a default in tests.
var Discard Logger = &writerLogger{minLevel: ELevel.None(), out: log.New(io.Discard, "", 0)}
