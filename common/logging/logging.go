// Package logging implements a structured, leveled logging registry shared
// by every shard component.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Level is a logging verbosity level.
type Level int

// Supported levels, ordered from most to least verbose.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	registryLock sync.Mutex
	registry     = make(map[string]*Logger)

	baseLogger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	baseLevel  Level
)

// Initialize reconfigures the output writer and minimum level used by every
// logger subsequently created (and already-created loggers, since they hold
// a pointer into the shared base).
func Initialize(w io.Writer, lvl Level) {
	registryLock.Lock()
	defer registryLock.Unlock()

	baseLogger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	baseLevel = lvl
}

// Logger is a named logger that always includes its module name and any
// bound key-value context in every line it emits.
type Logger struct {
	module string
	kv     []interface{}
}

// GetLogger returns the (singleton) logger for the given module name,
// creating it on first use.
func GetLogger(module string) *Logger {
	registryLock.Lock()
	defer registryLock.Unlock()

	if l, ok := registry[module]; ok {
		return l
	}
	l := &Logger{module: module}
	registry[module] = l
	return l
}

// With returns a derived logger that additionally includes the given
// key-value pairs in every subsequent line.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	kv := make([]interface{}, 0, len(l.kv)+len(keyvals))
	kv = append(kv, l.kv...)
	kv = append(kv, keyvals...)
	return &Logger{module: l.module, kv: kv}
}

func (l *Logger) log(lvl Level, msg string, keyvals []interface{}) {
	registryLock.Lock()
	cur := baseLogger
	threshold := baseLevel
	registryLock.Unlock()

	if lvl < threshold {
		return
	}

	var lf func(log.Logger) log.Logger
	switch lvl {
	case LevelDebug:
		lf = level.Debug
	case LevelInfo:
		lf = level.Info
	case LevelWarn:
		lf = level.Warn
	default:
		lf = level.Error
	}

	all := make([]interface{}, 0, 4+len(l.kv)+len(keyvals))
	all = append(all, "module", l.module, "msg", msg)
	all = append(all, l.kv...)
	all = append(all, keyvals...)
	_ = lf(cur).Log(all...)
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, keyvals ...interface{}) { l.log(LevelDebug, msg, keyvals) }

// Info logs at info level.
func (l *Logger) Info(msg string, keyvals ...interface{}) { l.log(LevelInfo, msg, keyvals) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, keyvals ...interface{}) { l.log(LevelWarn, msg, keyvals) }

// Error logs at error level.
func (l *Logger) Error(msg string, keyvals ...interface{}) { l.log(LevelError, msg, keyvals) }

// ErrorOnFail logs err at error level under msg if err is non-nil. It
// returns nil for a nil err, and otherwise err wrapped as "msg: err", so it
// can be used inline.
func (l *Logger) ErrorOnFail(err error, msg string, keyvals ...interface{}) error {
	if err == nil {
		return nil
	}
	l.Error(msg, append(append([]interface{}{}, keyvals...), "err", err)...)
	return fmt.Errorf("%s: %w", msg, err)
}
