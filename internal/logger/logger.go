// Package logger is the process-wide structured logging layer. Components
// take scoped children from the global Log and attach context as variadic
// key-value pairs.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger. It is usable before Setup runs (console, info).
var Log *Logger

// Logger wraps a zerolog.Logger behind the key-value helpers below.
type Logger struct {
	z zerolog.Logger
}

func init() {
	Log = &Logger{z: newSink("console")}
}

// ParseLevel resolves a configuration level name. Unknown names are an
// error so config validation can reject them instead of logging at a level
// the operator did not ask for.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

func newSink(format string) zerolog.Logger {
	if strings.ToLower(format) == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).With().Timestamp().Logger()
}

// Setup reconfigures the global logger. An unparseable level falls back to
// info so early startup logging still works; config validation reports the
// bad value separately.
func Setup(level string, format string) {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	Log = &Logger{z: newSink(format)}
}

// Component derives a child logger tagged with a subsystem name
// (memtier, dispatcher, fsm, ...).
func (l *Logger) Component(name string) *Logger {
	return &Logger{z: l.z.With().Str("component", name).Logger()}
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.emit(l.z.Info(), msg, args)
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.emit(l.z.Debug(), msg, args)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	l.emit(l.z.Warn(), msg, args)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	l.emit(l.z.Error(), msg, args)
}

// emit attaches the key-value pairs and writes the event. A dangling key
// with no value is dropped rather than panicking.
func (l *Logger) emit(e *zerolog.Event, msg string, args []interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		e = e.Interface(key, args[i+1])
	}
	e.Msg(msg)
}
