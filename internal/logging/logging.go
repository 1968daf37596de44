// Package logging provides the leveled logger used at command
// boundaries. Every entry is mirrored into the derived log table via
// a Sink; entries are additionally written to stderr when configured.
// gonum's own library code never logs, so this sits on the standard
// library log package rather than importing a structured-logging
// dependency.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Level orders the severities a log entry may carry.
type Level int

const (
	Info Level = iota
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is one row destined for the derived log table.
type Entry struct {
	Level   Level
	Message string
	Table   string // table name the error concerns, if any
	RowID   int64  // row id the error concerns, -1 if none
}

// Sink receives every entry logged through a Logger. store.Writer
// implements Sink by appending to the log table.
type Sink interface {
	LogEntry(Entry)
}

// Logger is the handle command code uses to report Usage/Schema/
// Validation/Numerical/Optimizer conditions.
type Logger struct {
	sink         Sink
	warnOnStderr bool
	std          *log.Logger
}

// New builds a Logger that writes to sink and, when warnOnStderr is
// true, mirrors entries to os.Stderr.
func New(sink Sink, warnOnStderr bool) *Logger {
	return &Logger{
		sink:         sink,
		warnOnStderr: warnOnStderr,
		std:          log.New(os.Stderr, "dismod_at: ", 0),
	}
}

func (l *Logger) emit(e Entry) {
	if l.sink != nil {
		l.sink.LogEntry(e)
	}
	if l.warnOnStderr && l.std != nil {
		l.std.Printf("[%s] %s", e.Level, e.Message)
	}
}

// Infof logs an informational entry.
func (l *Logger) Infof(format string, args ...any) {
	l.emit(Entry{Level: Info, Message: fmt.Sprintf(format, args...), RowID: -1})
}

// Warnf logs a warning entry.
func (l *Logger) Warnf(format string, args ...any) {
	l.emit(Entry{Level: Warning, Message: fmt.Sprintf(format, args...), RowID: -1})
}

// Errorf logs a fatal entry against an optional table/row and returns
// an error carrying the same message, for the caller to propagate up
// to the top-level command frame for a single fatal-exit.
func (l *Logger) Errorf(table string, rowID int64, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	l.emit(Entry{Level: Error, Message: msg, Table: table, RowID: rowID})
	return fmt.Errorf("%s", msg)
}
