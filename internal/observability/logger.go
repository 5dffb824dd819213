// Package observability defines shared logging and metric primitives.
package observability

import (
	"fmt"
	"log"
	"sync/atomic"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger atomic.Pointer[loggerBox]

type loggerBox struct{ l Logger }

func init() {
	defaultLogger.Store(&loggerBox{l: noopLogger{}})
}

// SetLogger overrides the global logger used by the pipeline.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger.Store(&loggerBox{l: noopLogger{}})
		return
	}
	defaultLogger.Store(&loggerBox{l: logger})
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger.Load().l
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a *log.Logger to the structured Logger interface.
type StdLogger struct {
	L *log.Logger
}

// Debug writes a debug line.
func (s StdLogger) Debug(msg string, fields ...Field) { s.write("DEBUG", msg, fields) }

// Info writes an info line.
func (s StdLogger) Info(msg string, fields ...Field) { s.write("INFO", msg, fields) }

// Error writes an error line.
func (s StdLogger) Error(msg string, fields ...Field) { s.write("ERROR", msg, fields) }

func (s StdLogger) write(level, msg string, fields []Field) {
	if s.L == nil {
		return
	}
	args := make([]any, 0, 2+len(fields))
	args = append(args, level, msg)
	for _, f := range fields {
		args = append(args, f.Key+"="+format(f.Value))
	}
	s.L.Println(args...)
}

func format(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(v)
}
