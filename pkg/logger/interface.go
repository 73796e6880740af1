package logger

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger defines the logging interface every pipeline component depends on.
type Logger interface {
	Debug(message string, component string, data map[string]interface{})
	Info(message string, component string, data map[string]interface{})
	Warn(message string, component string, data map[string]interface{})
	Error(message string, component string, data map[string]interface{})
}

// ZeroLogger implements Logger on top of a zerolog.Logger.
type ZeroLogger struct {
	zl *zerolog.Logger
}

// NewLogger returns a Logger writing through the global logger configured by Init.
func NewLogger() Logger {
	return &ZeroLogger{}
}

// NewWithWriter returns a Logger writing JSON to w, independent of the global logger.
// Tests use it to assert on emitted events.
func NewWithWriter(w io.Writer) Logger {
	zl := zerolog.New(w)
	return &ZeroLogger{zl: &zl}
}

// Nop returns a Logger that discards every event.
func Nop() Logger {
	zl := zerolog.Nop()
	return &ZeroLogger{zl: &zl}
}

func (l *ZeroLogger) base() zerolog.Logger {
	if l.zl != nil {
		return *l.zl
	}
	return log.Logger
}

// Debug logs a debug event.
func (l *ZeroLogger) Debug(message string, component string, data map[string]interface{}) {
	write(l.base(), DebugLevel, message, component, data)
}

// Info logs an info event.
func (l *ZeroLogger) Info(message string, component string, data map[string]interface{}) {
	write(l.base(), InfoLevel, message, component, data)
}

// Warn logs a warning event.
func (l *ZeroLogger) Warn(message string, component string, data map[string]interface{}) {
	write(l.base(), WarnLevel, message, component, data)
}

// Error logs an error event.
func (l *ZeroLogger) Error(message string, component string, data map[string]interface{}) {
	write(l.base(), ErrorLevel, message, component, data)
}
