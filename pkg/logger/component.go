package logger

import (
	"fmt"
	"strings"
)

// ComponentLogger writes key/value structured messages tagged with a component name.
// It resolves the default logger on every call so components created before Init
// still log once the logger is configured.
type ComponentLogger struct {
	component string
	fields    []interface{}
	target    *Logger
}

// WithComponent returns a logger that prefixes messages with the component name
func WithComponent(name string) *ComponentLogger {
	return &ComponentLogger{component: name}
}

// WithComponent binds a component logger to l instead of the default logger
func (l *Logger) WithComponent(name string) *ComponentLogger {
	return &ComponentLogger{component: name, target: l}
}

// With returns a copy carrying extra key/value pairs on every message
func (c *ComponentLogger) With(keyvals ...interface{}) *ComponentLogger {
	fields := make([]interface{}, 0, len(c.fields)+len(keyvals))
	fields = append(fields, c.fields...)
	fields = append(fields, keyvals...)
	return &ComponentLogger{component: c.component, fields: fields, target: c.target}
}

func (c *ComponentLogger) logger() *Logger {
	if c.target != nil {
		return c.target
	}
	return current()
}

func (c *ComponentLogger) emit(level LogLevel, msg string, keyvals []interface{}) {
	l := c.logger()
	if l == nil || !l.shouldLog(level) {
		return
	}
	l.write(level, c.format(msg, keyvals))
}

func (c *ComponentLogger) format(msg string, keyvals []interface{}) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(c.component)
	b.WriteString("] ")
	b.WriteString(msg)

	all := append(append([]interface{}{}, c.fields...), keyvals...)
	for i := 0; i < len(all); i += 2 {
		key := fmt.Sprint(all[i])
		if i+1 >= len(all) {
			fmt.Fprintf(&b, " %s=<missing>", key)
			break
		}
		fmt.Fprintf(&b, " %s=%s", key, formatValue(all[i+1]))
	}
	return b.String()
}

func formatValue(v interface{}) string {
	s := fmt.Sprint(v)
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// Debug logs a debug message with key/value pairs
func (c *ComponentLogger) Debug(msg string, keyvals ...interface{}) {
	c.emit(LevelDebug, msg, keyvals)
}

// Info logs an info message with key/value pairs
func (c *ComponentLogger) Info(msg string, keyvals ...interface{}) {
	c.emit(LevelInfo, msg, keyvals)
}

// Warn logs a warning message with key/value pairs
func (c *ComponentLogger) Warn(msg string, keyvals ...interface{}) {
	c.emit(LevelWarn, msg, keyvals)
}

// Error logs an error message with key/value pairs
func (c *ComponentLogger) Error(msg string, keyvals ...interface{}) {
	c.emit(LevelError, msg, keyvals)
}
