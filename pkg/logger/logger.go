// Package logger provides the structured logger shared by every service in
// the settlement engine. It is a thin wrapper around logrus that pins a
// component name on each entry.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	// Level is a logrus level name (debug, info, warn, error). Defaults to info.
	Level string
	// Format is "text" or "json". Defaults to text.
	Format string
	// Output defaults to stderr.
	Output io.Writer
}

// Logger is a component-scoped logrus entry.
type Logger struct {
	*logrus.Entry
	component string
}

// New builds a logger for the named component.
func New(component string, cfg Config) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output != nil {
		base.SetOutput(cfg.Output)
	} else {
		base.SetOutput(os.Stderr)
	}

	return &Logger{
		Entry:     base.WithField("component", component),
		component: component,
	}
}

// NewDefault returns an info-level text logger for the component.
func NewDefault(component string) *Logger {
	return New(component, Config{})
}

// Named derives a logger for a sub-component sharing the same output and level.
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		Entry:     l.Entry.WithField("component", component),
		component: component,
	}
}

// Component returns the component name attached to every entry.
func (l *Logger) Component() string {
	return l.component
}
