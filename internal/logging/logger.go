// Package logging provides component-scoped logrus loggers.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	root      = logrus.New()
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
)

func init() {
	root.SetOutput(os.Stderr)
	root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl := os.Getenv("PINCHTAB_LOG_LEVEL"); lvl != "" {
		if level, err := logrus.ParseLevel(lvl); err == nil {
			root.SetLevel(level)
		}
	}
}

// Configure applies level and format to every component logger.
// Unknown levels fall back to info.
func Configure(level, format string) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	root.SetLevel(lvl)

	switch format {
	case "json":
		root.SetFormatter(&logrus.JSONFormatter{})
	default:
		root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// SetOutput redirects all component loggers.
func SetOutput(w io.Writer) {
	root.SetOutput(w)
}

// NewLogger returns the logger for a component, creating it on first use.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, ok := loggers[component]; ok {
		return logger
	}
	logger := root.WithField("component", component)
	loggers[component] = logger
	return logger
}
