// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger setup.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	File   string // optional path; enables rotation
	Out    io.Writer

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu     sync.RWMutex
	logger = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Init replaces the process logger according to opts.
func Init(opts Options) error {
	l := logrus.New()

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	l.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("logging: unknown format %q", opts.Format)
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if opts.File != "" {
		out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
		}
	}
	l.SetOutput(out)

	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

// ParseLevel maps a level name to a logrus level. Empty means info.
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "":
		return logrus.InfoLevel, nil
	case "warning":
		return logrus.WarnLevel, nil
	}
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("logging: %w", err)
	}
	return lvl, nil
}

// L returns the process logger.
func L() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// For returns an entry tagged with a component name.
func For(component string) *logrus.Entry {
	return L().WithField("component", component)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
