// Package logging builds the structured loggers used across trialgraph.
//
// Loggers are charmbracelet/log instances passed explicitly to the
// components that need them; nothing in the module logs through a global.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Options configures a logger.
type Options struct {
	// Level is debug, info, warn or error. Empty means info.
	Level string

	// Format is text, json or logfmt. Empty means text.
	Format string

	// Output defaults to stderr.
	Output io.Writer

	// Prefix is printed before every message.
	Prefix string
}

// New creates a logger from opts.
func New(opts Options) (*log.Logger, error) {
	level := log.InfoLevel
	if opts.Level != "" {
		l, err := log.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
		level = l
	}

	var formatter log.Formatter
	switch strings.ToLower(opts.Format) {
	case "", "text":
		formatter = log.TextFormatter
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		Level:           level,
		Formatter:       formatter,
		Prefix:          opts.Prefix,
	}), nil
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// BadgerLogger adapts a logger to badger.Logger. Badger is chatty at info
// level, so its info output is logged at debug.
type BadgerLogger struct {
	l *log.Logger
}

// NewBadgerLogger wraps l, tagging messages with the badger prefix.
func NewBadgerLogger(l *log.Logger) *BadgerLogger {
	return &BadgerLogger{l: l.WithPrefix("badger")}
}

func (b *BadgerLogger) Errorf(format string, args ...any) {
	b.l.Errorf(strings.TrimRight(format, "\n"), args...)
}

func (b *BadgerLogger) Warningf(format string, args ...any) {
	b.l.Warnf(strings.TrimRight(format, "\n"), args...)
}

func (b *BadgerLogger) Infof(format string, args ...any) {
	b.l.Debugf(strings.TrimRight(format, "\n"), args...)
}

func (b *BadgerLogger) Debugf(format string, args ...any) {
	b.l.Debugf(strings.TrimRight(format, "\n"), args...)
}
