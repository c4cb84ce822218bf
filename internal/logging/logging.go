// Package logging builds the process logger and maps engine log levels onto
// slog levels.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Custom levels outside slog's built-in four.
const (
	LevelTrace slog.Level = -8
	LevelFatal slog.Level = 12
)

// Options configures New.
type Options struct {
	Level  slog.Level
	Format string // "text" or "json"
	// File, when set, receives a copy of every record and is rotated by size.
	File string
}

// Rotation limits for the log file.
const (
	fileMaxSizeMB  = 10
	fileMaxBackups = 5
	fileMaxAgeDays = 28
)

// New returns a logger writing to stdout and, when opts.File is set, to a
// rotating log file. The returned closer releases the file; it is never nil.
func New(opts Options, stdout io.Writer) (*slog.Logger, io.Closer) {
	w := stdout
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    fileMaxSizeMB,
			MaxBackups: fileMaxBackups,
			MaxAge:     fileMaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(stdout, lj)
		closer = lj
	}
	return slog.New(NewHandler(w, opts.Format, opts.Level)), closer
}

// NewHandler returns a text or json handler that renders LevelTrace and
// LevelFatal by name.
func NewHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceLevel}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 || a.Key != slog.LevelKey {
		return a
	}
	lvl, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch lvl {
	case LevelTrace:
		a.Value = slog.StringValue("TRACE")
	case LevelFatal:
		a.Value = slog.StringValue("FATAL")
	}
	return a
}

// ParseLevel converts a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "fatal":
		return LevelFatal, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// EngineLevel maps an engine log level (0 = fatal .. 4 = debug) onto slog.
// Anything outside that range is trace.
func EngineLevel(level int) slog.Level {
	switch level {
	case 0:
		return LevelFatal
	case 1:
		return slog.LevelError
	case 2:
		return slog.LevelWarn
	case 3:
		return slog.LevelInfo
	case 4:
		return slog.LevelDebug
	default:
		return LevelTrace
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
