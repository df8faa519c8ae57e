// Package logging sets up the service logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures logger construction.
type Options struct {
	// Level is the minimum level to log (default Info).
	Level slog.Level

	// Dir, when set, additionally writes logs to a rotating file
	// binder.log in this directory.
	Dir string

	// JSON selects the JSON handler instead of text.
	JSON bool
}

// New builds a slog.Logger writing to stdout and, optionally, a rotating
// file under opts.Dir.
func New(opts Options) *slog.Logger {
	var w io.Writer = os.Stdout
	if opts.Dir != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "binder.log"),
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	hopts := &slog.HandlerOptions{Level: opts.Level}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
