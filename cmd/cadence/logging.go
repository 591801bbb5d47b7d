package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	charmlog "github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hyperengineering/cadence/internal/config"
)

// newLogger builds the process logger. With a log file configured, output
// goes only to the rotating file. The returned func closes it.
func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, func() error, error) {
	closeFn := func() error { return nil }
	if lc.File != "" {
		if err := os.MkdirAll(filepath.Dir(lc.File), 0755); err != nil {
			return nil, nil, err
		}
		fileWriter := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB, // megabytes
			MaxBackups: lc.MaxBackups,
			Compress:   true,
		}
		w = fileWriter
		closeFn = fileWriter.Close
	}

	level := parseLogLevel(lc.Level)
	var handler slog.Handler
	switch lc.Format {
	case "text":
		// charmbracelet levels share slog's numeric values.
		handler = charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			Level:           charmlog.Level(level),
			Prefix:          "cadence",
		})
	default:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler), closeFn, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
