// Package logging builds the process-wide slog logger from config.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/driftlab/driftsync/internal/utils"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Options selects the handler stack. LogFile is optional; when set, log
// records are mirrored to it with colors stripped.
type Options struct {
	Level   string
	Format  string // "text" or "json"
	LogFile string
}

// ParseLevel maps a config level string to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Setup installs the default logger and returns it along with a cleanup
// func that closes the log file, if any.
func Setup(opts Options) (*slog.Logger, func(), error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var stdoutHandler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		stdoutHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	case "", "text":
		stdoutHandler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: timeFormat,
			NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
		})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	cleanup := func() {}
	handler := stdoutHandler
	if opts.LogFile != "" {
		if err := utils.EnsureParent(opts.LogFile); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		file, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		fileHandler := slog.NewTextHandler(utils.NewLogInterceptor(file), &slog.HandlerOptions{
			Level: level,
			// The interceptor prepends its own timestamp.
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		})
		handler = utils.NewMultiLogHandler(stdoutHandler, fileHandler)
		cleanup = func() { file.Close() }
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, cleanup, nil
}
