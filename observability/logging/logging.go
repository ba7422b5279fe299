package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Output selects where log lines go. A zero Output writes to stdout.
type Output struct {
	// File switches to a rotating log file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	Level      slog.Level
}

const defaultMaxSizeMB = 100

func (o Output) writer() io.Writer {
	if strings.TrimSpace(o.File) == "" {
		return os.Stdout
	}
	size := o.MaxSizeMB
	if size <= 0 {
		size = defaultMaxSizeMB
	}
	return &lumberjack.Logger{
		Filename:   o.File,
		MaxSize:    size,
		MaxBackups: o.MaxBackups,
		Compress:   true,
	}
}

// NewHandler returns the JSON handler used by every mwnet binary: timestamp,
// severity and message keys, upper case levels.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})
}

// Setup installs the structured logger as the process default and returns it.
// All log lines include the service name and environment when provided.
func Setup(service, env string, out Output) *slog.Logger {
	handler := NewHandler(out.writer(), out.Level)

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withAttrs := handler.WithAttrs(attrs)

	base := slog.New(withAttrs)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(withAttrs, slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
