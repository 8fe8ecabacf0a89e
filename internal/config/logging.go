package config

import (
	"fmt"
	"io"
	"log/slog"
)

// levelReplaceAttr renames slog's level values to the lowercase strings this
// service's log lines have always used ("debug"/"info"/"warning"/"error"),
// ported verbatim from audit-scanner/cmd/logging.go's ReplaceAttr.
func levelReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, _ := a.Value.Any().(slog.Level)
		switch {
		case level < slog.LevelInfo:
			a.Value = slog.StringValue("debug")
		case level < slog.LevelWarn:
			a.Value = slog.StringValue("info")
		case level < slog.LevelError:
			a.Value = slog.StringValue("warning")
		default:
			a.Value = slog.StringValue("error")
		}
	}
	if a.Key == slog.MessageKey {
		a.Key = "message"
	}
	return a
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %q", level)
	}
}

// NewLogger builds the process-wide *slog.Logger. "json" and "otlp" both
// use a JSONHandler (grounded on audit-scanner/cmd/logging.go); "otlp" only
// additionally selects the OTLP metrics/trace exporters elsewhere, since no
// OTLP log exporter exists anywhere in the dependency pack. "text" uses
// slog's stdlib TextHandler -- there is no console-pretty-printer in the
// pack's dependency set, so this is the one ambient concern this build
// intentionally leaves on the standard library.
func NewLogger(out io.Writer, level, format string) (*slog.Logger, error) {
	slevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: slevel, ReplaceAttr: levelReplaceAttr}

	switch format {
	case "json", "otlp":
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(out, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format: %q", format)
	}
}
