// Package util holds helpers shared by the gateway commands.
package util

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

// Log formats accepted by NewLogger.
const (
	FormatTint = "tint"
	FormatText = "text"
	FormatJSON = "json"
)

// NewLogger builds a logger writing to w, or stderr when w is nil. stdout
// is never a good choice for the stdio transport, which owns it.
func NewLogger(level slog.Level, format string, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	switch strings.ToLower(format) {
	case FormatTint, "dev", "":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "[15:04:05.000]",
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.LevelKey && len(groups) == 0 {
					lvl, ok := a.Value.Any().(slog.Level)
					if !ok {
						return a
					}
					// keep default color for warn and error
					switch lvl {
					case slog.LevelDebug:
						return tint.Attr(3, slog.String(a.Key, "DBG"))
					case slog.LevelInfo:
						return tint.Attr(14, slog.String(a.Key, "INF"))
					}
				}
				return a
			},
		})), nil
	case FormatText, "txt":
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// DiscardLogger drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
