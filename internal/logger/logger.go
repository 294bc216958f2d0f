package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar = new(slog.LevelVar)

// L is the process-wide logger. It writes to stderr so that stdio transports keep stdout to themselves.
var L = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))

// SetLevel sets the minimum level by name (debug, info, warn, error, or an
// offset like "debug-4"). Unknown names fall back to info.
func SetLevel(lvl string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(lvl))); err != nil {
		l = slog.LevelInfo
	}
	levelVar.Set(l)
}

// Init replaces L with a handler of the given format ("json" or "text") writing to w.
// A nil writer means stderr.
func Init(lvl, format string, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	SetLevel(lvl)
	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.EqualFold(format, "text") {
		L = slog.New(slog.NewTextHandler(w, opts))
		return
	}
	L = slog.New(slog.NewJSONHandler(w, opts))
}

// Err wraps an error as a slog attribute under the "error" key.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{Key: "error", Value: slog.StringValue("")}
	}
	return slog.String("error", err.Error())
}
