package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInit_JSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	Init("warn", "json", &buf)
	t.Cleanup(func() { Init("info", "json", nil) })

	L.Info("hidden")
	L.Warn("shown", Err(errors.New("boom")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	require.Equal(t, "shown", rec["msg"])
	require.Equal(t, "boom", rec["error"])
}

func TestInit_Text(t *testing.T) {
	var buf bytes.Buffer
	Init("debug", "text", &buf)
	t.Cleanup(func() { Init("info", "json", nil) })

	L.Debug("hello", "k", "v")
	require.Contains(t, buf.String(), "msg=hello")
	require.Contains(t, buf.String(), "k=v")
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })
	for lvl, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		" error ": slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	} {
		SetLevel(lvl)
		require.Equal(t, want, levelVar.Level(), lvl)
	}
}
