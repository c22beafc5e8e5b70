package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{" Warn ", slog.LevelWarn},
		{"ERROR", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}

	level, err := ParseLevel("chatty")
	require.Error(t, err)
	require.Equal(t, slog.LevelInfo, level)
}

func TestNew_JSON(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo, "json")

	logger.Debug("hidden")
	logger.Info("user connected", "user_id", "alice")

	var line map[string]any
	req.NoError(json.Unmarshal(buf.Bytes(), &line))
	req.Equal("user connected", line["msg"])
	req.Equal("alice", line["user_id"])
}

func TestNew_Text_Fallback(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, slog.LevelDebug, "logfmt").Debug("visible", "k", "v")
	require.Contains(t, buf.String(), "msg=visible")
	require.Contains(t, buf.String(), "k=v")
}
