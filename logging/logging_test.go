package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo)

	logger.Debug(context.Background(), "hidden")
	logger.Warn(context.Background(), "process did not terminate in time", "timeout", "50ms")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &record))
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "process did not terminate in time", record["msg"])
	assert.Equal(t, "50ms", record["timeout"])
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelDebug).With("node", "node-a")

	logger.Error(context.Background(), "failed", "error", "boom")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record))
	assert.Equal(t, "node-a", record["node"])
	assert.Equal(t, "ERROR", record["level"])
}

func TestNop(t *testing.T) {
	logger := Nop()

	assert.NotPanics(t, func() {
		logger.Error(context.Background(), "discarded")
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{input: "debug", expected: slog.LevelDebug},
		{input: "INFO", expected: slog.LevelInfo},
		{input: "", expected: slog.LevelInfo},
		{input: "warning", expected: slog.LevelWarn},
		{input: "error", expected: slog.LevelError},
		{input: "verbose", expected: slog.LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	r.Debug(ctx, "d")
	r.Info(ctx, "i", "k", "v")
	r.Warn(ctx, "w")
	r.Warn(ctx, "w2")
	r.Error(ctx, "e")

	assert.Len(t, r.Entries(), 5)
	assert.True(t, r.Has("info", "i"))
	assert.False(t, r.Has("error", "i"))
	assert.Equal(t, 2, r.Count("warn"))
	assert.Equal(t, []interface{}{"k", "v"}, r.Entries()[1].KeyVals)
}
