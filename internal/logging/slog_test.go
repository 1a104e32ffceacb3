package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		rec := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		out = append(out, rec)
	}
	return out
}

func TestNewJSONLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  []string
	}{
		{slog.LevelDebug, []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{slog.LevelInfo, []string{"INFO", "WARN", "ERROR"}},
		{slog.LevelWarn, []string{"WARN", "ERROR"}},
		{slog.LevelError, []string{"ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			log := NewJSONLogger(&buf, tt.level)
			ctx := context.Background()

			log.Debug(ctx, "login attempt")
			log.Info(ctx, "login attempt")
			log.Warn(ctx, "login attempt")
			log.Error(ctx, "login attempt")

			var got []string
			for _, rec := range decodeLines(t, &buf) {
				got = append(got, rec["level"].(string))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSlogLogger_WithCarriesModuleAndArgs(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSONLogger(&buf, slog.LevelDebug)

	base.With("module", "session").Warn(context.Background(), "account locked", "user_id", "u1")
	base.Info(context.Background(), "plain")

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 2)
	assert.Equal(t, "account locked", recs[0]["msg"])
	assert.Equal(t, "session", recs[0]["module"])
	assert.Equal(t, "u1", recs[0]["user_id"])

	_, leaked := recs[1]["module"]
	assert.False(t, leaked, "With must not mutate the parent logger")
}

func TestNop(t *testing.T) {
	var l Logger = Nop{}
	ctx := context.Background()

	assert.NotPanics(t, func() {
		child := l.With("module", "identity")
		child.Debug(ctx, "x")
		child.Info(ctx, "x")
		child.Warn(ctx, "x")
		child.Error(ctx, "x", "error", assert.AnError)
	})
	assert.IsType(t, Nop{}, l.With("k", "v"))
}
