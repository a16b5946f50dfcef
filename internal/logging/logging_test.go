package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/dedup/internal/config"
)

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "": slog.LevelInfo,
		"warning": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewWritesJSONAndFile(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "dedup.log")
	logger, closer, err := New(config.LoggingSettings{Level: "info", Format: "json", File: file, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("run finished", "created", 3)
	require.NoError(t, closer.Close())

	assert.Contains(t, buf.String(), `"msg":"run finished"`)
	assert.Contains(t, buf.String(), `"created":3`)
	assert.NotContains(t, buf.String(), "hidden")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "run finished")
}

func TestGormLoggerTrace(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	g := NewGormLogger(base, time.Millisecond)
	ctx := context.Background()
	fc := func() (string, int64) { return "SELECT 1", 1 }

	g.Trace(ctx, time.Now(), fc, nil)
	assert.Empty(t, buf.String(), "fast queries are debug only")

	g.Trace(ctx, time.Now().Add(-time.Second), fc, nil)
	assert.Contains(t, buf.String(), "slow query")

	buf.Reset()
	g.Trace(ctx, time.Now(), fc, errors.New("no such table"))
	assert.Contains(t, buf.String(), "no such table")
	assert.Same(t, g, g.LogMode(0))
}
