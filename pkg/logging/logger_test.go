// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel(" error "))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{Level: LevelDebug, LogDir: dir, Service: "orchestrator", Quiet: true})
	require.NoError(t, err)

	l.Info("session created", "session_id", "s1")
	require.NoError(t, l.Close())

	name := "orchestrator_" + time.Now().Format("2006-01-02") + ".log"
	raw, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &entry))
	assert.Equal(t, "session created", entry["msg"])
	assert.Equal(t, "s1", entry["session_id"])
	assert.Equal(t, "orchestrator", entry["service"])
}

func TestNew_QuietWithoutFileDiscards(t *testing.T) {
	l, err := New(Config{Quiet: true})
	require.NoError(t, err)
	// Must not panic and Close must be safe without a file.
	l.Info("dropped")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}

func TestMultiHandler_FanOut(t *testing.T) {
	var a, b bytes.Buffer
	h := multiHandler{
		slog.NewJSONHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}
	l := slog.New(h)

	l.Info("hello")
	assert.Contains(t, a.String(), "hello")
	assert.Empty(t, b.String(), "level-filtered destination skips the record")

	l.Error("boom")
	assert.Contains(t, b.String(), "boom")

	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
}
