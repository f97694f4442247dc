package logctx

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewJSONRendersCriticalLevelName(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewJSON(&buf, slog.LevelDebug)
	Critical(log, "invariant violated", "field", "refcount")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "CRITICAL", rec[slog.LevelKey])
	require.Equal(t, "invariant violated", rec[slog.MessageKey])
	require.Equal(t, "refcount", rec["field"])
}

func TestNewJSONFiltersBelowLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewJSON(&buf, slog.LevelWarn)
	log.Info("should not appear")
	require.Empty(t, buf.String())

	log.Warn("should appear")
	require.Contains(t, buf.String(), "should appear")
}

func TestNewInteractiveWritesSomething(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewInteractive(&buf, slog.LevelInfo)
	log.Info("hello")
	require.True(t, strings.Contains(buf.String(), "hello"))
}

func TestNewVerboseTogglesDebugLevel(t *testing.T) {
	t.Parallel()
	log := New(true)
	require.True(t, log.Enabled(nil, slog.LevelDebug))

	log = New(false)
	require.False(t, log.Enabled(nil, slog.LevelDebug))
}
