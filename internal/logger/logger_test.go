package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "warn"}, &buf)
	require.NoError(t, err)
	defer l.Close()

	l.Info().Msg("dropped")
	l.Warn().Str("session", "s1").Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "s1", entry["session"])
	assert.Equal(t, "kept", entry["message"])
}

func TestNewReplacesGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "debug"}, &buf)
	require.NoError(t, err)
	defer l.Close()

	log.Debug().Msg("through global")
	assert.Contains(t, buf.String(), "through global")
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "chatty"}, &buf)
	require.NoError(t, err)
	defer l.Close()

	l.Debug().Msg("hidden")
	l.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", File: path}, &buf)
	require.NoError(t, err)

	l.Info().Msg("to file")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
