package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(&Config{Level: "verbose", Format: "json"})
	require.Error(t, err)

	_, err = New(&Config{Level: "info", Format: "xml"})
	require.Error(t, err)
}

func TestComponentAddsAttribute(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&Config{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)

	log.Component("service/ingestion").With("pull_request_id", 12).Info("stored")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "stored", entry["msg"])
	require.Equal(t, "service/ingestion", entry["component"])
	require.Equal(t, float64(12), entry["pull_request_id"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&Config{Level: "warn", Format: "text", Output: &buf})
	require.NoError(t, err)

	log.Info("hidden")
	require.Zero(t, buf.Len())

	log.Warn("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestGetSlogLevel(t *testing.T) {
	require.Equal(t, LevelFatal, (&Config{Level: "fatal"}).GetSlogLevel())
	require.Equal(t, "INFO", (&Config{Level: "unknown"}).GetSlogLevel().String())
}
