package config

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootLogger(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		NewRootLogger(&buf, tt.level, LogFormatJSON)
		assert.Equal(t, tt.want, zerolog.GlobalLevel(), "level %q", tt.level)
	}
}

func TestNewRootLogger_JSONFields(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	var buf bytes.Buffer
	logger := NewRootLogger(&buf, "info", LogFormatJSON)
	logger.Debug().Msg("hidden")
	logger.Info().Str("run_id", "r1").Msg("Run started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "quantfunk", entry["service"])
	assert.Equal(t, Version, entry["version"])
	assert.Equal(t, "r1", entry["run_id"])
	assert.Equal(t, "Run started", entry["message"])
}

func TestNewRootLogger_Console(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	var buf bytes.Buffer
	logger := NewRootLogger(&buf, "info", "Console")
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(buf.Bytes()))
}
