package drowsynet

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfigDefaults verifies an empty environment yields the defaults.
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(env.Options{Prefix: "DROWSY_TEST_EMPTY_"})
	require.NoError(t, err)

	assert.Equal(t, FramingNone, cfg.Framing)
	assert.Equal(t, DefaultMaxFrameSize, cfg.MaxFrameSize)
	assert.Equal(t, DefaultReadBufferSize, cfg.ReadBufferSize)
	assert.Zero(t, cfg.ReadTimeout)
	assert.Zero(t, cfg.WriteTimeout)
	assert.Same(t, DefaultExecutor(), cfg.Executor)
	assert.Nil(t, cfg.Metrics)
}

// TestLoadConfigFromEnv verifies every tagged field is read.
func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DROWSY_FRAMING", "length-prefixed")
	t.Setenv("DROWSY_MAX_FRAME_SIZE", "1024")
	t.Setenv("DROWSY_READ_BUFFER_SIZE", "512")
	t.Setenv("DROWSY_READ_TIMEOUT", "30s")
	t.Setenv("DROWSY_WRITE_TIMEOUT", "5s")

	cfg, err := LoadConfig(env.Options{Prefix: "DROWSY_"})
	require.NoError(t, err)

	assert.Equal(t, FramingLengthPrefixed, cfg.Framing)
	assert.Equal(t, int64(1024), cfg.MaxFrameSize)
	assert.Equal(t, 512, cfg.ReadBufferSize)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
}

// TestLoadConfigInvalid verifies malformed values are reported.
func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("DROWSY_BAD_FRAMING", "chunked")

	_, err := LoadConfig(env.Options{Prefix: "DROWSY_BAD_"})
	assert.Error(t, err)
}

// TestConfigNormalize verifies zero values fall back to defaults.
func TestConfigNormalize(t *testing.T) {
	exec := NewExecutor(1)
	defer exec.Close()

	cfg := Config{MaxFrameSize: -1, Executor: exec}.normalize()
	assert.Equal(t, DefaultMaxFrameSize, cfg.MaxFrameSize)
	assert.Equal(t, DefaultReadBufferSize, cfg.ReadBufferSize)
	assert.Same(t, exec, cfg.Executor)

	def := DefaultConfig()
	assert.Equal(t, FramingNone, def.Framing)
	assert.Equal(t, DefaultReadBufferSize, def.ReadBufferSize)
}
