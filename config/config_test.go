package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collaborativehq/sage-memory/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, 0.92, cfg.SemanticDupThreshold)
	assert.Equal(t, 10, cfg.TopK)
	assert.Equal(t, 3, cfg.MinSupportItems)
	assert.Equal(t, 4, cfg.MinContentWords)
	assert.Equal(t, 30*time.Second, cfg.EngineTimeout)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("top_k: 5\nsemantic_dup_threshold: 0.9\nengine_timeout: 45s\n"), 0o644))

	t.Setenv("SAGE_TOP_K", "7")
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.TopK, "environment wins over the file")
	assert.Equal(t, 0.9, cfg.SemanticDupThreshold)
	assert.Equal(t, 45*time.Second, cfg.EngineTimeout)
	assert.Equal(t, "test-key", cfg.AnthropicAPIKey)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("semantic_dup_threshold: 1.5\n"), 0o644))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
