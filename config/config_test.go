package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "ragkb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, 2048, cfg.Budget.MaxContextTokens)
	assert.Equal(t, 350, cfg.Budget.ChunkMaxTokens)
	assert.Equal(t, 20, cfg.Retrieval.TopKRaw)
	assert.Equal(t, 5, cfg.Retrieval.TopM)
	assert.Equal(t, 0.5, cfg.Budget.CompressionRatio)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "ragkb.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Budget, cfg.Budget)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
chunking:
  strategy: window
  chunk_tokens: 256
retrieval:
  top_k_raw: 10
  channel_timeout: 750ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "window", cfg.Chunking.Strategy)
	assert.Equal(t, 256, cfg.Chunking.ChunkTokens)
	assert.Equal(t, 10, cfg.Retrieval.TopKRaw)
	assert.Equal(t, 750*time.Millisecond, cfg.Retrieval.ChannelTimeout)
	assert.Equal(t, 5, cfg.Retrieval.TopM, "unset keys keep their defaults")
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "budget: [unterminated\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "parse")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"budget below chunk cap", func(c *Config) { c.Budget.MaxContextTokens = 100 }, "max_context_tokens"},
		{"top_m above top_k_raw", func(c *Config) { c.Retrieval.TopM = 50 }, "top_m"},
		{"ratio zero", func(c *Config) { c.Budget.CompressionRatio = 0 }, "compression_ratio"},
		{"ratio above one", func(c *Config) { c.Budget.CompressionRatio = 1.5 }, "compression_ratio"},
		{"dimension", func(c *Config) { c.Embedding.Dimension = 0 }, "embedding.dimension"},
		{"overlap", func(c *Config) { c.Chunking.ChunkOverlap = c.Chunking.ChunkTokens }, "chunk_overlap"},
		{"strategy", func(c *Config) { c.Chunking.Strategy = "sentences" }, "chunking.strategy"},
		{"attempts", func(c *Config) { c.Ingestion.MaxAttempts = 0 }, "max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.field)
		})
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "budget:\n  max_context_tokens: 100\n  chunk_max_tokens: 350\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFromDir_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "budget:\n  max_context_tokens: 8000\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RAGKB_EMBEDDING_MODEL=from-dotenv\n"), 0o644))
	t.Setenv("RAGKB_TOP_M", "3")
	// registered for restore, then cleared so .env can supply it
	t.Setenv("RAGKB_EMBEDDING_MODEL", "")
	require.NoError(t, os.Unsetenv("RAGKB_EMBEDDING_MODEL"))

	cfg, err := LoadFromDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Budget.MaxContextTokens)
	assert.Equal(t, 3, cfg.Retrieval.TopM)
	assert.Equal(t, "from-dotenv", cfg.Embedding.Model)
}

func TestLoad_BadEnvNumber(t *testing.T) {
	t.Setenv("RAGKB_TOP_K_RAW", "many")
	_, err := Load(filepath.Join(t.TempDir(), "ragkb.yaml"))
	assert.ErrorContains(t, err, "RAGKB_TOP_K_RAW")
}

func TestSave_RoundTripAndNoClobber(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragkb.yaml")
	cfg := DefaultConfig()
	cfg.Retrieval.ChannelTimeout = 1500 * time.Millisecond
	cfg.Chunking.Strategy = "window"

	require.NoError(t, cfg.Save(path, false))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Retrieval, loaded.Retrieval)
	assert.Equal(t, cfg.Chunking, loaded.Chunking)

	err = cfg.Save(path, false)
	assert.True(t, os.IsExist(err))
	assert.NoError(t, cfg.Save(path, true))
}

func TestStorePaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/srv/ragkb"

	assert.Equal(t, filepath.Join("/srv/ragkb", "chunks.db"), cfg.ChunkStorePath())
	assert.Equal(t, filepath.Join("/srv/ragkb", "vectors.db"), cfg.VectorIndexPath())
}
