package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, 15, cfg.Analysis.TopK)
	assert.Equal(t, 5, cfg.History.Capacity)
	assert.Equal(t, time.Hour, cfg.History.CacheTTL())
	assert.Equal(t, 5, cfg.Quota.AnonymousLimit)
	assert.Equal(t, 30*time.Minute, cfg.Analysis.StaleAfter())
	assert.Equal(t, "file", cfg.Status.Backend)
	assert.Equal(t, DefaultContextQuery, cfg.Analysis.ContextQuery)
	assert.Contains(t, cfg.Analysis.AllowedExtensions, "Dockerfile")
	assert.Contains(t, cfg.Analysis.IgnoredDirectories, "node_modules")
	assert.Equal(t, "gemini-2.5-flash", cfg.Generation.ChatModel)
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		Analysis: AnalysisConfig{TopK: 3, AllowedExtensions: []string{".go"}},
		History:  HistoryConfig{Capacity: 10},
	}
	cfg.ApplyDefaults()

	assert.Equal(t, 3, cfg.Analysis.TopK)
	assert.Equal(t, []string{".go"}, cfg.Analysis.AllowedExtensions)
	assert.Equal(t, 10, cfg.History.Capacity)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
history:
  capacity: 7
analysis:
  top_k: 20
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 7, cfg.History.Capacity)
	assert.Equal(t, 20, cfg.Analysis.TopK)
	assert.Equal(t, 5, cfg.Quota.AnonymousLimit)
}

func TestLoad_PrefersLocalOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.local.yaml"), []byte("server:\n  port: 2\n"), 0644))

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
