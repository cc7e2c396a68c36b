package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 4, cfg.MinWorkers)
	assert.Equal(t, 16, cfg.MaxWorkers)
	assert.Equal(t, 5*time.Second, cfg.WorkerIdleTimeout)
	assert.Equal(t, 300*time.Second, cfg.StaleTaskThreshold)
}

func TestLoad_MaxWorkersClamped(t *testing.T) {
	t.Setenv("MIN_WORKERS", "8")
	t.Setenv("MAX_WORKERS", "2")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxWorkers)
}

func TestLoad_APIKeys(t *testing.T) {
	t.Setenv("API_KEYS", "openai:sk-one,groq:sk-two")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-one", cfg.APIKeys["openai"])
	assert.Equal(t, "sk-two", cfg.APIKeys["groq"])
}

func TestDefaultRateLimits(t *testing.T) {
	limits := DefaultRateLimits()
	l := limits.For("openai")
	assert.Equal(t, DefaultRPM, l.RPM)
	assert.Equal(t, DefaultTPM, l.TPM)

	// Unknown services fall back to the global default.
	l = limits.For("someprovider")
	assert.Equal(t, DefaultRPM, l.RPM)
}

func TestLoadRateLimits_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	content := "groq:\n  rpm: 30\n  tpm: 6000\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	limits, err := LoadRateLimits(path)
	require.NoError(t, err)
	assert.Equal(t, 30, limits.For("groq").RPM)
	assert.Equal(t, 6000, limits.For("groq").TPM)
	// Untouched entries keep defaults.
	assert.Equal(t, DefaultRPM, limits.For("openai").RPM)
}

func TestLoadRateLimits_MissingFile(t *testing.T) {
	_, err := LoadRateLimits("/nonexistent/limits.yaml")
	assert.Error(t, err)
}
