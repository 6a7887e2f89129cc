// Package config provides configuration management for ai-review.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, 20*time.Minute, cfg.ReviewDeadline)
	assert.Equal(t, 2.0, cfg.ConsensusThreshold)
	assert.Equal(t, 3, cfg.MaxTurns)
	assert.Equal(t, 2, cfg.MaxVerificationRounds)
	assert.Equal(t, 5, cfg.DedupProximityLines)
	assert.GreaterOrEqual(t, cfg.ActivityBufferSize, 50)
	assert.GreaterOrEqual(t, cfg.RuntimeBufferBytes, 8*1024)
	assert.Contains(t, cfg.DataDir, ".ai-review")
}

func TestLoadMissingSettingsUsesDefaults(t *testing.T) {
	t.Setenv("ARV_DATA_DIR", t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().MaxTurns, cfg.MaxTurns)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARV_DATA_DIR", dir)
	t.Setenv("ARV_HOST", "http://example.test:9999")
	t.Setenv("ARV_PORT", "9999")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://example.test:9999", cfg.Host)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestLoadSettingsFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARV_DATA_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"),
		[]byte(`{"max_turns": 7, "consensus_threshold": 1.2}`), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxTurns)
	assert.InDelta(t, 1.2, cfg.ConsensusThreshold, 0.001)
}

func TestEnsureDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "nested")
	require.NoError(t, cfg.EnsureDataDir())

	info, err := os.Stat(cfg.SessionsDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	assert.Equal(t, "/data/settings.json", cfg.SettingsPath())
	assert.Equal(t, "/data/sessions", cfg.SessionsDir())
	assert.Equal(t, "/data/presets.json", cfg.PresetsPath())
}
