// Package config provides configuration management for ai-review.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

const (
	// DefaultPort is the server bind port.
	DefaultPort = 3000

	// DefaultHost is the API base URL handed to reviewer processes.
	DefaultHost = "http://localhost:3000"
)

// Config holds process-wide settings for the orchestrator.
type Config struct {
	Port    int    `json:"port"`
	Host    string `json:"host"`
	DataDir string `json:"data_dir"`

	// ReviewDeadline bounds one reviewer subprocess run.
	ReviewDeadline time.Duration `json:"review_deadline"`
	// StopGrace is how long a runner waits between SIGTERM and SIGKILL.
	StopGrace time.Duration `json:"stop_grace"`
	// ConnTestTimeout bounds a connection-test probe.
	ConnTestTimeout time.Duration `json:"conn_test_timeout"`

	ConsensusThreshold    float64 `json:"consensus_threshold"`
	MaxTurns              int     `json:"max_turns"`
	MaxVerificationRounds int     `json:"max_verification_rounds"`
	DedupProximityLines   int     `json:"dedup_proximity_lines"`

	// MaxSubprocesses caps concurrent reviewer subprocesses across sessions.
	MaxSubprocesses int64 `json:"max_subprocesses"`
	// ActivityBufferSize caps retained activity events per agent.
	ActivityBufferSize int `json:"activity_buffer_size"`
	// RuntimeBufferBytes sizes the per-stream stdout/stderr ring buffers.
	RuntimeBufferBytes int `json:"runtime_buffer_bytes"`
	// MaxSSESubscribers caps SSE subscribers per session.
	MaxSSESubscribers int `json:"max_sse_subscribers"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Port:                  DefaultPort,
		Host:                  DefaultHost,
		DataDir:               defaultDataDir(),
		ReviewDeadline:        20 * time.Minute,
		StopGrace:             5 * time.Second,
		ConnTestTimeout:       60 * time.Second,
		ConsensusThreshold:    2.0,
		MaxTurns:              3,
		MaxVerificationRounds: 2,
		DedupProximityLines:   5,
		MaxSubprocesses:       8,
		ActivityBufferSize:    50,
		RuntimeBufferBytes:    8 * 1024,
		MaxSSESubscribers:     16,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ai-review"
	}
	return filepath.Join(home, ".ai-review")
}

// SettingsPath returns the settings file location under the data directory.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "settings.json")
}

// SessionsDir returns the root of per-session persisted state.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// PresetsPath returns the process-wide presets file.
func (c *Config) PresetsPath() string {
	return filepath.Join(c.DataDir, "presets.json")
}

// Load reads settings from the data directory, applying environment
// overrides on top of defaults. A missing settings file is not an error.
func Load() (*Config, error) {
	cfg := Default()
	applyEnv(cfg)

	data, err := os.ReadFile(cfg.SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	// Env wins over file contents so operators can override per-run.
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ARV_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("ARV_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Port = p
		}
	}
	if v := os.Getenv("ARV_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
}

// EnsureDataDir creates the data directory tree.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.SessionsDir(), 0o755)
}
