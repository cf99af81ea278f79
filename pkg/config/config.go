// Package config loads the daemon's own bootstrap configuration: where
// its data directory and socket live, its log level, and the defaults
// applied to a registered ProcessSpec when it omits a value.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/oxidekit/oxidepm/pkg/errors"
	"github.com/oxidekit/oxidepm/pkg/spec"

	"gopkg.in/yaml.v3"
)

// DaemonConfig is the top-level shape of the daemon's own config file.
type DaemonConfig struct {
	Daemon  DaemonOptions  `yaml:"daemon"`
	Metrics MetricsOptions `yaml:"metrics,omitempty"`
	Defaults DefaultOptions `yaml:"defaults,omitempty"`
}

// DaemonOptions controls where the daemon keeps its state and how
// verbosely it logs.
type DaemonOptions struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level,omitempty"`
}

// MetricsOptions controls the opt-in /metrics HTTP endpoint.
type MetricsOptions struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr,omitempty"`
}

// DefaultOptions carries the restart/health/watch values applied to a
// registered spec when it leaves the corresponding field unset.
type DefaultOptions struct {
	RestartDelay time.Duration `yaml:"restart_delay_ms,omitempty"`
	MaxRestarts  int           `yaml:"max_restarts,omitempty"`
	MinUptime    time.Duration `yaml:"min_uptime_ms,omitempty"`
	BackoffCap   int           `yaml:"backoff_cap,omitempty"`
}

// SocketPath is derived, not configured directly, so that it always
// lives alongside the rest of the data directory's contents.
func (c *DaemonConfig) SocketPath() string {
	return filepath.Join(c.Daemon.DataDir, "daemon.sock")
}

func (c *DaemonConfig) LockPath() string {
	return filepath.Join(c.Daemon.DataDir, "daemon.lock")
}

func (c *DaemonConfig) CheckpointPath() string {
	return filepath.Join(c.Daemon.DataDir, "state.db")
}

func (c *DaemonConfig) SavedPath() string {
	return filepath.Join(c.Daemon.DataDir, "saved.json")
}

func (c *DaemonConfig) LogsDir() string {
	return filepath.Join(c.Daemon.DataDir, "logs")
}

func (c *DaemonConfig) CacheDir() string {
	return filepath.Join(c.Daemon.DataDir, "cache")
}

// LoadConfigFromFile loads the daemon configuration from a YAML file,
// applying defaults and validating the result.
func LoadConfigFromFile(filename string) (*DaemonConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read daemon configuration", err).WithContext("filename", filename)
	}

	var cfg DaemonConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewInvalidSpecError("failed to parse daemon configuration YAML", err).WithContext("filename", filename)
	}

	setConfigDefaults(&cfg)

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file is given,
// rooted at ~/.oxipm (or $HOME equivalent).
func DefaultConfig() *DaemonConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	cfg := &DaemonConfig{
		Daemon: DaemonOptions{DataDir: filepath.Join(home, ".oxipm")},
	}
	setConfigDefaults(cfg)
	return cfg
}

func setConfigDefaults(cfg *DaemonConfig) {
	if cfg.Daemon.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		cfg.Daemon.DataDir = filepath.Join(home, ".oxipm")
	}
	if cfg.Daemon.LogLevel == "" {
		cfg.Daemon.LogLevel = "info"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9477"
	}
	if cfg.Defaults.MaxRestarts == 0 {
		cfg.Defaults.MaxRestarts = 10
	}
	if cfg.Defaults.RestartDelay == 0 {
		cfg.Defaults.RestartDelay = 1 * time.Second
	}
	if cfg.Defaults.MinUptime == 0 {
		cfg.Defaults.MinUptime = 1 * time.Second
	}
	if cfg.Defaults.BackoffCap == 0 {
		cfg.Defaults.BackoffCap = 6
	}
}

// ValidateConfig checks the static well-formedness of a loaded config.
func ValidateConfig(cfg *DaemonConfig) error {
	if cfg == nil {
		return errors.NewInvalidSpecError("daemon configuration cannot be nil", nil)
	}
	if cfg.Daemon.DataDir == "" {
		return errors.NewInvalidSpecError("daemon.data_dir must not be empty", nil)
	}
	switch cfg.Daemon.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.NewInvalidSpecError("invalid daemon.log_level", nil).WithContext("log_level", cfg.Daemon.LogLevel)
	}
	return nil
}

// ApplyDefaults fills in a registered spec's restart-policy fields left
// at their zero value, using this daemon's configured defaults.
func (c *DaemonConfig) ApplyDefaults(s *spec.ProcessSpec) {
	if s.Restart.MaxRestarts == 0 {
		s.Restart.MaxRestarts = c.Defaults.MaxRestarts
	}
	if s.Restart.RestartDelay == 0 {
		s.Restart.RestartDelay = c.Defaults.RestartDelay
	}
	if s.Restart.MinUptime == 0 {
		s.Restart.MinUptime = c.Defaults.MinUptime
	}
	if s.Restart.BackoffCap == 0 {
		s.Restart.BackoffCap = c.Defaults.BackoffCap
	}
	if s.Instances == 0 {
		s.Instances = 1
	}
}

// EnsureDataDirs creates the data directory tree the daemon needs before
// it can bind its socket or open any log file.
func (c *DaemonConfig) EnsureDataDirs() error {
	for _, dir := range []string{c.Daemon.DataDir, c.LogsDir(), c.CacheDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errors.NewIOError("failed to create data directory", err).WithContext("dir", dir)
		}
	}
	return nil
}
