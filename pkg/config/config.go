// Package config provides a reusable loader for TAP agent configuration,
// mirroring the teacher's pkg/config viper-based loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for an embedding TAP agent process.
type Config struct {
	KeyStore struct {
		Path       string `mapstructure:"path" json:"path"`
		DefaultDID string `mapstructure:"default_did" json:"default_did"`
	} `mapstructure:"key_store" json:"key_store"`

	Envelope struct {
		MaxClockDriftSeconds int `mapstructure:"max_clock_drift_seconds" json:"max_clock_drift_seconds"`
	} `mapstructure:"envelope" json:"envelope"`

	Decision struct {
		BridgeCommand string   `mapstructure:"bridge_command" json:"bridge_command"`
		BridgeArgs    []string `mapstructure:"bridge_args" json:"bridge_args"`
	} `mapstructure:"decision" json:"decision"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// MaxClockDrift returns the configured drift as a time.Duration, defaulting
// to 60s per spec.md §4.4.
func (c *Config) MaxClockDrift() time.Duration {
	if c.Envelope.MaxClockDriftSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Envelope.MaxClockDriftSeconds) * time.Second
}

// DefaultKeyStorePath returns "<home>/.tap/keys.json" per spec.md §6.3.
func DefaultKeyStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".tap", "keys.json")
}

// Defaults returns a Config populated with spec-mandated defaults.
func Defaults() *Config {
	c := &Config{}
	c.KeyStore.Path = DefaultKeyStorePath()
	c.Envelope.MaxClockDriftSeconds = 60
	c.Logging.Level = "info"
	return c
}

// Load reads configuration from the named file (if non-empty) merged over
// environment variables prefixed TAP_, merged over Defaults(). env follows
// the teacher's Load(env string) contract but names a config file path
// directly rather than an environment short-name, since TAP agents are
// embedded as a library rather than launched per-environment like a node.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("TAP")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.KeyStore.Path == "" {
		cfg.KeyStore.Path = DefaultKeyStorePath()
	}
	return cfg, nil
}

// LoadFromEnv loads configuration using the TAP_CONFIG_FILE environment
// variable, mirroring the teacher's LoadFromEnv(SYNN_ENV) convenience.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv("TAP_CONFIG_FILE"))
}
