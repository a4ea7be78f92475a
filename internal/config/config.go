// Package config loads the server configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr           string `yaml:"addr"`
	DataDir        string `yaml:"data_dir"`
	ExperiencePath string `yaml:"experience"`

	AdminPrefix string   `yaml:"admin_prefix"`
	Admins      []string `yaml:"admins"`

	Auth AuthConfig `yaml:"auth"`

	LockWaitMs int `yaml:"lock_wait_ms"`

	NarratorURL string `yaml:"narrator_url"`

	Log LogConfig `yaml:"log"`
}

type AuthConfig struct {
	Tokens      map[string]string `yaml:"tokens"` // token -> user id
	AllowDev    bool              `yaml:"allow_dev"`
	CacheTTLSec int               `yaml:"cache_ttl_sec"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // empty: stderr only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

func Defaults() Config {
	return Config{
		Addr:           ":8080",
		DataDir:        "./data",
		ExperiencePath: "./configs/experience.yaml",
		AdminPrefix:    "/",
		Auth: AuthConfig{
			AllowDev:    true,
			CacheTTLSec: 60,
		},
		LockWaitMs: 2000,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("server config: %w", err)
	}
	return c, nil
}

func (c Config) LockWait() time.Duration {
	if c.LockWaitMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.LockWaitMs) * time.Millisecond
}

func (c Config) AuthCacheTTL() time.Duration {
	if c.Auth.CacheTTLSec <= 0 {
		return time.Minute
	}
	return time.Duration(c.Auth.CacheTTLSec) * time.Second
}
