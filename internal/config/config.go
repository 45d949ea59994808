package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Fuabioo/flower-merge/internal/pathutil"
)

// Defaults used when neither the config file, the environment nor a flag
// names a value.
const (
	DefaultMain        = "flowers.json"
	DefaultSupplement  = "supplementary_flowers.json"
	DefaultLockTimeout = 5 * time.Second
)

// Config is the top-level flower-merge configuration.
type Config struct {
	Main        string         `yaml:"main,omitempty"`
	Supplement  string         `yaml:"supplement,omitempty"`
	LockTimeout time.Duration  `yaml:"lock_timeout,omitempty"` // unset: DefaultLockTimeout; negative disables locking
	History     *HistoryConfig `yaml:"history,omitempty"`
}

// HistoryConfig controls the run history database.
type HistoryConfig struct {
	Disabled   bool   `yaml:"disabled"` // default: false (history enabled)
	DBPath     string `yaml:"db_path,omitempty"`
	ArchiveDir string `yaml:"archive_dir,omitempty"`
}

// HistoryEnabled reports whether runs should be recorded.
// FLOWER_MERGE_HISTORY=0 disables recording regardless of the file.
func (c Config) HistoryEnabled() bool {
	if os.Getenv("FLOWER_MERGE_HISTORY") == "0" {
		return false
	}
	return c.History == nil || !c.History.Disabled
}

// HistoryDBPath returns the configured database path, or "" for the default.
func (c Config) HistoryDBPath() string {
	if c.History == nil {
		return ""
	}
	return c.History.DBPath
}

// Load builds the configuration from, in increasing precedence: built-in
// defaults, the config file, and FLOWER_MERGE_* environment variables.
// A .env file in the working directory is loaded first; it never overrides
// variables already set in the environment.
//
// Config file search order: $FLOWER_MERGE_CONFIG →
// $XDG_CONFIG_HOME/flower-merge/config.yaml → ~/.config/flower-merge/config.yaml.
// A missing file is not an error; a file with invalid YAML is.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	path, err := findConfigPath()
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if path != "" {
		cfg, err = LoadFrom(path)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// LoadFrom parses a config from the given file path without applying
// environment overrides or defaults.
func LoadFrom(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLOWER_MERGE_MAIN"); v != "" {
		c.Main = v
	}
	if v := os.Getenv("FLOWER_MERGE_SUPPLEMENT"); v != "" {
		c.Supplement = v
	}
	if v := os.Getenv("FLOWER_MERGE_HISTORY_DB"); v != "" {
		if c.History == nil {
			c.History = &HistoryConfig{}
		}
		c.History.DBPath = v
	}
}

func (c *Config) applyDefaults() {
	if c.Main == "" {
		c.Main = DefaultMain
	}
	if c.Supplement == "" {
		c.Supplement = DefaultSupplement
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	c.Main = pathutil.Expand(c.Main)
	c.Supplement = pathutil.Expand(c.Supplement)
	if c.History != nil {
		c.History.DBPath = pathutil.Expand(c.History.DBPath)
		c.History.ArchiveDir = pathutil.Expand(c.History.ArchiveDir)
	}
}

// findConfigPath returns the path to the first config file found,
// or empty string if none exists.
func findConfigPath() (string, error) {
	if p := os.Getenv("FLOWER_MERGE_CONFIG"); p != "" {
		p = pathutil.Expand(p)
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("config: $FLOWER_MERGE_CONFIG points to %s which does not exist", p)
			}
			return "", fmt.Errorf("config: stat %s: %w", p, err)
		}
		return p, nil
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		p := filepath.Join(xdg, "flower-merge", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", nil // Can't determine home, treat as no config.
	}
	p := filepath.Join(home, ".config", "flower-merge", "config.yaml")
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}

	return "", nil
}
