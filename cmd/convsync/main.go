package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.convsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Cache   ConfigCache   `toml:"cache"`
	Sync    ConfigSync    `toml:"sync"`
}

// ConfigDefault holds the service endpoint and identity.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	LogLevel string `toml:"log_level"`
}

// ConfigCache selects the local cache backend.
type ConfigCache struct {
	Backend  string `toml:"backend"` // memory, pebble, redis
	Path     string `toml:"path"`
	RedisURL string `toml:"redis_url"`
}

// ConfigSync overrides engine timings.
type ConfigSync struct {
	PageSize        int    `toml:"page_size"`
	ReconcileWindow string `toml:"reconcile_window"`
	TypingTimeout   string `toml:"typing_timeout"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.convsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".convsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadFileConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadFileConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig is loadFileConfig with CONVSYNC_* environment overrides applied.
func loadConfig() (*Config, error) {
	cfg, err := loadFileConfig()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// envKeys maps CONVSYNC_* variables onto config keys.
var envKeys = map[string]string{
	"CONVSYNC_BASE_URL":         "default.base_url",
	"CONVSYNC_TOKEN":            "default.token",
	"CONVSYNC_USER_ID":          "default.user_id",
	"CONVSYNC_LOG_LEVEL":        "default.log_level",
	"CONVSYNC_CACHE_BACKEND":    "cache.backend",
	"CONVSYNC_CACHE_PATH":       "cache.path",
	"CONVSYNC_REDIS_URL":        "cache.redis_url",
	"CONVSYNC_PAGE_SIZE":        "sync.page_size",
	"CONVSYNC_RECONCILE_WINDOW": "sync.reconcile_window",
	"CONVSYNC_TYPING_TIMEOUT":   "sync.typing_timeout",
}

func applyEnv(cfg *Config) error {
	for env, key := range envKeys {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
		}
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "user_id":
			cfg.Default.UserID = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "cache":
		switch field {
		case "backend":
			switch value {
			case "memory", "pebble", "redis":
			default:
				return fmt.Errorf("unknown cache backend %q (valid: memory, pebble, redis)", value)
			}
			cfg.Cache.Backend = value
		case "path":
			cfg.Cache.Path = value
		case "redis_url":
			cfg.Cache.RedisURL = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "sync":
		switch field {
		case "page_size":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("page_size must be a positive integer")
			}
			cfg.Sync.PageSize = n
		case "reconcile_window":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("reconcile_window: %w", err)
			}
			cfg.Sync.ReconcileWindow = value
		case "typing_timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("typing_timeout: %w", err)
			}
			cfg.Sync.TypingTimeout = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, cache, sync)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagLogLevel string
	flagEnvFile  string
)

var rootCmd = &cobra.Command{
	Use:   "convsync",
	Short: "Conversation sync CLI",
	Long:  "Command-line interface for the conversation sync engine.\nTail conversations, send messages, inspect unread counts and the local cache.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagEnvFile != "" {
			if err := godotenv.Load(flagEnvFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load %s: %w", flagEnvFile, err)
			}
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "dotenv file with CONVSYNC_* overrides")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
