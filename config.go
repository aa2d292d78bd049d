package main

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFile represents the config.toml structure.
type ConfigFile struct {
	ListenAddr      string `toml:"listen_addr"`
	CredentialsPath string `toml:"credentials_path"`
	DBPath          string `toml:"db_path"`
	MaxRetries      int    `toml:"max_retries"`
	UsageTTLSeconds int    `toml:"usage_ttl_seconds"`
	Debug           bool   `toml:"debug"`
	LogFile         string `toml:"log_file"`
	ClaudeBase      string `toml:"claude_base"`
	TokenURL        string `toml:"token_url"`
	UsageURL        string `toml:"usage_url"`
	WatchCreds      bool   `toml:"watch_credentials"`
}

// loadConfigFile loads config.toml if it exists.
// Returns nil if the file doesn't exist.
func loadConfigFile(path string) (*ConfigFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	var cfg ConfigFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// getConfigString returns the config value with priority: env var > config file > default.
func getConfigString(envKey string, configValue string, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

// getConfigInt returns the config value with priority: env var > config file > default.
func getConfigInt(envKey string, configValue int, defaultValue int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if configValue > 0 {
		return configValue
	}
	return defaultValue
}

// getConfigBool returns the config value with priority: env var > config file > default.
func getConfigBool(envKey string, configValue bool, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if configValue {
		return true
	}
	return defaultValue
}

// getConfigDuration reads a seconds-valued config with env > file > default precedence.
func getConfigDuration(envKey string, configSeconds int, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	if configSeconds > 0 {
		return time.Duration(configSeconds) * time.Second
	}
	return defaultValue
}
