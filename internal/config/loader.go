// Package config provides configuration loading for mcpmux.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper prepares viper to read mcpmux's config: an explicit file when
// configFile is non-empty, otherwise the standard search locations, plus
// MCPMUX_-prefixed environment variable overrides.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("mcpmux")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("MCPMUX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches the standard locations, in order, for
// mcpmux.yaml or mcpmux.yml.
func findConfigFile() string {
	var paths []string
	paths = append(paths, ".")

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".mcpmux"))
	}

	if runtime.GOOS == "windows" {
		if programData := os.Getenv("ProgramData"); programData != "" {
			paths = append(paths, filepath.Join(programData, "mcpmux"))
		}
	} else {
		paths = append(paths, "/etc/mcpmux")
	}

	return findConfigFileInPaths(paths)
}

func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, name := range []string{"mcpmux.yaml", "mcpmux.yml"} {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// bindNestedEnvKeys makes sure nested keys are reachable via environment
// variables even before a config file declares them, since viper only
// infers env bindings for keys it has already seen.
func bindNestedEnvKeys() {
	keys := []string{
		"server.log_level",
		"server.structured_logging",
		"server.response_timeout",
		"server.healthcheck_interval",
		"server.healthcheck_timeout",
		"server.namespace_separator",
		"auth.token",
		"auth.token_hash",
		"rate_limit.per_minute",
	}
	for _, k := range keys {
		_ = viper.BindEnv(k)
	}
}

// LoadConfig reads the config file (if any), applies defaults, and
// validates the result. Returns a configuration error (exit code 1 per
// spec.md §6) on any failure.
func LoadConfig() (*ProxyConfig, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads and unmarshals the config without applying defaults
// or validation, so callers (e.g. the CLI) can layer flag overrides first.
func LoadConfigRaw() (*ProxyConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg ProxyConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the config file viper actually read,
// or "" if none was found.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
