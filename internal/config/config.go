// Package config provides host configuration for Codesage.
//
// Configuration follows a defaults-then-file precedence: Default() supplies
// every value, and an optional TOML file overrides the fields it sets. A
// missing file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the host configuration.
type Config struct {
	// LogLevel is the minimum log level ("debug", "info", "warn", "error").
	LogLevel string `toml:"log_level" json:"logLevel"`

	// Plugins configures the plugin subsystem.
	Plugins PluginsConfig `toml:"plugins" json:"plugins"`
}

// PluginsConfig configures plugin discovery and execution.
type PluginsConfig struct {
	// Enabled globally enables or disables plugin loading.
	Enabled bool `toml:"enabled" json:"enabled"`

	// BuiltinDir is the root of built-in plugins shipped with the host.
	BuiltinDir string `toml:"builtin_dir" json:"builtinDir"`

	// LocalDir is the user-local plugin directory. Created if absent.
	LocalDir string `toml:"local_dir" json:"localDir"`

	// PackagedRoots are candidate roots for externally installed plugin
	// packages, in priority order. The first root that exists is used.
	PackagedRoots []string `toml:"packaged_roots" json:"packagedRoots"`

	// Disabled lists plugin names that must never be loaded.
	Disabled []string `toml:"disabled" json:"disabled"`

	// Sandbox configures the execution envelope around plugin code.
	Sandbox SandboxConfig `toml:"sandbox" json:"sandbox"`
}

// SandboxConfig configures the plugin execution envelope.
type SandboxConfig struct {
	// Enabled wraps plugin hooks and capability methods in timeout envelopes.
	Enabled bool `toml:"enabled" json:"enabled"`

	// TimeoutMs bounds the caller's wait on any single plugin call.
	TimeoutMs int `toml:"timeout_ms" json:"timeoutMs"`

	// MaxMemory is an advisory heap-delta limit ("512MB", "1GB", bare bytes).
	MaxMemory string `toml:"max_memory" json:"maxMemory"`

	// AllowedModules is the advisory module allow-list. Wants outside the
	// list are logged, not blocked.
	AllowedModules []string `toml:"allowed_modules" json:"allowedModules"`
}

// Default returns the default host configuration.
func Default() *Config {
	localDir := "plugins"
	var packagedRoots []string
	if home, err := os.UserHomeDir(); err == nil {
		localDir = filepath.Join(home, ".config", "codesage", "plugins")
		packagedRoots = append(packagedRoots,
			filepath.Join(home, ".local", "share", "codesage", "packages"))
	}
	packagedRoots = append(packagedRoots,
		"/usr/local/share/codesage/packages",
		"/usr/share/codesage/packages",
	)

	return &Config{
		LogLevel: "info",
		Plugins: PluginsConfig{
			Enabled:       true,
			BuiltinDir:    filepath.Join("plugins", "builtin"),
			LocalDir:      localDir,
			PackagedRoots: packagedRoots,
			Sandbox: SandboxConfig{
				Enabled:   true,
				TimeoutMs: 30000,
				MaxMemory: "512MB",
			},
		},
	}
}

// Load reads configuration from a TOML file, layered over Default().
// A nonexistent file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}
