// Package config loads the orchestrator's own settings: worker pool
// size, failure handling, cache behavior, log verbosity. Workspace
// build rules (the pipeline and global hash inputs) live in
// monorail.json next to the root manifest; see workspace.go.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/monorail-dev/monorail/internal/errors"
)

// Config is the orchestrator configuration. Values resolve from
// defaults, then the config file, then MONORAIL_* environment
// variables, with command-line flags layered on top by the CLI.
type Config struct {
	// Concurrency bounds the task worker pool. Zero means one worker
	// per logical CPU.
	Concurrency int `mapstructure:"concurrency"`

	// ContinueOnError keeps independent subtrees running after a task
	// failure instead of skipping everything still pending.
	ContinueOnError bool `mapstructure:"continue_on_error"`

	// LogLevel is one of: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// LogFormat is text or json.
	LogFormat string `mapstructure:"log_format"`

	// Cache controls the cache provider stack.
	Cache CacheConfig `mapstructure:"cache"`
}

// CacheConfig controls local and remote cache behavior.
type CacheConfig struct {
	// Enabled turns caching off entirely when false. Every task then
	// executes, and nothing is stored.
	Enabled bool `mapstructure:"enabled"`

	// Dir is the local cache directory. Relative paths resolve against
	// the workspace root.
	Dir string `mapstructure:"dir"`

	// Workers sizes the write-behind pool that persists cache entries
	// off the task workers' critical path.
	Workers int `mapstructure:"workers"`

	// SignatureKey enables HMAC-SHA256 artifact signing when non-empty.
	// Every machine sharing a cache must use the same key.
	SignatureKey string `mapstructure:"signature_key"`

	// Remote configures the shared artifact store layered behind the
	// local cache.
	Remote RemoteConfig `mapstructure:"remote"`
}

// RemoteConfig points at a shared artifact store.
type RemoteConfig struct {
	// Enabled turns the remote layer on.
	Enabled bool `mapstructure:"enabled"`

	// URL is the artifact endpoint base, e.g. https://cache.example.com.
	URL string `mapstructure:"url"`

	// Token is sent as a bearer token on every request.
	Token string `mapstructure:"token"`

	// TimeoutSeconds bounds each remote request.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Timeout returns the per-request remote timeout as a duration.
func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// ResolveDir returns the cache directory resolved against the workspace
// root when configured as a relative path.
func (c CacheConfig) ResolveDir(root string) string {
	if filepath.IsAbs(c.Dir) {
		return c.Dir
	}
	return filepath.Join(root, c.Dir)
}

// Default returns a Config with every field at its default value.
func Default() *Config {
	return &Config{
		Concurrency:     0, // one worker per logical CPU
		ContinueOnError: false,
		LogLevel:        "info",
		LogFormat:       "text",
		Cache: CacheConfig{
			Enabled:      true,
			Dir:          filepath.Join(".monorail", "cache"),
			Workers:      4,
			SignatureKey: "",
			Remote: RemoteConfig{
				Enabled:        false,
				URL:            "",
				Token:          "",
				TimeoutSeconds: 30,
			},
		},
	}
}

// SetDefaults registers every default with viper so values resolve even
// without a config file.
func SetDefaults() {
	d := Default()

	viper.SetDefault("concurrency", d.Concurrency)
	viper.SetDefault("continue_on_error", d.ContinueOnError)
	viper.SetDefault("log_level", d.LogLevel)
	viper.SetDefault("log_format", d.LogFormat)

	viper.SetDefault("cache.enabled", d.Cache.Enabled)
	viper.SetDefault("cache.dir", d.Cache.Dir)
	viper.SetDefault("cache.workers", d.Cache.Workers)
	viper.SetDefault("cache.signature_key", d.Cache.SignatureKey)

	viper.SetDefault("cache.remote.enabled", d.Cache.Remote.Enabled)
	viper.SetDefault("cache.remote.url", d.Cache.Remote.URL)
	viper.SetDefault("cache.remote.token", d.Cache.Remote.Token)
	viper.SetDefault("cache.remote.timeout_seconds", d.Cache.Remote.TimeoutSeconds)
}

// Load unmarshals the viper-held configuration and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "failed to decode configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigDir returns the user-level configuration directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "monorail")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".monorail"
	}
	return filepath.Join(home, ".config", "monorail")
}

// ValidLogLevels returns the accepted log_level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the accepted log_format values.
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// Validate checks the configuration and reports every problem found in
// a single configuration error.
func (c *Config) Validate() error {
	var problems []string

	if c.Concurrency < 0 {
		problems = append(problems, fmt.Sprintf("concurrency must be non-negative (got %d)", c.Concurrency))
	}
	if c.LogLevel != "" && !slices.Contains(ValidLogLevels(), c.LogLevel) {
		problems = append(problems, fmt.Sprintf("log_level must be one of %s (got %q)",
			strings.Join(ValidLogLevels(), ", "), c.LogLevel))
	}
	if c.LogFormat != "" && !slices.Contains(ValidLogFormats(), c.LogFormat) {
		problems = append(problems, fmt.Sprintf("log_format must be one of %s (got %q)",
			strings.Join(ValidLogFormats(), ", "), c.LogFormat))
	}

	if c.Cache.Dir == "" {
		problems = append(problems, "cache.dir cannot be empty")
	}
	if c.Cache.Workers < 1 {
		problems = append(problems, fmt.Sprintf("cache.workers must be at least 1 (got %d)", c.Cache.Workers))
	}

	if c.Cache.Remote.Enabled {
		switch u, err := url.Parse(c.Cache.Remote.URL); {
		case c.Cache.Remote.URL == "":
			problems = append(problems, "cache.remote.url is required when the remote cache is enabled")
		case err != nil:
			problems = append(problems, fmt.Sprintf("cache.remote.url is not a valid URL (got %q)", c.Cache.Remote.URL))
		case u.Scheme != "http" && u.Scheme != "https":
			problems = append(problems, fmt.Sprintf("cache.remote.url must use http or https (got %q)", c.Cache.Remote.URL))
		}
		if c.Cache.Remote.TimeoutSeconds <= 0 {
			problems = append(problems, fmt.Sprintf("cache.remote.timeout_seconds must be positive (got %d)", c.Cache.Remote.TimeoutSeconds))
		}
	}

	if len(problems) > 0 {
		return errors.NewConfigInvalidError(strings.Join(problems, "; "))
	}
	return nil
}
