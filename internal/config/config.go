// Package config loads hearthd configuration from file, environment and
// defaults, and hot-reloads the dynamic subset while the daemon runs.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration. Static fields require a
// restart; the fields grouped under Dynamic take effect on file change
// without one.
type Config struct {
	// DataDir is where the database, lock file and logs live.
	DataDir string `mapstructure:"data_dir"`

	// DBPath overrides the default <data_dir>/hearth.db. A libsql://
	// URL selects the remote driver build.
	DBPath string `mapstructure:"db_path"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `mapstructure:"listen_addr"`

	// JWTSecret signs and verifies device tokens. Required to serve.
	JWTSecret string `mapstructure:"jwt_secret"`

	Log  LogConfig  `mapstructure:"log"`
	Push PushConfig `mapstructure:"push"`

	Dynamic DynamicConfig `mapstructure:"dynamic"`
}

// LogConfig controls the daemon log file.
type LogConfig struct {
	// File is the log path; empty logs to stderr only.
	File string `mapstructure:"file"`

	// MaxSizeMB rotates the log past this size.
	MaxSizeMB int `mapstructure:"max_size_mb"`

	// MaxBackups keeps this many rotated files.
	MaxBackups int `mapstructure:"max_backups"`

	// MaxAgeDays prunes rotated files older than this.
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// PushConfig selects and configures the notification provider.
type PushConfig struct {
	// Provider names a registered provider: fcm, ses or logonly.
	// Empty disables dispatch.
	Provider string `mapstructure:"provider"`

	// Endpoint and APIKey configure HTTP providers.
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`

	// Region and From configure the email provider.
	Region string `mapstructure:"region"`
	From   string `mapstructure:"from"`

	// TemplatesFile overrides the built-in notification copy.
	TemplatesFile string `mapstructure:"templates_file"`

	// MaxAttempts is the per-notification retry ceiling.
	MaxAttempts int `mapstructure:"max_attempts"`

	// AnthropicAPIKey enables model-composed digest copy when several
	// events coalesce into one push. Empty uses template copy.
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`

	// AnthropicModel overrides the default digest model.
	AnthropicModel string `mapstructure:"anthropic_model"`
}

// DynamicConfig is the subset applied on hot reload.
type DynamicConfig struct {
	// MinClientVersion rejects older app builds at sync time. Empty
	// accepts everything.
	MinClientVersion string `mapstructure:"min_client_version"`

	// PushInterval is the dispatcher cycle period.
	PushInterval time.Duration `mapstructure:"push_interval"`
}

// ResolvedDBPath returns the configured database path, defaulting under
// the data dir.
func (c *Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "hearth.db")
}

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("listen_addr", ":8473")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("push.provider", "")
	v.SetDefault("push.max_attempts", 5)
	v.SetDefault("dynamic.push_interval", 30*time.Second)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hearth")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hearth")
	}

	v.SetEnvPrefix("HEARTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads configuration from path, or from the default search path
// when path is empty. A missing default file is not an error; env vars
// and defaults still apply.
func Load(path string) (*Config, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func defaultDataDir() string {
	return filepath.Join(".", ".hearth")
}
