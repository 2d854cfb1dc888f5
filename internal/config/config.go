// Package config resolves the daemon's configuration: flags override
// environment (DRIFTSYNC_*), which overrides the config file, which
// overrides defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/scheduler"
)

const envPrefix = "DRIFTSYNC"

var (
	home, _          = os.UserHomeDir()
	DefaultDataDir   = filepath.Join(home, ".driftsync", "data")
	DefaultConfigDir = filepath.Join(home, ".driftsync")
	DefaultServerURL = "https://sync.driftlab.dev"
	DefaultDebugAddr = "127.0.0.1:8414"
)

type Config struct {
	Account   string `mapstructure:"account"`
	ServerURL string `mapstructure:"server_url"`
	Token     string `mapstructure:"token"`
	ClientID  string `mapstructure:"client_id"`
	DataDir   string `mapstructure:"data_dir"`

	// EnabledTypes are glob patterns over the wire markers ("bookmark",
	// "typed_url", "*").
	EnabledTypes []string `mapstructure:"enabled_types"`
	// RoutingSpec optionally points at a YAML model-safe-group table.
	RoutingSpec string `mapstructure:"routing_spec"`

	ShortPollInterval time.Duration `mapstructure:"short_poll_interval"`
	LongPollInterval  time.Duration `mapstructure:"long_poll_interval"`
	SaveInterval      time.Duration `mapstructure:"save_interval"`

	// NotifierURL defaults to ServerURL; empty after resolution disables push.
	NotifierURL     string `mapstructure:"notifier_url"`
	NotifierEnabled bool   `mapstructure:"notifier_enabled"`

	DebugAddr      string `mapstructure:"debug_addr"`
	DebugEnabled   bool   `mapstructure:"debug_enabled"`
	DebugRateLimit string `mapstructure:"debug_rate_limit"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// NewViper builds a viper instance with defaults and env wiring. Callers
// bind their flags onto it before Resolve.
func NewViper() *viper.Viper {
	v := viper.New()
	// Keys without a meaningful default still need registering so
	// AutomaticEnv values survive Unmarshal.
	v.SetDefault("account", "")
	v.SetDefault("token", "")
	v.SetDefault("client_id", "")
	v.SetDefault("routing_spec", "")
	v.SetDefault("notifier_url", "")
	v.SetDefault("server_url", DefaultServerURL)
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("enabled_types", []string{"*"})
	v.SetDefault("short_poll_interval", scheduler.DefaultShortPollInterval)
	v.SetDefault("long_poll_interval", scheduler.DefaultLongPollInterval)
	v.SetDefault("save_interval", 10*time.Second)
	v.SetDefault("notifier_enabled", true)
	v.SetDefault("debug_enabled", true)
	v.SetDefault("debug_addr", DefaultDebugAddr)
	v.SetDefault("debug_rate_limit", "300-M")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Resolve reads the config file (when present) and unmarshals the merged
// view. path may be empty; the default locations are searched then.
func Resolve(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(DefaultConfigDir)
		v.AddConfigPath(".")
		v.SetConfigName("driftsync")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.NotifierURL == "" {
		cfg.NotifierURL = cfg.ServerURL
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Account == "" {
		return errors.New("config: account is required")
	}
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.ServerURL == "" {
		return errors.New("config: server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("config: server_url %q is not an http(s) url", c.ServerURL)
	}
	if c.ShortPollInterval <= 0 || c.LongPollInterval <= 0 {
		return errors.New("config: poll intervals must be positive")
	}
	if _, err := c.EnabledTypeSet(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// EnabledTypeSet expands the enabled type patterns.
func (c *Config) EnabledTypeSet() (modeltype.Set, error) {
	return modeltype.MatchPatterns(c.EnabledTypes)
}
