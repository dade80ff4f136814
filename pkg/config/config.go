// Package config provides YAML-based configuration loading for the job client,
// daemon and local relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the process
	AppName string `mapstructure:"app_name"`

	// DataDir base directory for snapshots and key files
	DataDir string `mapstructure:"data_dir"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Identity controls the key that signs requests and decrypts replies.
	Identity IdentityConfig `mapstructure:"identity"`

	// Relays is the relay set requests are broadcast to and replies read from.
	Relays []RelayConfig `mapstructure:"relays"`

	// Net holds connection and publish tuning
	Net NetConfig `mapstructure:"net"`

	// Jobs holds request defaults and correlation tuning
	Jobs JobsConfig `mapstructure:"jobs"`

	// History controls ledger snapshots and the optional redis mirror
	History HistoryConfig `mapstructure:"history"`

	Metrics MetricsConfig `mapstructure:"metrics"`
	API     APIConfig     `mapstructure:"api"`

	// RelayServer configures cmd/dvm-relay
	RelayServer RelayServerConfig `mapstructure:"relay_server"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// JobsConfig holds request defaults and correlation tuning.
type JobsConfig struct {
	DefaultKind    int    `mapstructure:"default_kind"`
	OutputMime     string `mapstructure:"output_mime"`
	DefaultBid     int64  `mapstructure:"default_bid_msats"`
	Provider       string `mapstructure:"provider"`
	SinceSkewSec   int    `mapstructure:"since_skew_sec"`
	Limit          int    `mapstructure:"limit"`
	AnnounceCancel bool   `mapstructure:"announce_cancel"`
}

// HistoryConfig controls ledger persistence.
type HistoryConfig struct {
	// SnapshotPath is written on shutdown and read on start when set.
	SnapshotPath string `mapstructure:"snapshot_path"`
	// SnapshotFormat: json, cbor or proto
	SnapshotFormat string `mapstructure:"snapshot_format"`
	RedisURL       string `mapstructure:"redis_url"`
	RedisKey       string `mapstructure:"redis_key"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Listen string `mapstructure:"listen"`
}

// APIConfig controls the HTTP job API.
type APIConfig struct {
	Enable bool   `mapstructure:"enable"`
	Listen string `mapstructure:"listen"`
}

// RelayServerConfig configures the local relay.
type RelayServerConfig struct {
	Listen       string `mapstructure:"listen"`
	RetentionSec int    `mapstructure:"retention_sec"`
	MaxFilters   int    `mapstructure:"max_filters"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "dvmd",
		DataDir: "./data",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/dvmd.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Identity: IdentityConfig{},
		Relays: []RelayConfig{
			{URL: "ws://127.0.0.1:7447", Read: true, Write: true},
		},
		Net: NetConfig{
			DialBackoffInitialMS: 500,
			DialBackoffMaxMS:     30000,
			DialBackoffJitterMS:  100,
			PublishTimeoutMS:     5000,
			PublishRate:          10,
			PublishBurst:         20,
			PingIntervalMS:       30000,
		},
		Jobs: JobsConfig{
			DefaultKind:  5050,
			OutputMime:   "text/plain",
			SinceSkewSec: 30,
			Limit:        100,
		},
		History: HistoryConfig{
			SnapshotFormat: "json",
			RedisKey:       "dvm:audit",
		},
		Metrics: MetricsConfig{Enable: false, Listen: ":9464"},
		API:     APIConfig{Enable: true, Listen: "127.0.0.1:8088"},
		RelayServer: RelayServerConfig{
			Listen:       ":7447",
			RetentionSec: 3600,
			MaxFilters:   16,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// A .env file in the working directory is loaded first when present.
// Environment variables use the prefix COMMANDER and `.`/`-` are replaced with `_`.
// Example: COMMANDER_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("COMMANDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	// Identity defaults
	v.SetDefault("identity.secret_key", cfg.Identity.SecretKey)
	v.SetDefault("identity.secret_key_file", cfg.Identity.SecretKeyFile)
	v.SetDefault("identity.persist", cfg.Identity.Persist)
	// Relays default; COMMANDER_RELAY_URLS overrides the list from env
	v.SetDefault("relays", cfg.Relays)
	v.SetDefault("relay_urls", "")
	// Net defaults
	v.SetDefault("net.dial_backoff_initial_ms", cfg.Net.DialBackoffInitialMS)
	v.SetDefault("net.dial_backoff_max_ms", cfg.Net.DialBackoffMaxMS)
	v.SetDefault("net.dial_backoff_jitter_ms", cfg.Net.DialBackoffJitterMS)
	v.SetDefault("net.publish_timeout_ms", cfg.Net.PublishTimeoutMS)
	v.SetDefault("net.publish_rate", cfg.Net.PublishRate)
	v.SetDefault("net.publish_burst", cfg.Net.PublishBurst)
	v.SetDefault("net.ping_interval_ms", cfg.Net.PingIntervalMS)
	// Jobs defaults
	v.SetDefault("jobs.default_kind", cfg.Jobs.DefaultKind)
	v.SetDefault("jobs.output_mime", cfg.Jobs.OutputMime)
	v.SetDefault("jobs.default_bid_msats", cfg.Jobs.DefaultBid)
	v.SetDefault("jobs.provider", cfg.Jobs.Provider)
	v.SetDefault("jobs.since_skew_sec", cfg.Jobs.SinceSkewSec)
	v.SetDefault("jobs.limit", cfg.Jobs.Limit)
	v.SetDefault("jobs.announce_cancel", cfg.Jobs.AnnounceCancel)
	// History defaults
	v.SetDefault("history.snapshot_path", cfg.History.SnapshotPath)
	v.SetDefault("history.snapshot_format", cfg.History.SnapshotFormat)
	v.SetDefault("history.redis_url", cfg.History.RedisURL)
	v.SetDefault("history.redis_key", cfg.History.RedisKey)
	// Metrics / API
	v.SetDefault("metrics.enable", cfg.Metrics.Enable)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	v.SetDefault("api.enable", cfg.API.Enable)
	v.SetDefault("api.listen", cfg.API.Listen)
	// Local relay
	v.SetDefault("relay_server.listen", cfg.RelayServer.Listen)
	v.SetDefault("relay_server.retention_sec", cfg.RelayServer.RetentionSec)
	v.SetDefault("relay_server.max_filters", cfg.RelayServer.MaxFilters)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("COMMANDER_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `commander`
		v.SetConfigName("commander")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".commander"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if urls := strings.TrimSpace(v.GetString("relay_urls")); urls != "" {
		cfg.Relays = ParseRelayList(urls)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	for i := range c.Relays {
		c.Relays[i].URL = NormalizeRelayURL(c.Relays[i].URL)
		if c.Relays[i].URL == "" {
			return fmt.Errorf("relays[%d]: empty url", i)
		}
		if !strings.HasPrefix(c.Relays[i].URL, "ws://") && !strings.HasPrefix(c.Relays[i].URL, "wss://") &&
			!strings.HasPrefix(c.Relays[i].URL, "mem://") {
			return fmt.Errorf("relays[%d]: unsupported scheme in %q", i, c.Relays[i].URL)
		}
		if !c.Relays[i].Read && !c.Relays[i].Write {
			c.Relays[i].Read, c.Relays[i].Write = true, true
		}
	}
	if c.Jobs.DefaultKind < 5000 || c.Jobs.DefaultKind > 5999 {
		return fmt.Errorf("invalid jobs.default_kind: %d (request kinds are 5000-5999)", c.Jobs.DefaultKind)
	}
	if c.Jobs.OutputMime == "" {
		c.Jobs.OutputMime = "text/plain"
	}
	if c.Jobs.SinceSkewSec < 0 {
		c.Jobs.SinceSkewSec = 0
	}
	if c.Jobs.Limit <= 0 {
		c.Jobs.Limit = 100
	}
	switch strings.ToLower(c.History.SnapshotFormat) {
	case "", "json":
		c.History.SnapshotFormat = "json"
	case "cbor", "proto":
		c.History.SnapshotFormat = strings.ToLower(c.History.SnapshotFormat)
	default:
		return fmt.Errorf("invalid history.snapshot_format: %q", c.History.SnapshotFormat)
	}
	if c.Net.PublishBurst <= 0 {
		c.Net.PublishBurst = 1
	}
	return nil
}
