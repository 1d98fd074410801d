// Package config loads and validates crawl configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CrawlConfig governs the visit pipeline.
type CrawlConfig struct {
	Workers             int `mapstructure:"workers"`
	VisitTimeoutSeconds int `mapstructure:"visit_timeout_seconds"`
	NumSubpages         int `mapstructure:"num_subpages"`
	SweepEverySeconds   int `mapstructure:"sweep_every_seconds"`
}

// BrowserConfig configures the headless browser sessions.
type BrowserConfig struct {
	Headless          bool   `mapstructure:"headless"`
	UserAgent         string `mapstructure:"user_agent"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	// SettleSeconds fixes the post-navigation wait. Zero keeps the
	// randomized 0.8-2.0s window.
	SettleSeconds float64 `mapstructure:"settle_seconds"`
	WaitForEvents bool    `mapstructure:"wait_for_events"`
}

// StorageConfig selects and configures the page dump destination.
// Backend is "none", "local", or "gcs".
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DatabaseConfig controls result persistence in Postgres. An empty DSN
// disables the database sink.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for visit event notifications. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CONSENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawl.workers", 4)
	v.SetDefault("crawl.visit_timeout_seconds", 120)
	v.SetDefault("crawl.num_subpages", 3)
	v.SetDefault("crawl.sweep_every_seconds", 10)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.wait_for_events", false)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "dumps")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.VisitTimeoutSeconds <= 0 {
		return fmt.Errorf("crawl.visit_timeout_seconds must be > 0")
	}
	if c.Crawl.NumSubpages < 0 {
		return fmt.Errorf("crawl.num_subpages must be >= 0")
	}
	switch c.Storage.Backend {
	case "", "none":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be none, local, or gcs")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

// VisitTimeout returns the per-visit budget as a duration.
func (c Config) VisitTimeout() time.Duration {
	return time.Duration(c.Crawl.VisitTimeoutSeconds) * time.Second
}

// SweepInterval returns the orphan sweep cadence as a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Crawl.SweepEverySeconds) * time.Second
}

// NavTimeout returns the per-navigation budget as a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSeconds) * time.Second
}
