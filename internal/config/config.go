package config

import (
	"fmt"
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/ifuryst/autoreel/pkg/logger"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logger     logger.Config    `yaml:"logger"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Generation GenerationConfig `yaml:"generation"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Auth       AuthConfig       `yaml:"auth"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"` // postgres or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
	Path     string `yaml:"path"` // sqlite file, ":memory:" allowed
}

// SchedulerConfig holds cron specs for the background loops.
type SchedulerConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ClockSpec         string `yaml:"clock_spec"`
	WorkerSpec        string `yaml:"worker_spec"`
	ReconcileSpec     string `yaml:"reconcile_spec"`
	CleanupSpec       string `yaml:"cleanup_spec"`
	ErrorLogRetention int    `yaml:"error_log_retention_days"`
}

type PipelineConfig struct {
	Timezone         string `yaml:"timezone"`
	BatchSize        int    `yaml:"batch_size"`
	OwnerConcurrency int    `yaml:"owner_concurrency"`
	MaxActive        int    `yaml:"max_active"`
	MaxRetries       int    `yaml:"max_retries"`
	PollInterval     string `yaml:"poll_interval"`
	PollTimeout      string `yaml:"poll_timeout"`
	StaleAfter       string `yaml:"stale_after"`
	RetryBaseDelay   string `yaml:"retry_base_delay"`
}

type GenerationConfig struct {
	VideoProvider string        `yaml:"video_provider"`
	ImageProvider string        `yaml:"image_provider"`
	HTTP          HTTPGenConfig `yaml:"http"`
	Veo           VeoConfig     `yaml:"veo"`
}

// HTTPGenConfig configures the generic JSON generation vendor.
type HTTPGenConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Timeout   string `yaml:"timeout"`
	RateLimit int    `yaml:"rate_limit"`
}

type VeoConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type TelegramConfig struct {
	APIBase   string `yaml:"api_base"`
	BotToken  string `yaml:"bot_token"`
	Timeout   string `yaml:"timeout"`
	RateLimit int    `yaml:"rate_limit"`
}

type AuthConfig struct {
	TOTPSecret string `yaml:"totp_secret"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills every zero value with the documented default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5334
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "autoreel.db"
	}
	if cfg.Scheduler.ClockSpec == "" {
		cfg.Scheduler.ClockSpec = "@every 1m"
	}
	if cfg.Scheduler.WorkerSpec == "" {
		cfg.Scheduler.WorkerSpec = "@every 15s"
	}
	if cfg.Scheduler.ReconcileSpec == "" {
		cfg.Scheduler.ReconcileSpec = "@every 2m"
	}
	if cfg.Scheduler.CleanupSpec == "" {
		cfg.Scheduler.CleanupSpec = "@daily"
	}
	if cfg.Scheduler.ErrorLogRetention == 0 {
		cfg.Scheduler.ErrorLogRetention = 90
	}
	if cfg.Pipeline.Timezone == "" {
		cfg.Pipeline.Timezone = "UTC"
	}
	if cfg.Pipeline.BatchSize == 0 {
		cfg.Pipeline.BatchSize = 5
	}
	if cfg.Pipeline.OwnerConcurrency == 0 {
		cfg.Pipeline.OwnerConcurrency = 4
	}
	if cfg.Pipeline.MaxActive == 0 {
		cfg.Pipeline.MaxActive = 20
	}
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = 3
	}
	if cfg.Pipeline.PollInterval == "" {
		cfg.Pipeline.PollInterval = "4s"
	}
	if cfg.Pipeline.PollTimeout == "" {
		cfg.Pipeline.PollTimeout = "5m"
	}
	if cfg.Pipeline.StaleAfter == "" {
		cfg.Pipeline.StaleAfter = "2m"
	}
	if cfg.Pipeline.RetryBaseDelay == "" {
		cfg.Pipeline.RetryBaseDelay = "30s"
	}
	if cfg.Generation.VideoProvider == "" {
		cfg.Generation.VideoProvider = "http"
	}
	if cfg.Generation.ImageProvider == "" {
		cfg.Generation.ImageProvider = "http"
	}
	if cfg.Generation.HTTP.Timeout == "" {
		cfg.Generation.HTTP.Timeout = "30s"
	}
	if cfg.Generation.HTTP.RateLimit == 0 {
		cfg.Generation.HTTP.RateLimit = 5
	}
	if cfg.Generation.Veo.Model == "" {
		cfg.Generation.Veo.Model = "veo-3.0-generate-001"
	}
	if cfg.Telegram.APIBase == "" {
		cfg.Telegram.APIBase = "https://api.telegram.org"
	}
	if cfg.Telegram.Timeout == "" {
		cfg.Telegram.Timeout = "60s"
	}
	if cfg.Telegram.RateLimit == 0 {
		cfg.Telegram.RateLimit = 20
	}
}

// Validate rejects values that would only fail later at runtime.
func (c *Config) Validate() error {
	durations := map[string]string{
		"pipeline.poll_interval":    c.Pipeline.PollInterval,
		"pipeline.poll_timeout":     c.Pipeline.PollTimeout,
		"pipeline.stale_after":      c.Pipeline.StaleAfter,
		"pipeline.retry_base_delay": c.Pipeline.RetryBaseDelay,
		"generation.http.timeout":   c.Generation.HTTP.Timeout,
		"telegram.timeout":          c.Telegram.Timeout,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}

	if _, err := time.LoadLocation(c.Pipeline.Timezone); err != nil {
		return fmt.Errorf("invalid pipeline.timezone: %w", err)
	}

	switch c.Database.Type {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}

	if c.Pipeline.BatchSize < 1 || c.Pipeline.OwnerConcurrency < 1 || c.Pipeline.MaxActive < 1 {
		return fmt.Errorf("pipeline batch_size, owner_concurrency and max_active must be positive")
	}

	return nil
}

// Duration parses a value already checked by Validate.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// Location resolves the pipeline timezone, falling back to UTC.
func (p PipelineConfig) Location() *time.Location {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
