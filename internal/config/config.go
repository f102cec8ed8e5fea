package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"fluentsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Backup       BackupConfig       `yaml:"backup"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
	API          APIConfig          `yaml:"api"`
	Sync         SyncConfig         `yaml:"sync"`
	Cache        CacheConfig        `yaml:"cache"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle"`
	Exports      ExportConfig       `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	Path     string         `yaml:"path"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	MaxConnections int    `yaml:"max_connections"`
}

type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	DeadLetterKey string `yaml:"dead_letter_key"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type SyncConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	JitterRatio     float64       `yaml:"jitter_ratio"`
	RescheduleDelay time.Duration `yaml:"reschedule_delay"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type CacheConfig struct {
	Prefix           string   `yaml:"prefix"`
	Origin           string   `yaml:"origin"`
	ProxyPort        int      `yaml:"proxy_port"`
	ManifestPath     string   `yaml:"manifest_path"`
	Precache         []string `yaml:"precache"`
	AnalyticsHosts   []string `yaml:"analytics_hosts"`
	InternalPrefix   string   `yaml:"internal_prefix"`
	APIPrefix        string   `yaml:"api_prefix"`
	StaticExtensions []string `yaml:"static_extensions"`
}

type ConnectivityConfig struct {
	ProbeURL string        `yaml:"probe_url"`
	Interval time.Duration `yaml:"interval"`
}

type LifecycleConfig struct {
	SkipWaiting *bool  `yaml:"skip_waiting"`
	VersionFile string `yaml:"version_file"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

// Load reads the YAML file at configPath, expanding ${VAR} references from the
// environment and an optional .env file in the working directory.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			return errors.New("database.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Sync.MaxRetries < 1 {
		return errors.New("sync.max_retries must be at least 1")
	}
	if c.Sync.MaxDelay < c.Sync.BaseDelay {
		return errors.New("sync.max_delay must not be lower than sync.base_delay")
	}
	if c.Sync.JitterRatio < 0 || c.Sync.JitterRatio >= 1 {
		return errors.New("sync.jitter_ratio must be in [0, 1)")
	}

	if c.App.Version == "" {
		return errors.New("app.version is required")
	}
	if strings.ContainsAny(c.Cache.Prefix, " :") {
		return fmt.Errorf("cache.prefix %q must not contain spaces or colons", c.Cache.Prefix)
	}

	return ValidateKeys(c.API.Auth.APIKeys)
}

// ValidateKeys rejects empty and duplicate API keys.
func ValidateKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key found for '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

// SkipWaitingEnabled reports whether a freshly installed version activates immediately.
func (c LifecycleConfig) SkipWaitingEnabled() bool {
	return c.SkipWaiting == nil || *c.SkipWaiting
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "fluentsync"
	}
	if c.App.Version == "" {
		c.App.Version = "v1.0.0"
	}
	if c.App.Environment == "" {
		c.App.Environment = "production"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "data/offline-queue.db"
	}
	if c.Redis.DeadLetterKey == "" {
		c.Redis.DeadLetterKey = "fluentsync:failed"
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 5
	}

	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = models.DefaultMaxRetries
	}
	if c.Sync.BaseDelay == 0 {
		c.Sync.BaseDelay = models.DefaultBaseDelay
	}
	if c.Sync.MaxDelay == 0 {
		c.Sync.MaxDelay = models.DefaultMaxDelay
	}
	if c.Sync.JitterRatio == 0 {
		c.Sync.JitterRatio = models.DefaultJitterRatio
	}
	if c.Sync.RescheduleDelay == 0 {
		c.Sync.RescheduleDelay = 30 * time.Second
	}

	if c.Cache.Prefix == "" {
		c.Cache.Prefix = models.DefaultCachePrefix
	}
	if c.Cache.ProxyPort == 0 {
		c.Cache.ProxyPort = 8081
	}
	if len(c.Cache.Precache) == 0 {
		c.Cache.Precache = []string{"/", "/manifest.json", "/icon.svg", "/icon-192.png", "/icon-512.png", "/apple-icon.png"}
	}
	if len(c.Cache.AnalyticsHosts) == 0 {
		c.Cache.AnalyticsHosts = []string{"vercel.app", "google-analytics", "googletagmanager"}
	}
	if c.Cache.InternalPrefix == "" {
		c.Cache.InternalPrefix = "/_next/"
	}
	if c.Cache.APIPrefix == "" {
		c.Cache.APIPrefix = "/api/"
	}
	if len(c.Cache.StaticExtensions) == 0 {
		c.Cache.StaticExtensions = []string{"js", "css", "png", "jpg", "jpeg", "gif", "svg", "ico", "woff", "woff2", "ttf", "eot", "json"}
	}

	if c.Connectivity.ProbeURL == "" {
		c.Connectivity.ProbeURL = c.Cache.Origin
	}
	if c.Connectivity.Interval == 0 {
		c.Connectivity.Interval = 15 * time.Second
	}

	if c.Backup.Schedule == "" {
		c.Backup.Schedule = "24h"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "data/backups"
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}

	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
