// Package config loads settings from an optional YAML file, the environment and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Dispatch modes.
const (
	DispatchInline   = "inline"
	DispatchPool     = "pool"
	DispatchPostgres = "postgres"
	DispatchRedis    = "redis"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string, postgres:// or sqlite://
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	// Directory holding snapshot and conversion files
	StorageDir string

	// Public base URL of StorageDir, used for proxy offloaded downloads
	StorageBaseURL string

	// How jobs reach their handlers
	DispatchMode string

	// Worker-specific configuration
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerMaxBackoff   time.Duration

	// How long a claimed queue item stays hidden
	QueueVisibilityTimeout time.Duration

	Redis    RedisConfig
	Features FeatureConfig

	// Per-project request rate for conversion and export creation. 0 disables.
	RateLimitRPS   float64
	RateLimitBurst int

	// Upper bound on one visualization SQL query.
	QueryTimeout time.Duration

	// OTLP gRPC collector address. Empty disables tracing.
	OTELEndpoint string

	LogLevel  string
	LogFormat string
}

// RedisConfig locates the Redis job queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	QueueKey string
}

// FeatureConfig toggles legacy behaviors.
type FeatureConfig struct {
	RemoveFilesOnDelete bool
	AsyncConversion     bool
	LimitExportList     bool
	NginxDownloads      bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("storage.dir", "./data/export")
	v.SetDefault("storage.base_url", "")
	v.SetDefault("dispatch.mode", DispatchPool)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.max_backoff", 30*time.Second)
	v.SetDefault("queue.visibility_timeout", 5*time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queue_key", "exporthub:jobs")
	v.SetDefault("features.remove_files_on_delete", true)
	v.SetDefault("features.async_conversion", true)
	v.SetDefault("features.limit_export_list", true)
	v.SetDefault("features.nginx_downloads", false)
	v.SetDefault("rate_limit.rps", 0)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("visualization.query_timeout", 5*time.Second)
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. path may be empty, in which case exporthub.yaml in the
// working directory is used when present. Environment variables win over the file;
// nested keys map to upper case names with dots replaced by underscores.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional names that do not follow the key layout.
	_ = v.BindEnv("otel.endpoint", "OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("exporthub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		DatabaseURL:            v.GetString("database_url"),
		HTTPPort:               v.GetInt("port"),
		StorageDir:             v.GetString("storage.dir"),
		StorageBaseURL:         v.GetString("storage.base_url"),
		DispatchMode:           strings.ToLower(v.GetString("dispatch.mode")),
		WorkerConcurrency:      v.GetInt("worker.concurrency"),
		WorkerPollInterval:     v.GetDuration("worker.poll_interval"),
		WorkerMaxBackoff:       v.GetDuration("worker.max_backoff"),
		QueueVisibilityTimeout: v.GetDuration("queue.visibility_timeout"),
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			QueueKey: v.GetString("redis.queue_key"),
		},
		Features: FeatureConfig{
			RemoveFilesOnDelete: v.GetBool("features.remove_files_on_delete"),
			AsyncConversion:     v.GetBool("features.async_conversion"),
			LimitExportList:     v.GetBool("features.limit_export_list"),
			NginxDownloads:      v.GetBool("features.nginx_downloads"),
		},
		RateLimitRPS:   v.GetFloat64("rate_limit.rps"),
		RateLimitBurst: v.GetInt("rate_limit.burst"),
		QueryTimeout:   v.GetDuration("visualization.query_timeout"),
		OTELEndpoint:   v.GetString("otel.endpoint"),
		LogLevel:       v.GetString("log.level"),
		LogFormat:      v.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required (env: DATABASE_URL)")
	}
	if !strings.HasPrefix(c.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(c.DatabaseURL, "postgresql://") &&
		!strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		return fmt.Errorf("unsupported database_url scheme: %s", c.DatabaseURL)
	}

	switch c.DispatchMode {
	case DispatchInline, DispatchPool, DispatchRedis:
	case DispatchPostgres:
		if c.IsSQLite() {
			return errors.New("dispatch.mode postgres requires a postgres database_url")
		}
	default:
		return fmt.Errorf("invalid dispatch.mode %q (expected inline, pool, postgres or redis)", c.DispatchMode)
	}

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid port %d", c.HTTPPort)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("invalid rate_limit.rps %v", c.RateLimitRPS)
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("invalid visualization.query_timeout %v", c.QueryTimeout)
	}
	return nil
}

// IsSQLite reports whether DatabaseURL points at a sqlite database.
func (c *Config) IsSQLite() bool {
	return strings.HasPrefix(c.DatabaseURL, "sqlite://")
}

// SQLitePath strips the sqlite:// scheme.
func (c *Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

// Durable reports whether jobs go through a queue shared with worker processes.
func (c *Config) Durable() bool {
	return c.DispatchMode == DispatchPostgres || c.DispatchMode == DispatchRedis
}
