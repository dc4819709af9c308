// Package config loads service configuration from an optional YAML file
// plus STUDYSCHED_* environment overrides, applying defaults for
// anything unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/studykit/scheduler/internal/scheduler"
	"github.com/studykit/scheduler/internal/store"
	"github.com/studykit/scheduler/internal/tracing"
	"github.com/studykit/scheduler/internal/worker"
)

// RedisConfig holds the lock coordinator's Redis connection settings.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ObservabilityConfig groups metrics, logging, and tracing settings.
type ObservabilityConfig struct {
	MetricsPort int            `mapstructure:"metrics_port"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Tracing     tracing.Config `mapstructure:"tracing"`
}

// Config is the full service configuration.
type Config struct {
	Database      store.Config        `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Scheduling    scheduler.Config    `mapstructure:"scheduling"`
	Worker        worker.Config       `mapstructure:"worker"`
	WorkerPool    worker.PoolConfig   `mapstructure:"worker_pool"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// Load reads the config file named by STUDYSCHED_CONFIG (or
// config.yaml in the working directory when present), then applies
// environment overrides such as STUDYSCHED_DATABASE_HOST.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STUDYSCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("STUDYSCHED_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
			// No file is fine; defaults plus env cover everything.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "studysched")
	v.SetDefault("database.database", "studysched")
	v.SetDefault("database.ssl_mode", "require")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 3*time.Minute)

	v.SetDefault("scheduling.max_date_range_days", 15)
	v.SetDefault("scheduling.max_task_window_days", 4)
	v.SetDefault("scheduling.client_data_max_bytes", 8192)
	v.SetDefault("scheduling.min_page_size", 5)
	v.SetDefault("scheduling.max_page_size", 100)

	v.SetDefault("worker.recompute_window_days", 15)
	v.SetDefault("worker.participant_page_size", 100)
	v.SetDefault("worker.backoff_base", 300*time.Millisecond)
	v.SetDefault("worker.backoff_jitter", 400*time.Millisecond)

	v.SetDefault("worker_pool.size", 4)
	v.SetDefault("worker_pool.queue_size", 256)
	v.SetDefault("worker_pool.max_attempts", 3)
	v.SetDefault("worker_pool.retry_delay", time.Second)

	v.SetDefault("observability.metrics_port", 2112)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "studysched")
	v.SetDefault("observability.tracing.otlp_endpoint", "localhost:4317")
}
