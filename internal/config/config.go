// Package config loads the margin guard configuration: a YAML file
// layered under MARGINGUARD_-prefixed environment variables, validated
// before anything starts.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	HTTP struct {
		Addr      string `mapstructure:"addr" validate:"required"`
		JWTSecret string `mapstructure:"jwt_secret" validate:"required"`
	} `mapstructure:"http"`

	Database struct {
		DSN string `mapstructure:"dsn" validate:"required"`
	} `mapstructure:"database"`

	Redis struct {
		Addr     string `mapstructure:"addr" validate:"required"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Kafka struct {
		Brokers            []string `mapstructure:"brokers" validate:"min=1"`
		NotificationsTopic string   `mapstructure:"notifications_topic" validate:"required"`
	} `mapstructure:"kafka"`

	Vault struct {
		Secret string `mapstructure:"secret" validate:"required,min=16"`
		Salt   string `mapstructure:"salt" validate:"required"`
	} `mapstructure:"vault"`

	Exchange struct {
		BaseURL    string        `mapstructure:"base_url" validate:"required,url"`
		ServiceTTL time.Duration `mapstructure:"service_ttl"`
	} `mapstructure:"exchange"`

	Feed struct {
		URL     string   `mapstructure:"url"`
		Symbols []string `mapstructure:"symbols"`
	} `mapstructure:"feed"`

	Scheduler struct {
		Interval   time.Duration `mapstructure:"interval" validate:"min=1s"`
		BatchSize  int           `mapstructure:"batch_size" validate:"min=1"`
		BatchPause time.Duration `mapstructure:"batch_pause"`
	} `mapstructure:"scheduler"`

	Worker struct {
		Concurrency int     `mapstructure:"concurrency" validate:"min=1"`
		RatePerSec  float64 `mapstructure:"rate_per_sec"`
		JobTimeout  time.Duration `mapstructure:"job_timeout"`
	} `mapstructure:"worker"`

	Queue struct {
		KeepCompleted int `mapstructure:"keep_completed"`
		KeepFailed    int `mapstructure:"keep_failed"`
	} `mapstructure:"queue"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.notifications_topic", "marginguard.notifications")
	v.SetDefault("exchange.base_url", "https://api.exchange.local")
	v.SetDefault("exchange.service_ttl", 10*time.Minute)
	v.SetDefault("scheduler.interval", 20*time.Second)
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.batch_pause", 100*time.Millisecond)
	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.rate_per_sec", 20.0)
	v.SetDefault("worker.job_timeout", 2*time.Minute)
	v.SetDefault("queue.keep_completed", 100)
	v.SetDefault("queue.keep_failed", 500)
}

// Load reads configuration from path (optional) and the environment.
// Environment variables use the MARGINGUARD_ prefix with underscores for
// nesting, e.g. MARGINGUARD_REDIS_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MARGINGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// secrets have no file defaults; bind them so Unmarshal sees the env
	for _, key := range []string{"database.dsn", "http.jwt_secret", "vault.secret", "vault.salt", "redis.password", "feed.url"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("marginguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/marginguard")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
