package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service tunables. Values come from config file, then
// MAILSYNC_* environment variables; unset keys fall back to defaults.
type Config struct {
	HTTPAddr  string `mapstructure:"http_addr"`
	DBPath    string `mapstructure:"db_path"`
	NATSURL   string `mapstructure:"nats_url"`
	AuthURL   string `mapstructure:"auth_url"`
	JWTSecret string `mapstructure:"jwt_secret"`

	StuckAfter     time.Duration `mapstructure:"stuck_after"`
	CronInterval   time.Duration `mapstructure:"cron_interval"`
	HealthInterval time.Duration `mapstructure:"health_interval"`

	PageBudget   int `mapstructure:"page_budget"`
	PageSize     int `mapstructure:"page_size"`
	SyncDaysBack int `mapstructure:"sync_days_back"`

	RetryMax     int           `mapstructure:"retry_max"`
	RetryBase    time.Duration `mapstructure:"retry_base"`
	RetryCeiling time.Duration `mapstructure:"retry_ceiling"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration from the optional file at path (yaml) and
// the environment.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("http_addr", ":8084")
	v.SetDefault("db_path", "data/mailsync.db")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("auth_url", "http://127.0.0.1:3000")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("stuck_after", "10m")
	v.SetDefault("cron_interval", "5m")
	v.SetDefault("health_interval", "2m")
	v.SetDefault("page_budget", 25)
	v.SetDefault("page_size", 100)
	v.SetDefault("sync_days_back", 30)
	v.SetDefault("retry_max", 4)
	v.SetDefault("retry_base", "2s")
	v.SetDefault("retry_ceiling", "1m")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt_secret is required")
	}
	return cfg, nil
}
