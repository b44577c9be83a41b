package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Analytics  AnalyticsConfig
	Commerce   CommerceConfig
	Switchback SwitchbackConfig
	Metrics    MetricsConfig
	Log        LogConfig
}

// ServerConfig defines the HTTP API settings.
type ServerConfig struct {
	Addr       string
	CronSecret string `mapstructure:"cron_secret"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// AnalyticsConfig defines the ClickHouse sink.
type AnalyticsConfig struct {
	Enabled bool
	DSN     string
}

// CommerceConfig defines the outbound commerce platform client.
type CommerceConfig struct {
	Platform          string
	APIVersion        string        `mapstructure:"api_version"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
	EventsURL         string        `mapstructure:"events_url"`
	BaseURL           string        `mapstructure:"base_url"`
}

// SwitchbackConfig defines the scheduler and decision settings.
type SwitchbackConfig struct {
	TickInterval          time.Duration `mapstructure:"tick_interval"`
	BaselinePolicy        string        `mapstructure:"baseline_policy"`
	EnforceMinSessions    bool          `mapstructure:"enforce_min_sessions"`
	CountPausedTime       bool          `mapstructure:"count_paused_time"`
	ExperimentConcurrency int           `mapstructure:"experiment_concurrency"`
	RepriceConcurrency    int           `mapstructure:"reprice_concurrency"`
}

// MetricsConfig defines the Prometheus settings.
type MetricsConfig struct {
	Namespace string
}

// LogConfig defines the logger settings.
type LogConfig struct {
	Level string
}

// SetDefaults registers the defaults for every key.
func SetDefaults(v *viper.Viper) {
	// Keys without a useful default are still registered so env vars bind on Unmarshal.
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cron_secret", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "pennyperfect")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("analytics.enabled", false)
	v.SetDefault("analytics.dsn", "")
	v.SetDefault("commerce.platform", "dryrun")
	v.SetDefault("commerce.api_version", "2024-10")
	v.SetDefault("commerce.requests_per_second", 2.0)
	v.SetDefault("commerce.timeout", 10*time.Second)
	v.SetDefault("commerce.events_url", "")
	v.SetDefault("commerce.base_url", "")
	v.SetDefault("switchback.tick_interval", 5*time.Minute)
	v.SetDefault("switchback.baseline_policy", "min")
	v.SetDefault("switchback.enforce_min_sessions", false)
	v.SetDefault("switchback.count_paused_time", true)
	v.SetDefault("switchback.experiment_concurrency", 4)
	v.SetDefault("switchback.reprice_concurrency", 8)
	v.SetDefault("metrics.namespace", "pennyperfect")
	v.SetDefault("log.level", "info")
}

// LoadConfig reads configuration from file or environment variables.
// A missing config file is not an error; defaults and env vars still apply.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}
