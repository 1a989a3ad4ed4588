// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL"`
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	DBURL    string `mapstructure:"DB_URL"`

	GithubToken     string   `mapstructure:"GITHUB_TOKEN"`
	GithubBaseURL   string   `mapstructure:"GITHUB_BASE_URL"`
	GithubOwner     string   `mapstructure:"GITHUB_OWNER"`
	GithubOwnerType string   `mapstructure:"GITHUB_OWNER_TYPE"`
	ReposToSync     []string `mapstructure:"REPOS_TO_SYNC"`
	WebhookSecret   string   `mapstructure:"WEBHOOK_SECRET"`

	SyncInterval    time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncConcurrency int           `mapstructure:"SYNC_CONCURRENCY"`
	SyncLookback    time.Duration `mapstructure:"SYNC_LOOKBACK"`
	SyncSourceTag   string        `mapstructure:"SYNC_SOURCE_TAG"`

	CacheTTL             time.Duration `mapstructure:"CACHE_TTL"`
	CacheMaxEntries      int           `mapstructure:"CACHE_MAX_ENTRIES"`
	APIMaxAttempts       int           `mapstructure:"API_MAX_ATTEMPTS"`
	APIBackoffBase       time.Duration `mapstructure:"API_BACKOFF_BASE"`
	APIBackoffFactor     float64       `mapstructure:"API_BACKOFF_FACTOR"`
	APIBackoffMax        time.Duration `mapstructure:"API_BACKOFF_MAX"`
	APIResetBuffer       time.Duration `mapstructure:"API_RESET_BUFFER"`
	APIRequestsPerSecond float64       `mapstructure:"API_REQUESTS_PER_SECOND"`
	APIBurst             int           `mapstructure:"API_BURST"`

	JobWorkers    int           `mapstructure:"JOB_WORKERS"`
	JobMaxRetries int           `mapstructure:"JOB_MAX_RETRIES"`
	JobRetryBase  time.Duration `mapstructure:"JOB_RETRY_BASE"`
	JobRetention  time.Duration `mapstructure:"JOB_RETENTION"`

	SSEKeepAlive   time.Duration `mapstructure:"SSE_KEEPALIVE"`
	AdminJWTSecret string        `mapstructure:"ADMIN_JWT_SECRET"`
	AMQPURL        string        `mapstructure:"AMQP_URL"`
	AMQPExchange   string        `mapstructure:"AMQP_EXCHANGE"`
}

var defaults = map[string]any{
	"LOG_LEVEL":               "info",
	"HTTP_ADDR":               ":8080",
	"GITHUB_OWNER_TYPE":       "org",
	"SYNC_INTERVAL":           "1h",
	"SYNC_CONCURRENCY":        5,
	"SYNC_LOOKBACK":           "168h",
	"SYNC_SOURCE_TAG":         "github",
	"CACHE_TTL":               "5m",
	"CACHE_MAX_ENTRIES":       1000,
	"API_MAX_ATTEMPTS":        3,
	"API_BACKOFF_BASE":        "1s",
	"API_BACKOFF_FACTOR":      2.0,
	"API_BACKOFF_MAX":         "30s",
	"API_RESET_BUFFER":        "5s",
	"API_REQUESTS_PER_SECOND": 0.0,
	"API_BURST":               1,
	"JOB_WORKERS":             3,
	"JOB_MAX_RETRIES":         3,
	"JOB_RETRY_BASE":          "1s",
	"JOB_RETENTION":           "24h",
	"SSE_KEEPALIVE":           "15s",
	"AMQP_EXCHANGE":           "ingest.events",
}

// Keys with no default that must still be read from the environment.
var envOnly = []string{
	"DB_URL",
	"GITHUB_TOKEN",
	"GITHUB_BASE_URL",
	"GITHUB_OWNER",
	"REPOS_TO_SYNC",
	"WEBHOOK_SECRET",
	"ADMIN_JWT_SECRET",
	"AMQP_URL",
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	for _, key := range envOnly {
		_ = viper.BindEnv(key)
	}

	return decode()
}

// WatchConfig calls onChange with the reloaded configuration whenever the
// config file changes. It reports false when no config file was loaded.
// Reloads that fail validation are passed to onError and otherwise ignored.
func WatchConfig(onChange func(*Config), onError func(error)) bool {
	if viper.ConfigFileUsed() == "" {
		return false
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
	return true
}

func decode() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.ReposToSync = splitList(cfg.ReposToSync)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error
	// Validate required fields
	if c.DBURL == "" {
		errs = append(errs, errors.New("DB_URL is a required configuration field"))
	}
	if c.GithubToken == "" {
		errs = append(errs, errors.New("GITHUB_TOKEN is a required configuration field"))
	}
	if c.GithubOwner == "" {
		errs = append(errs, errors.New("GITHUB_OWNER is a required configuration field"))
	}
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is a required configuration field"))
	}
	if c.GithubOwnerType != "org" && c.GithubOwnerType != "user" {
		errs = append(errs, fmt.Errorf("GITHUB_OWNER_TYPE must be 'org' or 'user', got %q", c.GithubOwnerType))
	}
	if c.SyncConcurrency <= 0 {
		errs = append(errs, errors.New("SYNC_CONCURRENCY must be positive"))
	}
	if c.JobWorkers <= 0 {
		errs = append(errs, errors.New("JOB_WORKERS must be positive"))
	}
	if c.JobMaxRetries < 0 {
		errs = append(errs, errors.New("JOB_MAX_RETRIES must not be negative"))
	}
	if c.APIMaxAttempts <= 0 {
		errs = append(errs, errors.New("API_MAX_ATTEMPTS must be positive"))
	}
	if c.APIBackoffFactor < 1 {
		errs = append(errs, errors.New("API_BACKOFF_FACTOR must be at least 1"))
	}
	if c.SyncInterval < 0 {
		errs = append(errs, errors.New("SYNC_INTERVAL must not be negative"))
	}
	return errors.Join(errs...)
}

// splitList flattens comma separated entries and drops blanks.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
