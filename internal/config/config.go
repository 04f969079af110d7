package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "30s" in YAML and TOML files.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	WebhookPort   int    `yaml:"webhook_port" toml:"webhook_port"`
	MetricsPort   int    `yaml:"metrics_port" toml:"metrics_port"`
	AdminUser     string `yaml:"admin_user" toml:"admin_user"`
	AdminPassword string `yaml:"admin_password" toml:"admin_password"`
	MaxEvents     int    `yaml:"max_events" toml:"max_events"`
}

// LineConfig holds the LINE channel credentials.
type LineConfig struct {
	ChannelSecret      string `yaml:"channel_secret" toml:"channel_secret"`
	ChannelAccessToken string `yaml:"channel_access_token" toml:"channel_access_token"`
}

// AzureConfig holds the Azure OpenAI deployment settings. Either APIKey or
// the TenantID/ClientID/ClientSecret triple must be set.
type AzureConfig struct {
	Endpoint     string   `yaml:"endpoint" toml:"endpoint"`
	Deployment   string   `yaml:"deployment" toml:"deployment"`
	APIVersion   string   `yaml:"api_version" toml:"api_version"`
	APIKey       string   `yaml:"api_key" toml:"api_key"`
	TenantID     string   `yaml:"tenant_id" toml:"tenant_id"`
	ClientID     string   `yaml:"client_id" toml:"client_id"`
	ClientSecret string   `yaml:"client_secret" toml:"client_secret"`
	MaxTokens    int      `yaml:"max_tokens" toml:"max_tokens"`
	Temperature  float64  `yaml:"temperature" toml:"temperature"`
	Timeout      Duration `yaml:"timeout" toml:"timeout"`
	SystemPrompt string   `yaml:"system_prompt" toml:"system_prompt"`
}

// UsesAAD reports whether Azure AD client credentials are configured.
func (a AzureConfig) UsesAAD() bool {
	return a.TenantID != "" && a.ClientID != "" && a.ClientSecret != ""
}

// QueueConfig holds the task queue settings.
type QueueConfig struct {
	Workers         int      `yaml:"workers" toml:"workers"`
	ExecutorSize    int      `yaml:"executor_size" toml:"executor_size"`
	Size            int      `yaml:"size" toml:"size"`
	TaskTimeout     Duration `yaml:"task_timeout" toml:"task_timeout"`
	MaxRetries      int      `yaml:"max_retries" toml:"max_retries"`
	BackoffBase     Duration `yaml:"backoff_base" toml:"backoff_base"`
	BackoffMax      Duration `yaml:"backoff_max" toml:"backoff_max"`
	Retention       Duration `yaml:"retention" toml:"retention"`
	CleanupSchedule string   `yaml:"cleanup_schedule" toml:"cleanup_schedule"`
	DrainTimeout    Duration `yaml:"drain_timeout" toml:"drain_timeout"`
}

// BatchConfig holds the webhook batching settings.
type BatchConfig struct {
	Size          int      `yaml:"size" toml:"size"`
	FlushInterval Duration `yaml:"flush_interval" toml:"flush_interval"`
	PollInterval  Duration `yaml:"poll_interval" toml:"poll_interval"`
	Workers       int      `yaml:"workers" toml:"workers"`
}

// RateLimitConfig holds the token bucket settings.
type RateLimitConfig struct {
	UserCapacity       int      `yaml:"user_capacity" toml:"user_capacity"`
	UserPerMinute      float64  `yaml:"user_per_minute" toml:"user_per_minute"`
	GlobalCapacity     int      `yaml:"global_capacity" toml:"global_capacity"`
	GlobalPerSecond    float64  `yaml:"global_per_second" toml:"global_per_second"`
	IdleBucketLifetime Duration `yaml:"idle_bucket_lifetime" toml:"idle_bucket_lifetime"`
}

// BreakerConfig holds the circuit breaker settings.
type BreakerConfig struct {
	Threshold       int      `yaml:"threshold" toml:"threshold"`
	RecoveryTimeout Duration `yaml:"recovery_timeout" toml:"recovery_timeout"`
}

// StorageConfig selects the conversation store backend.
type StorageConfig struct {
	Driver       string `yaml:"driver" toml:"driver"`
	RedisURL     string `yaml:"redis_url" toml:"redis_url"`
	PostgresDSN  string `yaml:"postgres_dsn" toml:"postgres_dsn"`
	HistoryLimit int    `yaml:"history_limit" toml:"history_limit"`
}

// TracingConfig holds the OTLP exporter settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	Environment string `yaml:"environment" toml:"environment"`
}

// NtfyConfig holds the ntfy configuration.
type NtfyConfig struct {
	ServerURL string `yaml:"server_url" toml:"server_url"`
	Topic     string `yaml:"topic" toml:"topic"`
}

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Line      LineConfig      `yaml:"line" toml:"line"`
	Azure     AzureConfig     `yaml:"azure" toml:"azure"`
	Queue     QueueConfig     `yaml:"queue" toml:"queue"`
	Batch     BatchConfig     `yaml:"batch" toml:"batch"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker" toml:"breaker"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Tracing   TracingConfig   `yaml:"tracing" toml:"tracing"`
	Ntfy      NtfyConfig      `yaml:"ntfy" toml:"ntfy"`
	LogLevel  string          `yaml:"log_level" toml:"log_level"`
	LogFormat string          `yaml:"log_format" toml:"log_format"`
}

// Default returns the configuration used before files and env are applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WebhookPort: 8080,
			MetricsPort: 9090,
			MaxEvents:   100,
		},
		Azure: AzureConfig{
			APIVersion:  "2024-06-01",
			MaxTokens:   1000,
			Temperature: 0.7,
			Timeout:     Duration{25 * time.Second},
		},
		Queue: QueueConfig{
			Workers:         4,
			ExecutorSize:    4,
			Size:            1000,
			TaskTimeout:     Duration{30 * time.Second},
			MaxRetries:      3,
			BackoffBase:     Duration{time.Second},
			BackoffMax:      Duration{30 * time.Second},
			Retention:       Duration{24 * time.Hour},
			CleanupSchedule: "@every 1h",
			DrainTimeout:    Duration{15 * time.Second},
		},
		Batch: BatchConfig{
			Size:          10,
			FlushInterval: Duration{2 * time.Second},
			PollInterval:  Duration{500 * time.Millisecond},
			Workers:       4,
		},
		RateLimit: RateLimitConfig{
			UserCapacity:       10,
			UserPerMinute:      10,
			GlobalCapacity:     60,
			GlobalPerSecond:    1,
			IdleBucketLifetime: Duration{time.Hour},
		},
		Breaker: BreakerConfig{
			Threshold:       5,
			RecoveryTimeout: Duration{60 * time.Second},
		},
		Storage: StorageConfig{
			Driver:       "memory",
			HistoryLimit: 10,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			Environment: "development",
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load loads the configuration from a YAML or TOML file, then applies
// environment overrides and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := decode(path, data, config); err != nil {
		return nil, err
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func decode(path string, data []byte, config *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}
	return nil
}

func applyEnv(config *Config) error {
	strs := map[string]*string{
		"LINE_CHANNEL_SECRET":         &config.Line.ChannelSecret,
		"LINE_CHANNEL_ACCESS_TOKEN":   &config.Line.ChannelAccessToken,
		"AZURE_OPENAI_ENDPOINT":       &config.Azure.Endpoint,
		"AZURE_OPENAI_DEPLOYMENT":     &config.Azure.Deployment,
		"AZURE_OPENAI_API_VERSION":    &config.Azure.APIVersion,
		"AZURE_OPENAI_API_KEY":        &config.Azure.APIKey,
		"AZURE_TENANT_ID":             &config.Azure.TenantID,
		"AZURE_CLIENT_ID":             &config.Azure.ClientID,
		"AZURE_CLIENT_SECRET":         &config.Azure.ClientSecret,
		"ADMIN_USER":                  &config.Server.AdminUser,
		"ADMIN_PASSWORD":              &config.Server.AdminPassword,
		"STORAGE_DRIVER":              &config.Storage.Driver,
		"REDIS_URL":                   &config.Storage.RedisURL,
		"DATABASE_URL":                &config.Storage.PostgresDSN,
		"OTEL_EXPORTER_OTLP_ENDPOINT": &config.Tracing.Endpoint,
		"ENVIRONMENT":                 &config.Tracing.Environment,
		"NTFY_SERVER_URL":             &config.Ntfy.ServerURL,
		"NTFY_TOPIC":                  &config.Ntfy.Topic,
		"LOG_LEVEL":                   &config.LogLevel,
		"LOG_FORMAT":                  &config.LogFormat,
	}
	for key, dst := range strs {
		if val, exists := os.LookupEnv(key); exists {
			*dst = val
		}
	}

	ints := map[string]*int{
		"WEBHOOK_PORT":  &config.Server.WebhookPort,
		"METRICS_PORT":  &config.Server.MetricsPort,
		"QUEUE_WORKERS": &config.Queue.Workers,
		"MAX_RETRIES":   &config.Queue.MaxRetries,
		"BATCH_SIZE":    &config.Batch.Size,
	}
	for key, dst := range ints {
		if val, exists := os.LookupEnv(key); exists {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"TASK_TIMEOUT":         &config.Queue.TaskTimeout,
		"QUEUE_DRAIN_TIMEOUT":  &config.Queue.DrainTimeout,
		"BATCH_FLUSH_INTERVAL": &config.Batch.FlushInterval,
	}
	for key, dst := range durations {
		if val, exists := os.LookupEnv(key); exists {
			if err := dst.UnmarshalText([]byte(val)); err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
		}
	}

	if val, exists := os.LookupEnv("TRACING_ENABLED"); exists {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid TRACING_ENABLED: %w", err)
		}
		config.Tracing.Enabled = enabled
	}
	return nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error

	if c.Line.ChannelSecret == "" {
		errs = append(errs, errors.New("LINE_CHANNEL_SECRET is required"))
	}
	if c.Line.ChannelAccessToken == "" {
		errs = append(errs, errors.New("LINE_CHANNEL_ACCESS_TOKEN is required"))
	}
	if c.Azure.Endpoint == "" {
		errs = append(errs, errors.New("AZURE_OPENAI_ENDPOINT is required"))
	}
	if c.Azure.Deployment == "" {
		errs = append(errs, errors.New("AZURE_OPENAI_DEPLOYMENT is required"))
	}
	if c.Azure.APIKey == "" && !c.Azure.UsesAAD() {
		errs = append(errs, errors.New("AZURE_OPENAI_API_KEY or AZURE_TENANT_ID/AZURE_CLIENT_ID/AZURE_CLIENT_SECRET is required"))
	}

	if (c.Server.AdminUser == "") != (c.Server.AdminPassword == "") {
		errs = append(errs, errors.New("ADMIN_USER and ADMIN_PASSWORD must be set together"))
	}

	switch c.Storage.Driver {
	case "memory":
	case "redis":
		if c.Storage.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis storage driver"))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres storage driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	if c.Queue.Workers <= 0 {
		errs = append(errs, fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("queue.max_retries must not be negative, got %d", c.Queue.MaxRetries))
	}
	if c.Batch.Size <= 0 {
		errs = append(errs, fmt.Errorf("batch.size must be positive, got %d", c.Batch.Size))
	}
	if c.Breaker.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("breaker.threshold must be positive, got %d", c.Breaker.Threshold))
	}

	return errors.Join(errs...)
}
