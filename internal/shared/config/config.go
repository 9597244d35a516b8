package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the sync engine.
// Values can come from a YAML file (config.yaml) or environment variables;
// environment variables always win. Secrets only come from the environment.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Provider  ProviderConfig  `yaml:"provider"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Sync      SyncConfig      `yaml:"sync"`
	Consent   ConsentConfig   `yaml:"consent"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Host string `yaml:"host" env:"HOST" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"PORT" env-default:"8080"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"DB_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"DB_USER" env-default:"contia"`
	Password string `yaml:"-" env:"DB_PASSWORD"`
	DBName   string `yaml:"dbname" env:"DB_NAME" env-default:"contia"`
	SSLMode  string `yaml:"sslmode" env:"DB_SSLMODE" env-default:"disable"`
}

// ProviderConfig configures the account aggregation provider API.
type ProviderConfig struct {
	BaseURL        string        `yaml:"base_url" env:"PROVIDER_BASE_URL" env-default:"https://api.aggregator.dev"`
	ClientID       string        `yaml:"-" env:"PROVIDER_CLIENT_ID"`
	ClientSecret   string        `yaml:"-" env:"PROVIDER_CLIENT_SECRET"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"PROVIDER_REQUEST_TIMEOUT" env-default:"180s"`
	// TokenExpiryMargin is subtracted from the token lifetime so the client
	// refreshes before the provider actually rejects it.
	TokenExpiryMargin time.Duration `yaml:"token_expiry_margin" env:"PROVIDER_TOKEN_EXPIRY_MARGIN" env-default:"5m"`
	MaxRetries        int           `yaml:"max_retries" env:"PROVIDER_MAX_RETRIES" env-default:"3"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay" env:"PROVIDER_RETRY_BASE_DELAY" env-default:"500ms"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" env:"PROVIDER_RETRY_MAX_DELAY" env-default:"10s"`
}

type WebhookConfig struct {
	// Secret signs webhook bodies. Empty disables verification (local dev only).
	Secret string `yaml:"-" env:"WEBHOOK_SECRET"`
	// AckBudget is the hard deadline for acknowledging a webhook; the provider
	// retries 3 times and then drops the event permanently.
	AckBudget time.Duration `yaml:"ack_budget" env:"WEBHOOK_ACK_BUDGET" env-default:"2s"`
	// EventTTL bounds the webhook event-id idempotency markers.
	EventTTL time.Duration `yaml:"event_ttl" env:"WEBHOOK_EVENT_TTL" env-default:"168h"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:""`
	Password string `yaml:"-" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type QueueConfig struct {
	// AMQPURL enables the durable queue. Empty falls back to the in-process queue.
	AMQPURL     string        `yaml:"-" env:"AMQP_URL"`
	Exchange    string        `yaml:"exchange" env:"QUEUE_EXCHANGE" env-default:"contia.sync"`
	QueueName   string        `yaml:"queue_name" env:"QUEUE_NAME" env-default:"contia.sync.jobs"`
	WorkerCount int           `yaml:"worker_count" env:"QUEUE_WORKERS" env-default:"4"`
	BufferSize  int           `yaml:"buffer_size" env:"QUEUE_BUFFER_SIZE" env-default:"256"`
	MaxAttempts int           `yaml:"max_attempts" env:"QUEUE_MAX_ATTEMPTS" env-default:"5"`
	RetryBase   time.Duration `yaml:"retry_base" env:"QUEUE_RETRY_BASE" env-default:"2s"`
	RetryMax    time.Duration `yaml:"retry_max" env:"QUEUE_RETRY_MAX" env-default:"5m"`
}

// SyncConfig carries the sync-window and pagination tuning. The numbers are
// tuned against observed provider lag; the planner owns the invariants
// (window overlap, quota conservation for regulated connectors).
type SyncConfig struct {
	FirstSyncDays            int           `yaml:"first_sync_days" env:"SYNC_FIRST_DAYS" env-default:"90"`
	FirstSyncDaysOpenFinance int           `yaml:"first_sync_days_open_finance" env:"SYNC_FIRST_DAYS_OF" env-default:"365"`
	ManualWindowDays         int           `yaml:"manual_window_days" env:"SYNC_MANUAL_WINDOW_DAYS" env-default:"30"`
	MinWindowDays            int           `yaml:"min_window_days" env:"SYNC_MIN_WINDOW_DAYS" env-default:"7"`
	MinWindowDaysOpenFinance int           `yaml:"min_window_days_open_finance" env:"SYNC_MIN_WINDOW_DAYS_OF" env-default:"3"`
	MaxWindowDaysOpenFinance int           `yaml:"max_window_days_open_finance" env:"SYNC_MAX_WINDOW_DAYS_OF" env-default:"30"`
	SafetyMarginDays         int           `yaml:"safety_margin_days" env:"SYNC_SAFETY_MARGIN_DAYS" env-default:"3"`
	PageSize                 int           `yaml:"page_size" env:"SYNC_PAGE_SIZE" env-default:"200"`
	PageDelay                time.Duration `yaml:"page_delay" env:"SYNC_PAGE_DELAY" env-default:"250ms"`
	PageDelayOpenFinance     time.Duration `yaml:"page_delay_open_finance" env:"SYNC_PAGE_DELAY_OF" env-default:"1s"`
	ConcurrentConnections    int           `yaml:"concurrent_connections" env:"SYNC_CONCURRENT_CONNECTIONS" env-default:"4"`
	StaleAfter               time.Duration `yaml:"stale_after" env:"SYNC_STALE_AFTER" env-default:"12h"`
}

type ConsentConfig struct {
	RenewalThresholdDays int `yaml:"renewal_threshold_days" env:"CONSENT_RENEWAL_THRESHOLD_DAYS" env-default:"7"`
}

type SchedulerConfig struct {
	Enabled           bool   `yaml:"enabled" env:"SCHEDULER_ENABLED" env-default:"true"`
	ConsentSweepCron  string `yaml:"consent_sweep_cron" env:"SCHEDULER_CONSENT_CRON" env-default:"30 6 * * *"`
	StaleSweepCron    string `yaml:"stale_sweep_cron" env:"SCHEDULER_STALE_CRON" env-default:"0 */4 * * *"`
	ConnectorSyncCron string `yaml:"connector_sync_cron" env:"SCHEDULER_CONNECTOR_CRON" env-default:"0 3 * * *"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	ServiceName  string `yaml:"service_name" env:"OTEL_SERVICE_NAME" env-default:"contia-sync"`
	Environment  string `yaml:"environment" env:"OTEL_ENVIRONMENT" env-default:"development"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_ENDPOINT" env-default:"localhost:4317"`
}

// Load reads config.yaml if present, then overlays environment variables.
func Load() (*Config, error) {
	var cfg Config

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Provider.ClientID == "" || c.Provider.ClientSecret == "" {
		return fmt.Errorf("PROVIDER_CLIENT_ID and PROVIDER_CLIENT_SECRET are required")
	}
	if c.Sync.ConcurrentConnections < 1 {
		return fmt.Errorf("SYNC_CONCURRENT_CONNECTIONS must be at least 1")
	}
	if c.Sync.MinWindowDays < 1 || c.Sync.SafetyMarginDays < 0 {
		return fmt.Errorf("invalid sync window configuration")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
