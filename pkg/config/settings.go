package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "FULFILLMENT"

type Settings struct {
	Service                string              `mapstructure:"service" validate:"required,oneof=catalog ordering payment"`
	Database               DbSettings          `mapstructure:"database"`
	Broker                 BrokerSettings      `mapstructure:"broker"`
	Publisher              PublisherSettings   `mapstructure:"publisher"`
	Idempotency            IdempotencySettings `mapstructure:"idempotency"`
	Payment                PaymentSettings     `mapstructure:"payment"`
	Catalog                CatalogSettings     `mapstructure:"catalog"`
	Logging                LoggingSettings     `mapstructure:"logging"`
	Observability          Observability       `mapstructure:"observability"`
	OperatorReportInterval time.Duration       `mapstructure:"operator_report_interval" validate:"gte=0"`
}

// PublisherSettings tunes the outbox processor.
type PublisherSettings struct {
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize      int           `mapstructure:"batch_size" validate:"gt=0"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gt=0"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff" validate:"gt=0"` // initial backoff duration
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=RetryBackoff"`
	RetryJitter    float64       `mapstructure:"retry_jitter" validate:"gte=0,lte=1"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" validate:"gt=0"`
	LockExpiration time.Duration `mapstructure:"lock_expiration" validate:"gtfield=PublishTimeout"`
	Concurrency    int           `mapstructure:"concurrency" validate:"gt=0"`
	RateLimit      float64       `mapstructure:"rate_limit" validate:"gte=0"` // publishes per second, 0 disables
}

// IdempotencySettings configures the request ledger guard.
type IdempotencySettings struct {
	InFlightPolicy   string        `mapstructure:"in_flight_policy" validate:"oneof=wait reject"`
	WaitCeiling      time.Duration `mapstructure:"wait_ceiling" validate:"gte=0"`
	PollInterval     time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	StaleAfter       time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	TransientRetries int           `mapstructure:"transient_retries" validate:"gte=0"`
	Retention        time.Duration `mapstructure:"retention" validate:"gtfield=StaleAfter"`
}

type PaymentSettings struct {
	Succeed   bool   `mapstructure:"succeed"`
	MaxAmount string `mapstructure:"max_amount" validate:"omitempty,numeric"`
}

type CatalogSettings struct {
	Products []ProductSeed `mapstructure:"products" validate:"dive"`
}

type ProductSeed struct {
	ID    int    `mapstructure:"id" validate:"gt=0"`
	Name  string `mapstructure:"name" validate:"required"`
	Stock int    `mapstructure:"stock" validate:"gte=0"`
}

type LoggingSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// Default returns settings usable without any file or environment.
func Default() *Settings {
	v := newViper()
	cfg := &Settings{}
	// defaults always decode
	_ = v.Unmarshal(cfg)
	return cfg
}

// LoadFromFile reads fulfillment.yaml and fulfillment.<ENVIRONMENT>.yaml from
// filePath, then applies FULFILLMENT_* environment overrides.
func LoadFromFile(filePath string) (*Settings, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := newViper()
	v.SetConfigType("yaml")
	v.SetConfigName("fulfillment")
	v.AddConfigPath(filePath)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := mergeConfig(v, filePath, "fulfillment."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merging %s config: %w", env, err)
		}
	}

	cfg := &Settings{}
	if err := cfg.LoadFromEnv(v); err != nil {
		return nil, fmt.Errorf("loading env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv binds FULFILLMENT_* variables on v and decodes into c.
func (c *Settings) LoadFromEnv(v *viper.Viper) error {
	if v == nil {
		v = newViper()
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like FULFILLMENT_DATABASE_TYPE
	v.AutomaticEnv()

	for _, key := range boundKeys {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	return v.Unmarshal(c)
}

var boundKeys = []string{
	"service",
	"database.type",
	"database.dsn",
	"database.uri",
	"database.db_name",
	"database.auto_migrate",
	"broker.type",
	"broker.url",
	"broker.exchange",
	"broker.project_id",
	"broker.consumer_group",
	"publisher.poll_interval",
	"publisher.batch_size",
	"publisher.max_retries",
	"publisher.retry_backoff",
	"publisher.publish_timeout",
	"idempotency.in_flight_policy",
	"idempotency.wait_ceiling",
	"payment.succeed",
	"payment.max_amount",
	"logging.level",
	"logging.format",
	"observability.service_name",
	"observability.tracing_url",
	"observability.metrics_addr",
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("service", "ordering")
	v.SetDefault("database.type", "memory")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("broker.type", "memory")
	v.SetDefault("broker.exchange", "fulfillment")
	v.SetDefault("broker.pool_size", 5)
	v.SetDefault("broker.redelivery_delay", time.Second)
	v.SetDefault("broker.breaker_failures", 5)
	v.SetDefault("broker.breaker_timeout", 30*time.Second)

	v.SetDefault("publisher.poll_interval", 2*time.Second)
	v.SetDefault("publisher.batch_size", 50)
	v.SetDefault("publisher.max_retries", 8)
	v.SetDefault("publisher.retry_backoff", 500*time.Millisecond)
	v.SetDefault("publisher.max_backoff", time.Minute)
	v.SetDefault("publisher.retry_jitter", 0.5)
	v.SetDefault("publisher.publish_timeout", 5*time.Second)
	v.SetDefault("publisher.lock_expiration", 5*time.Minute)
	v.SetDefault("publisher.concurrency", 4)

	v.SetDefault("idempotency.in_flight_policy", "wait")
	v.SetDefault("idempotency.wait_ceiling", 5*time.Second)
	v.SetDefault("idempotency.poll_interval", 50*time.Millisecond)
	v.SetDefault("idempotency.stale_after", 10*time.Minute)
	v.SetDefault("idempotency.transient_retries", 3)
	v.SetDefault("idempotency.retention", 30*24*time.Hour)

	v.SetDefault("payment.succeed", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("observability.service_name", "go-fulfillment")
	v.SetDefault("operator_report_interval", time.Minute)

	return v
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
