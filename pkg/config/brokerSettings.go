package config

import "time"

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type            string        `mapstructure:"type" validate:"oneof=rabbitmq gcp-pubsub memory"`
	URL             string        `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange        string        `mapstructure:"exchange" validate:"required"`
	ProjectID       string        `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // Optional for brokers like GCP Pub/Sub
	PoolSize        int           `mapstructure:"pool_size" validate:"gte=0"`                        // Optional for RabbitMQ
	ConsumerGroup   string        `mapstructure:"consumer_group"`                                    // defaults to the service name
	RedeliveryDelay time.Duration `mapstructure:"redelivery_delay" validate:"gte=0"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"` // consecutive publish failures before the breaker opens, 0 disables
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" validate:"gte=0"`
}
