package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/config"
)

// NewBroker builds the configured transport, wrapped in a circuit breaker
// unless BreakerFailures is 0.
func NewBroker(ctx context.Context, cfg *config.BrokerSettings, logger *zap.Logger) (Broker, error) {
	var (
		b   Broker
		err error
	)
	switch cfg.Type {
	case "rabbitmq":
		b, err = NewRabbitMqBroker(ctx, cfg, logger)
	case "gcp-pubsub":
		b, err = NewPubSubClient(ctx, cfg, logger)
	case "memory":
		b = NewMemoryBroker(cfg.RedeliveryDelay, logger)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.BreakerFailures > 0 {
		b = WithCircuitBreaker(b, cfg.Type, cfg.BreakerFailures, cfg.BreakerTimeout, logger)
	}
	return b, nil
}
