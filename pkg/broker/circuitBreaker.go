package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/schema"
)

type breakerBroker struct {
	Broker
	cb *gobreaker.CircuitBreaker
}

// WithCircuitBreaker stops calling Publish on b after `failures` consecutive
// errors and lets a probe through once timeout has elapsed. Rejected calls
// fail with ErrPublishFailure, so the outbox schedules them for retry.
func WithCircuitBreaker(b Broker, name string, failures uint32, timeout time.Duration, logger *zap.Logger) Broker {
	logger = logging.OrNop(logger)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// a cancelled publish says nothing about the broker
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("publish circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &breakerBroker{Broker: b, cb: cb}
}

func (b *breakerBroker) Publish(ctx context.Context, event *schema.OutboxEvent) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Broker.Publish(ctx, event)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return publishFailure(event, err)
	}
	return err
}

func (b *breakerBroker) State() gobreaker.State {
	return b.cb.State()
}
