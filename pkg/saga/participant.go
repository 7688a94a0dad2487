// Package saga holds the order state machine, the integration event
// contracts and the participant that turns deliveries into guarded commands.
package saga

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/pkg/broker"
	"github.com/zoff-tech/go-fulfillment/pkg/command"
	"github.com/zoff-tech/go-fulfillment/pkg/idempotency"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/schema"
)

// Participant handles the integration events one service consumes. Each
// delivery becomes a command whose request id is the event id, so the
// idempotency guard collapses redeliveries into one effect.
type Participant struct {
	name   string
	bus    *command.Bus
	guard  *idempotency.Guard
	logger *zap.Logger
	types  []string
}

func NewParticipant(name string, guard *idempotency.Guard, logger *zap.Logger) *Participant {
	logger = logging.OrNop(logger).With(zap.String("participant", name))
	return &Participant{
		name:   name,
		bus:    command.NewBus(logger, command.Logging(logger)),
		guard:  guard,
		logger: logger,
	}
}

// On registers h for eventType. h must decide applicability before writing:
// an inapplicable or invalid event is recorded as a completed no-op.
func (p *Participant) On(eventType string, h command.HandlerFunc, mws ...command.Middleware) {
	chain := append([]command.Middleware{idempotency.Middleware(p.guard), p.noop()}, mws...)
	p.bus.Register(eventType, h, chain...)
	p.types = append(p.types, eventType)
}

// EventTypes lists the registered event types in registration order.
func (p *Participant) EventTypes() []string {
	return append([]string(nil), p.types...)
}

// OnEvent applies one delivery. It returns an error only when the transport
// should redeliver: an early event, or a retriable store failure.
func (p *Participant) OnEvent(ctx context.Context, msg schema.Message) error {
	cmd := command.Command{
		RequestID: msg.EventID,
		Type:      msg.EventType,
		Payload:   msg.Payload,
		IssuedAt:  msg.OccurredAt,
	}
	_, err := p.bus.Dispatch(ctx, cmd)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrOutOfOrder):
		logging.WithTrace(ctx, p.logger).Info("event arrived early, awaiting redelivery",
			zap.String("event_id", msg.EventID), zap.String("event_type", msg.EventType), zap.Error(err))
		return err
	case apperrors.IsRetriable(err):
		return err
	case errors.Is(err, context.Canceled):
		return err
	default:
		// redelivering cannot change the outcome
		logging.WithTrace(ctx, p.logger).Error("dropping event",
			zap.String("event_id", msg.EventID), zap.String("event_type", msg.EventType), zap.Error(err))
		return nil
	}
}

// noop turns business rejections into a completed no-op result.
func (p *Participant) noop() command.Middleware {
	return func(next command.HandlerFunc) command.HandlerFunc {
		return func(ctx context.Context, cmd command.Command) (command.Reply, error) {
			reply, err := next(ctx, cmd)
			if err == nil || !apperrors.IsRejection(err) {
				return reply, err
			}
			logging.WithTrace(ctx, p.logger).Info("ignoring inapplicable event",
				zap.String("event_id", cmd.RequestID), zap.String("event_type", cmd.Type), zap.Error(err))
			return command.Accepted(map[string]string{"ignored": err.Error()})
		}
	}
}

// Consume subscribes p to every event type it handles, as consumer group group.
func Consume(ctx context.Context, sub broker.Subscriber, group string, p *Participant) error {
	for _, eventType := range p.EventTypes() {
		if err := sub.Subscribe(ctx, eventType, group, p.OnEvent); err != nil {
			return fmt.Errorf("subscribing %s to %s: %w", group, eventType, err)
		}
	}
	return nil
}
