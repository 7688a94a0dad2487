package broker

import (
	"context"
	"fmt"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/schema"
)

const tracerName = "go-fulfillment/broker"

// MessageBroker defines the operations to publish outbox events to a broker.
type MessageBroker interface {
	// Publish sends the event to its topic and returns once the broker accepted it.
	Publish(ctx context.Context, event *schema.OutboxEvent) error
	// Close cleans up any resources (connections).
	Close() error
}

// Handler processes one delivery. A nil error acknowledges it; any error
// asks the transport to redeliver later.
type Handler func(ctx context.Context, msg schema.Message) error

// Subscriber delivers events of one type to a consumer group until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, eventType, group string, handler Handler) error
	Close() error
}

// Broker is a transport that can both publish and subscribe.
type Broker interface {
	MessageBroker
	Subscriber
}

// outgoingHeaders merges the trace context, the event's own headers and the
// envelope. Headers written with the event win over the publisher's trace.
func outgoingHeaders(ctx context.Context, event *schema.OutboxEvent) map[string]string {
	headers := make(map[string]string, len(event.Headers)+4)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	maps.Copy(headers, event.Headers)
	maps.Copy(headers, event.Message().Headers())
	return headers
}

// incomingContext continues the trace carried in headers.
func incomingContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

func publishFailure(event *schema.OutboxEvent, err error) error {
	return fmt.Errorf("%w: %s %s: %w", apperrors.ErrPublishFailure, event.EventType, event.ID, err)
}
