package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/schema"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (Broker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (Broker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
	}
	return &pubSubBroker{
		client:   client,
		settings: settings,
		logger:   logging.OrNop(logger).With(zap.String("broker", "pubsub")),
		topics:   make(map[string]*pubsub.Topic),
	}, nil
}

type pubSubBroker struct {
	client    *pubsub.Client
	settings  *config.BrokerSettings
	logger    *zap.Logger
	mu        sync.Mutex
	topics    map[string]*pubsub.Topic
	cancels   []context.CancelFunc
	consumers sync.WaitGroup
}

// topic returns the cached ordered topic for an event type.
func (p *pubSubBroker) topic(eventType string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[eventType]
	if !ok {
		t = p.client.Topic(eventType)
		t.EnableMessageOrdering = true
		p.topics[eventType] = t
	}
	return t
}

func (p *pubSubBroker) Publish(ctx context.Context, event *schema.OutboxEvent) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(event.EventType),
			semconv.MessagingMessageIDKey.String(event.ID),
		),
	)
	defer span.End()

	topic := p.topic(event.EventType)
	res := topic.Publish(ctx, &pubsub.Message{
		Data:        event.Payload,
		Attributes:  outgoingHeaders(ctx, event),
		OrderingKey: event.AggregateID,
	})
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		// an ordered key stays paused after a failure until resumed
		topic.ResumePublish(event.AggregateID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return publishFailure(event, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(event.Payload)),
	)

	return nil
}

// Subscribe receives from subscription "<group>-<eventType>", creating the
// topic and an ordered subscription when missing.
func (p *pubSubBroker) Subscribe(ctx context.Context, eventType, group string, handler Handler) error {
	topic := p.topic(eventType)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking topic %s: %w", eventType, err)
	}
	if !exists {
		if _, err := p.client.CreateTopic(ctx, eventType); err != nil {
			return fmt.Errorf("creating topic %s: %w", eventType, err)
		}
	}

	id := group + "-" + eventType
	sub := p.client.Subscription(id)
	exists, err = sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking subscription %s: %w", id, err)
	}
	if !exists {
		sub, err = p.client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{
			Topic:                 topic,
			AckDeadline:           30 * time.Second,
			EnableMessageOrdering: true,
			RetryPolicy: &pubsub.RetryPolicy{
				MinimumBackoff: p.settings.RedeliveryDelay,
				MaximumBackoff: 10 * time.Minute,
			},
		})
		if err != nil {
			return fmt.Errorf("creating subscription %s: %w", id, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancels = append(p.cancels, cancel)
	p.mu.Unlock()

	p.consumers.Add(1)
	go func() {
		defer p.consumers.Done()
		err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
			p.handle(ctx, eventType, m, handler)
		})
		if err != nil && ctx.Err() == nil {
			p.logger.Error("subscription stopped", zap.String("subscription", id), zap.Error(err))
		}
	}()
	return nil
}

func (p *pubSubBroker) handle(ctx context.Context, eventType string, m *pubsub.Message, handler Handler) {
	headers := m.Attributes
	if headers == nil {
		headers = map[string]string{}
	}
	msg, err := schema.MessageFromHeaders(headers, eventType, m.Data)
	if err != nil {
		p.logger.Error("dropping malformed message", zap.String("message_id", m.ID), zap.Error(err))
		m.Ack()
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(incomingContext(ctx, headers), "Consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingMessageIDKey.String(msg.EventID),
			semconv.MessagingDestinationKey.String(eventType),
		),
	)
	defer span.End()

	if err := handler(ctx, msg); err != nil {
		span.RecordError(err)
		logging.WithTrace(ctx, p.logger).Warn("delivery failed, nacking",
			zap.String("event_id", msg.EventID), zap.String("event_type", msg.EventType), zap.Error(err))
		m.Nack()
		return
	}
	m.Ack()
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	p.consumers.Wait()
	return p.client.Close()
}
