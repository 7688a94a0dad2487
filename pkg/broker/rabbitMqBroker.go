package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/schema"
)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (Broker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (Broker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		logger:          logging.OrNop(logger).With(zap.String("broker", "rabbitmq")),
		reconnectTicker: time.NewTicker(5 * time.Second), // reconnect check interval
		stopReconnect:   make(chan struct{}),
	}

	// Dial, declare the exchange and fill the pool before accepting publishes
	if err := broker.connectAndInitialize(); err != nil {
		return nil, err
	}

	// Reconnect in the background when the connection drops
	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	connection      *amqp.Connection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	logger          *zap.Logger
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	closed          bool
	consumers       sync.WaitGroup
}

func (r *rabbitMqBroker) Publish(ctx context.Context, event *schema.OutboxEvent) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(r.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(event.EventType),
			semconv.MessagingMessageIDKey.String(event.ID),
		),
	)
	defer span.End()

	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return publishFailure(event, err)
	}

	// Routing key is the event type; headers carry the event id and trace context
	err = pooledChan.channel.Publish(
		r.settings.Exchange, event.EventType, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.CreatedAt,
			Type:         event.EventType,
			Body:         event.Payload,
			Headers:      headersToTable(outgoingHeaders(ctx, event)),
		},
	)
	if err == nil {
		// The row is only marked published once the broker has it
		err = pooledChan.awaitConfirm(ctx)
	}
	if err != nil {
		// the confirm stream of this channel can no longer be trusted
		_ = pooledChan.channel.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return publishFailure(event, err)
	}
	r.releaseChannel(pooledChan)

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(event.Payload)),
	)

	return nil
}

// Subscribe binds a durable queue "<group>.<eventType>" to the exchange and
// consumes it until ctx is cancelled. Failed deliveries are nacked and
// requeued after the redelivery delay.
func (r *rabbitMqBroker) Subscribe(ctx context.Context, eventType, group string, handler Handler) error {
	queue := group + "." + eventType
	deliveries, ch, err := r.consume(queue, eventType)
	if err != nil {
		return err
	}

	r.consumers.Add(1)
	go func() {
		defer r.consumers.Done()
		for {
			if deliveries != nil {
				r.drain(ctx, deliveries, handler)
				_ = ch.Close()
			}
			if ctx.Err() != nil {
				return
			}
			// connection lost: wait for recoverConnection and consume again
			r.logger.Warn("consumer stopped, resubscribing", zap.String("queue", queue))
			select {
			case <-ctx.Done():
				return
			case <-r.stopReconnect:
				return
			case <-time.After(5 * time.Second):
			}
			deliveries, ch, err = r.consume(queue, eventType)
			if err != nil {
				r.logger.Error("failed to resubscribe", zap.String("queue", queue), zap.Error(err))
				deliveries = nil
			}
		}
	}()
	return nil
}

func (r *rabbitMqBroker) consume(queue, eventType string) (<-chan amqp.Delivery, *amqp.Channel, error) {
	r.mu.Lock()
	conn := r.connection
	r.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, nil, errors.New("rabbitmq connection is closed")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	// Durable queue per consumer group, bound to one event type
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, eventType, r.settings.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	// Bound the unacked deliveries held by this consumer
	if err := ch.Qos(10, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	return deliveries, ch, nil
}

func (r *rabbitMqBroker) drain(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			r.handle(ctx, d, handler)
		}
	}
}

func (r *rabbitMqBroker) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	// Publishers outside this module may only set the AMQP message id
	headers := tableToHeaders(d.Headers)
	if _, ok := headers[schema.HeaderEventID]; !ok && d.MessageId != "" {
		headers[schema.HeaderEventID] = d.MessageId
	}
	msg, err := schema.MessageFromHeaders(headers, d.RoutingKey, d.Body)
	if err != nil {
		// nothing can ever process it
		r.logger.Error("dropping malformed delivery", zap.String("routing_key", d.RoutingKey), zap.Error(err))
		_ = d.Reject(false)
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(incomingContext(ctx, headers), "Consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingMessageIDKey.String(msg.EventID),
			semconv.MessagingRabbitmqRoutingKeyKey.String(d.RoutingKey),
		),
	)
	defer span.End()

	if err := handler(ctx, msg); err != nil {
		span.RecordError(err)
		logging.WithTrace(ctx, r.logger).Warn("delivery failed, requeueing",
			zap.String("event_id", msg.EventID), zap.String("event_type", msg.EventType), zap.Error(err))
		// Hold the delivery so a failing handler does not spin on it
		select {
		case <-ctx.Done():
		case <-time.After(r.settings.RedeliveryDelay):
		}
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	// Stop recovery and the resubscribe loops
	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	// Close pooled channels, then the connection
	close(r.channelPool)
	for pooledChan := range r.channelPool {
		pooledChan.channel.Close()
	}

	var err error
	if r.connection != nil {
		err = r.connection.Close()
	}
	r.mu.Unlock()

	// Consumers exit once their delivery channels close
	r.consumers.Wait()
	return err
}

func headersToTable(headers map[string]string) amqp.Table {
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}

func tableToHeaders(table amqp.Table) map[string]string {
	headers := make(map[string]string, len(table))
	for k, v := range table {
		switch value := v.(type) {
		case string:
			headers[k] = value
		case []byte:
			headers[k] = string(value)
		default:
			headers[k] = fmt.Sprint(value)
		}
	}
	return headers
}
