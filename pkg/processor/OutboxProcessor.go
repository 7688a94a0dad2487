package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/pkg/broker"
	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
	"github.com/zoff-tech/go-fulfillment/pkg/telemetry"
	"github.com/zoff-tech/go-fulfillment/schema"
)

// BatchResult summarizes one ProcessBatch cycle.
type BatchResult struct {
	Released  int64 // expired claims returned to not_published
	Claimed   int
	Published int
	Retried   int
	Failed    int
	Deferred  int // released untouched behind a failed row of the same aggregate
}

type Option func(*OutboxProcessor)

// WithClock overrides the clock used to schedule retries.
func WithClock(now func() time.Time) Option {
	return func(p *OutboxProcessor) { p.now = now }
}

// OutboxProcessor processes outbox events.
type OutboxProcessor struct {
	repo    store.OutboxRepository
	broker  broker.MessageBroker
	cfg     config.PublisherSettings
	logger  *zap.Logger
	tracer  trace.Tracer
	limiter *rate.Limiter
	now     func() time.Time
	metrics processorMetrics
}

// NewOutboxProcessor creates a new instance of OutboxProcessor.
func NewOutboxProcessor(repo store.OutboxRepository, b broker.MessageBroker, cfg config.PublisherSettings, logger *zap.Logger, opts ...Option) *OutboxProcessor {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Concurrency
	if burst < 1 {
		burst = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	p := &OutboxProcessor{
		repo:    repo,
		broker:  b,
		cfg:     cfg,
		logger:  logging.OrNop(logger).With(zap.String("component", "outbox-processor")),
		tracer:  otel.Tracer("go-fulfillment/processor"),
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
		metrics: newProcessorMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessEvents runs batches until ctx is cancelled. A batch that claimed
// events is followed immediately by the next one; otherwise the loop waits
// for PollInterval.
func (p *OutboxProcessor) ProcessEvents(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := p.ProcessBatch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			p.logger.Warn("outbox batch failed", zap.Error(err))
		}
		if err == nil && res.Claimed > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch performs one claim and publish cycle.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) (BatchResult, error) {
	ctx, span := p.tracer.Start(ctx, "ProcessOutboxBatch")
	defer span.End()

	var res BatchResult
	released, err := p.repo.ReleaseExpired(ctx, p.cfg.LockExpiration)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("releasing expired claims: %w", err)
	}
	res.Released = released
	if released > 0 {
		p.metrics.released.Add(ctx, released)
		p.logger.Warn("released expired outbox claims", zap.Int64("count", released))
	}

	events, err := p.repo.FetchPending(ctx, p.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("fetching pending events: %w", err)
	}
	res.Claimed = len(events)
	span.SetAttributes(attribute.Int("outbox.claimed", len(events)))
	if len(events) == 0 {
		return res, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.cfg.Concurrency)
	for _, group := range groupByAggregate(events) {
		group := group
		g.Go(func() error {
			r := p.publishAggregate(ctx, group)
			mu.Lock()
			res.Published += r.Published
			res.Retried += r.Retried
			res.Failed += r.Failed
			res.Deferred += r.Deferred
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("outbox.published", res.Published),
		attribute.Int("outbox.retried", res.Retried),
		attribute.Int("outbox.failed", res.Failed),
	)
	return res, nil
}

type outcome int

const (
	published outcome = iota
	retried
	failed
	deferred
)

// publishAggregate publishes one aggregate's rows in order and stops at the
// first row that was not published.
func (p *OutboxProcessor) publishAggregate(ctx context.Context, events []*schema.OutboxEvent) BatchResult {
	var res BatchResult
	for i, event := range events {
		switch p.publishOne(ctx, event) {
		case published:
			res.Published++
			continue
		case retried:
			res.Retried++
		case failed:
			res.Failed++
		case deferred:
			res.Deferred++
		}
		for _, rest := range events[i+1:] {
			p.release(ctx, rest)
			res.Deferred++
		}
		break
	}
	return res
}

func (p *OutboxProcessor) publishOne(ctx context.Context, event *schema.OutboxEvent) outcome {
	ctx, span := p.tracer.Start(ctx, "ProcessOutboxEvent", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.EventType),
		attribute.String("event.aggregate_id", event.AggregateID),
		attribute.Int("event.retry_count", event.RetryCount),
		attribute.String("event.created_at", event.CreatedAt.String()),
	))
	defer span.End()
	logger := logging.WithTrace(ctx, p.logger).With(
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.String("aggregate_id", event.AggregateID),
	)

	if err := p.limiter.Wait(ctx); err != nil {
		p.release(ctx, event)
		return deferred
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	started := time.Now()
	err := p.broker.Publish(publishCtx, event)
	cancel()
	p.metrics.latency.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.String("event_type", event.EventType), attribute.Bool("ok", err == nil)))

	// bookkeeping survives shutdown
	storeCtx := context.WithoutCancel(ctx)

	if err == nil {
		p.metrics.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", event.EventType)))
		if err := p.repo.MarkPublished(storeCtx, event.ID); err != nil {
			span.RecordError(err)
			if errors.Is(err, apperrors.ErrNotFound) {
				// reclaimed by another relay; consumers dedupe the second copy
				logger.Warn("claim lost before marking event published", zap.Error(err))
			} else {
				logger.Error("failed to mark event published", zap.Error(err))
			}
		}
		return published
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if ctx.Err() != nil {
		// shutting down, not a broker failure
		p.release(ctx, event)
		return deferred
	}

	attempts := event.RetryCount + 1
	if attempts >= p.cfg.MaxRetries {
		if serr := p.repo.SetStatusAndIncrementRetry(storeCtx, event.ID, schema.StatusFailed, event.NextAttemptAt, err.Error()); serr != nil {
			logger.Error("failed to mark event failed", zap.Error(serr))
		}
		p.metrics.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", event.EventType)))
		logger.Error("outbox event exhausted its retries", zap.Int("attempts", attempts), zap.Error(err))
		return failed
	}

	delay := p.backoff(attempts)
	if serr := p.repo.SetStatusAndIncrementRetry(storeCtx, event.ID, schema.StatusNotPublished, p.now().Add(delay), err.Error()); serr != nil {
		logger.Error("failed to schedule event retry", zap.Error(serr))
	}
	p.metrics.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", event.EventType)))
	logger.Warn("failed to publish event, retry scheduled",
		zap.Int("attempts", attempts), zap.Duration("retry_in", delay), zap.Error(err))
	return retried
}

// release returns a claimed event untouched.
func (p *OutboxProcessor) release(ctx context.Context, event *schema.OutboxEvent) {
	if err := p.repo.SetStatus(context.WithoutCancel(ctx), event.ID, schema.StatusNotPublished); err != nil {
		p.logger.Error("failed to release claimed event", zap.String("event_id", event.ID), zap.Error(err))
	}
}

// backoff returns the delay before attempt+1.
func (p *OutboxProcessor) backoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.RandomizationFactor = p.cfg.RetryJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// groupByAggregate keeps the claim order within and across aggregates.
func groupByAggregate(events []*schema.OutboxEvent) [][]*schema.OutboxEvent {
	index := make(map[string]int)
	var groups [][]*schema.OutboxEvent
	for _, e := range events {
		i, ok := index[e.AggregateID]
		if !ok {
			i = len(groups)
			index[e.AggregateID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	return groups
}

type processorMetrics struct {
	published metric.Int64Counter
	retried   metric.Int64Counter
	failed    metric.Int64Counter
	released  metric.Int64Counter
	latency   metric.Float64Histogram
}

func newProcessorMetrics() processorMetrics {
	meter := otel.Meter(telemetry.InstrumentationName)
	var m processorMetrics
	var err error
	if m.published, err = meter.Int64Counter("outbox_published", metric.WithDescription("Events accepted by the broker")); err != nil {
		otel.Handle(err)
	}
	if m.retried, err = meter.Int64Counter("outbox_retried", metric.WithDescription("Failed publishes scheduled for retry")); err != nil {
		otel.Handle(err)
	}
	if m.failed, err = meter.Int64Counter("outbox_failed", metric.WithDescription("Events that exhausted their retries")); err != nil {
		otel.Handle(err)
	}
	if m.released, err = meter.Int64Counter("outbox_claims_released", metric.WithDescription("Expired claims returned to the queue")); err != nil {
		otel.Handle(err)
	}
	if m.latency, err = meter.Float64Histogram("outbox_publish_duration", metric.WithUnit("s")); err != nil {
		otel.Handle(err)
	}
	return m
}
