// Package app assembles one fulfillment service: its command bus, saga
// participant, outbox processor and operator report.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-fulfillment/pkg/broker"
	"github.com/zoff-tech/go-fulfillment/pkg/catalog"
	"github.com/zoff-tech/go-fulfillment/pkg/command"
	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/idempotency"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/pkg/ordering"
	"github.com/zoff-tech/go-fulfillment/pkg/payment"
	"github.com/zoff-tech/go-fulfillment/pkg/processor"
	"github.com/zoff-tech/go-fulfillment/pkg/saga"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
	"github.com/zoff-tech/go-fulfillment/schema"
)

const reportLimit = 100

type Option func(*Service)

// WithGateway replaces the payment gateway built from PaymentSettings.
func WithGateway(g payment.Gateway) Option {
	return func(s *Service) { s.gateway = g }
}

type Service struct {
	cfg     *config.Settings
	backend *store.Backend
	broker  broker.Broker
	logger  *zap.Logger
	now     func() time.Time

	bus         *command.Bus
	guard       *idempotency.Guard
	participant *saga.Participant
	processor   *processor.OutboxProcessor
	gateway     payment.Gateway

	catalog  *catalog.Service
	ordering *ordering.Service
	payment  *payment.Service

	ready chan struct{}
}

func NewService(cfg *config.Settings, backend *store.Backend, b broker.Broker, logger *zap.Logger, opts ...Option) (*Service, error) {
	logger = logging.OrNop(logger).With(zap.String("service", cfg.Service))
	s := &Service{
		cfg:     cfg,
		backend: backend,
		broker:  b,
		logger:  logger,
		now:     time.Now,
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.bus = command.NewBus(logger, command.Logging(logger), command.RequireEnvelope())
	s.guard = idempotency.NewGuard(backend.Tx, backend.Ledger, cfg.Idempotency, logger)
	s.participant = saga.NewParticipant(cfg.Service, s.guard, logger)
	s.processor = processor.NewOutboxProcessor(backend.Outbox, b, cfg.Publisher, logger)

	switch cfg.Service {
	case "catalog":
		s.catalog = catalog.NewService(backend, logger)
		s.catalog.Register(s.bus, s.guard)
		s.catalog.Subscribe(s.participant)
	case "ordering":
		s.ordering = ordering.NewService(backend, logger)
		s.ordering.Register(s.bus, s.guard)
		s.ordering.Subscribe(s.participant)
	case "payment":
		if s.gateway == nil {
			gw, err := payment.NewConfiguredGateway(cfg.Payment)
			if err != nil {
				return nil, err
			}
			s.gateway = gw
		}
		s.payment = payment.NewService(backend, s.gateway, logger)
		s.payment.Subscribe(s.participant)
	default:
		return nil, fmt.Errorf("unsupported service: %s", cfg.Service)
	}
	return s, nil
}

// Dispatch runs an inbound command through the service's bus.
func (s *Service) Dispatch(ctx context.Context, cmd command.Command) (command.Reply, error) {
	return s.bus.Dispatch(ctx, cmd)
}

// Run seeds the catalog, subscribes the participant and then runs the outbox
// processor and the operator report until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.catalog != nil {
		if err := s.catalog.Seed(ctx, s.cfg.Catalog.Products); err != nil {
			return fmt.Errorf("seeding catalog: %w", err)
		}
	}
	if err := saga.Consume(ctx, s.broker, s.consumerGroup(), s.participant); err != nil {
		return err
	}
	close(s.ready)
	s.logger.Info("service started",
		zap.String("consumer_group", s.consumerGroup()),
		zap.Strings("commands", s.bus.Types()),
		zap.Strings("events", s.participant.EventTypes()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.processor.ProcessEvents(ctx)
	})
	g.Go(func() error {
		return s.reportLoop(ctx)
	})
	return g.Wait()
}

// Ready is closed once the participant is subscribed.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) consumerGroup() string {
	if s.cfg.Broker.ConsumerGroup != "" {
		return s.cfg.Broker.ConsumerGroup
	}
	return s.cfg.Service
}

// Report is a snapshot of what needs an operator's attention.
type Report struct {
	Failed []*schema.OutboxEvent
	Stuck  []*schema.RequestRecord
	Purged int64
}

// Report lists failed outbox events and in-progress requests older than the
// stale threshold, and purges completed requests past retention.
func (s *Service) Report(ctx context.Context) (Report, error) {
	var r Report
	var err error
	now := s.now()
	if r.Failed, err = s.backend.Outbox.ListByStatus(ctx, schema.StatusFailed, reportLimit); err != nil {
		return r, fmt.Errorf("listing failed events: %w", err)
	}
	if r.Stuck, err = s.backend.Ledger.ListStuck(ctx, now.Add(-s.cfg.Idempotency.StaleAfter), reportLimit); err != nil {
		return r, fmt.Errorf("listing stuck requests: %w", err)
	}
	if s.cfg.Idempotency.Retention > 0 {
		if r.Purged, err = s.backend.Ledger.PurgeCompleted(ctx, now.Add(-s.cfg.Idempotency.Retention)); err != nil {
			return r, fmt.Errorf("purging completed requests: %w", err)
		}
	}
	return r, nil
}

// Requeue gives a failed outbox event a fresh retry budget.
func (s *Service) Requeue(ctx context.Context, eventID string) error {
	if err := s.backend.Outbox.Requeue(ctx, eventID); err != nil {
		return err
	}
	s.logger.Info("requeued outbox event", zap.String("event_id", eventID))
	return nil
}

func (s *Service) reportLoop(ctx context.Context) error {
	if s.cfg.OperatorReportInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.cfg.OperatorReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		r, err := s.Report(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("operator report failed", zap.Error(err))
			continue
		}
		fields := []zap.Field{
			zap.Int("failed_events", len(r.Failed)),
			zap.Int("stuck_requests", len(r.Stuck)),
			zap.Int64("purged_requests", r.Purged),
		}
		if len(r.Failed) > 0 || len(r.Stuck) > 0 {
			s.logger.Warn("outbox needs attention", fields...)
			continue
		}
		s.logger.Debug("operator report", fields...)
	}
}

func (s *Service) Catalog() *catalog.Service   { return s.catalog }
func (s *Service) Ordering() *ordering.Service { return s.ordering }
func (s *Service) Payment() *payment.Service   { return s.payment }
func (s *Service) Processor() *processor.OutboxProcessor {
	return s.processor
}
