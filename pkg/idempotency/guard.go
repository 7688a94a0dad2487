// Package idempotency makes command and event handlers run at most once per
// request id. A request is recorded in the ledger before its handler runs and
// completed in the same transaction as the handler's writes.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/pkg/command"
	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
	"github.com/zoff-tech/go-fulfillment/pkg/telemetry"
	"github.com/zoff-tech/go-fulfillment/schema"
)

// Policy decides what a duplicate does while the first execution is still running.
type Policy string

const (
	PolicyWait   Policy = "wait"
	PolicyReject Policy = "reject"
)

type handleOptions struct {
	policy          Policy
	duplicateResult []byte
}

// Option tunes one Handle call.
type Option func(*handleOptions)

// WithDuplicateResult makes duplicates return v instead of the stored result.
func WithDuplicateResult(v any) Option {
	result, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("idempotency: duplicate result is not JSON: %v", err))
	}
	return func(o *handleOptions) { o.duplicateResult = result }
}

func WithInFlightPolicy(p Policy) Option {
	return func(o *handleOptions) { o.policy = p }
}

type GuardOption func(*Guard)

// WithClock overrides the clock used for the stale threshold.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

type Guard struct {
	tx       store.TxManager
	ledger   store.RequestLedger
	cfg      config.IdempotencySettings
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
	outcomes metric.Int64Counter
}

func NewGuard(tx store.TxManager, ledger store.RequestLedger, cfg config.IdempotencySettings, logger *zap.Logger, opts ...GuardOption) *Guard {
	outcomes, err := otel.Meter(telemetry.InstrumentationName).Int64Counter("idempotency_outcomes",
		metric.WithDescription("Guarded requests by outcome"))
	if err != nil {
		otel.Handle(err)
	}
	g := &Guard{
		tx:       tx,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logging.OrNop(logger).With(zap.String("component", "idempotency-guard")),
		tracer:   otel.Tracer("go-fulfillment/idempotency"),
		now:      time.Now,
		outcomes: outcomes,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Middleware exposes the guard to a command bus.
func Middleware(g *Guard, opts ...Option) command.Middleware {
	return func(next command.HandlerFunc) command.HandlerFunc {
		return func(ctx context.Context, cmd command.Command) (command.Reply, error) {
			return g.Handle(ctx, cmd, next, opts...)
		}
	}
}

// Handle runs next at most once for cmd.RequestID. It must not be called
// inside a transaction: the ledger record has to be visible to duplicates
// before the handler starts.
func (g *Guard) Handle(ctx context.Context, cmd command.Command, next command.HandlerFunc, opts ...Option) (command.Reply, error) {
	if cmd.RequestID == "" {
		return command.Reply{Status: command.StatusRejected}, apperrors.Validation("request id is required")
	}
	o := handleOptions{policy: Policy(g.cfg.InFlightPolicy)}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := g.tracer.Start(ctx, "IdempotencyGuard", trace.WithAttributes(
		attribute.String("request.id", cmd.RequestID),
		attribute.String("request.type", cmd.Type),
	))
	defer span.End()
	logger := logging.WithTrace(ctx, g.logger).With(
		zap.String("request_id", cmd.RequestID),
		zap.String("command_type", cmd.Type),
	)

	owner := uuid.NewString()
	var waitUntil time.Time
	for {
		created, existing, err := g.ledger.Begin(ctx, cmd.RequestID, cmd.Type, owner)
		if err != nil {
			span.RecordError(err)
			return rejected(asTransient(err, "begin request"))
		}
		if created {
			return g.execute(ctx, logger, cmd, owner, next, "executed")
		}

		if existing.IsCompleted() {
			return g.duplicate(ctx, existing, o), nil
		}

		staleBefore := g.now().Add(-g.cfg.StaleAfter)
		if existing.UpdatedAt.Before(staleBefore) {
			reclaimed, err := g.ledger.Reclaim(ctx, cmd.RequestID, owner, staleBefore)
			if err != nil {
				return rejected(asTransient(err, "reclaim request"))
			}
			if reclaimed {
				logger.Warn("reclaimed stale in-progress request",
					zap.String("previous_owner", existing.Owner), zap.Time("updated_at", existing.UpdatedAt))
				return g.execute(ctx, logger, cmd, owner, next, "reclaimed")
			}
			continue
		}

		if o.policy == PolicyReject {
			g.count(ctx, "rejected_in_flight")
			return rejected(fmt.Errorf("request %s: %w", cmd.RequestID, apperrors.ErrDuplicateInFlight))
		}

		if waitUntil.IsZero() {
			waitUntil = time.Now().Add(g.cfg.WaitCeiling)
		}
		record, err := g.wait(ctx, cmd.RequestID, waitUntil)
		if err != nil {
			if errors.Is(err, apperrors.ErrStillProcessing) {
				g.count(ctx, "still_processing")
			}
			return rejected(err)
		}
		if record != nil {
			return g.duplicate(ctx, record, o), nil
		}
		// released by its owner; try to take it
	}
}

// wait polls the ledger until the record completes, disappears (nil, nil) or
// the ceiling passes.
func (g *Guard) wait(ctx context.Context, requestID string, until time.Time) (*schema.RequestRecord, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.PollInterval
	b.MaxInterval = 10 * g.cfg.PollInterval
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		delay := b.NextBackOff()
		remaining := time.Until(until)
		if remaining <= 0 {
			return nil, fmt.Errorf("request %s: %w", requestID, apperrors.ErrStillProcessing)
		}
		if delay > remaining {
			delay = remaining
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		record, err := g.ledger.Get(ctx, requestID)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			return nil, nil
		case err != nil:
			return nil, asTransient(err, "poll request")
		case record.IsCompleted():
			return record, nil
		}
	}
}

// execute runs next and completes the record in one transaction. Transient
// failures retry the whole transaction; any final error releases the record.
func (g *Guard) execute(ctx context.Context, logger *zap.Logger, cmd command.Command, owner string, next command.HandlerFunc, outcome string) (command.Reply, error) {
	var reply command.Reply
	attempt := func() error {
		err := g.tx.WithTx(ctx, func(ctx context.Context) error {
			r, err := next(ctx, cmd)
			if err != nil {
				return err
			}
			if r.Status == "" {
				r.Status = command.StatusAccepted
			}
			if err := g.ledger.Complete(ctx, cmd.RequestID, owner, r.Result); err != nil {
				return err
			}
			reply = r
			return nil
		})
		if err != nil && (errors.Is(err, store.ErrLeaseLost) || !errors.Is(err, apperrors.ErrTransientStore)) {
			return backoff.Permanent(err)
		}
		if err != nil {
			logger.Debug("transient failure, retrying request transaction", zap.Error(err))
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.PollInterval
	b.MaxElapsedTime = 0
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.cfg.TransientRetries)), ctx))
	if err != nil {
		if rerr := g.ledger.Release(context.WithoutCancel(ctx), cmd.RequestID, owner); rerr != nil {
			logger.Error("failed to release request after handler error", zap.Error(rerr))
		}
		g.count(ctx, "failed")
		return rejected(err)
	}

	g.count(ctx, outcome)
	return reply, nil
}

func (g *Guard) duplicate(ctx context.Context, record *schema.RequestRecord, o handleOptions) command.Reply {
	g.count(ctx, "duplicate")
	result := record.Result
	if o.duplicateResult != nil {
		result = o.duplicateResult
	}
	return command.Reply{Status: command.StatusDuplicate, Result: result}
}

func (g *Guard) count(ctx context.Context, outcome string) {
	g.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// rejected carries err back with a rejected reply. Retriable causes stay
// visible through the error.
func rejected(err error) (command.Reply, error) {
	return command.Reply{Status: command.StatusRejected}, err
}

func asTransient(err error, op string) error {
	if errors.Is(err, apperrors.ErrTransientStore) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrTransientStore, err)
}
