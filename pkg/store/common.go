package store

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-fulfillment/schema"
)

const tracerName = "go-fulfillment/store"

func startSpan(ctx context.Context, system, name string) (context.Context, trace.Span, time.Time) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name,
		trace.WithAttributes(attribute.String("db.system", system)))
	return ctx, span, time.Now()
}

func addDBStatsToSpan(span trace.Span, statement string, rows int, started time.Time) {
	span.SetAttributes(
		attribute.Int("db.rows", rows),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(time.Since(started).Milliseconds())),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// sortForDelivery orders events by (created_at, id).
func sortForDelivery(events []*schema.OutboxEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
}

// claimable picks due events from the undelivered rows (not_published,
// in_progress or failed) sorted by sortForDelivery. A row is claimable only
// when no older row of its aggregate is undelivered, so a failed row holds its
// aggregate until an operator requeues it.
func claimable(open []*schema.OutboxEvent, now time.Time, batchSize int) []*schema.OutboxEvent {
	blocked := make(map[string]struct{})
	var picked []*schema.OutboxEvent
	for _, e := range open {
		if len(picked) >= batchSize {
			break
		}
		if _, ok := blocked[e.AggregateID]; ok {
			continue
		}
		blocked[e.AggregateID] = struct{}{}
		if e.Status == schema.StatusNotPublished && !e.NextAttemptAt.After(now) {
			picked = append(picked, e)
		}
	}
	return picked
}
