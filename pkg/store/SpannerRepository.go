package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/zoff-tech/go-fulfillment/schema"
)

var spannerOutboxColumns = []string{
	"id", "aggregate_id", "event_type", "payload", "headers", "status", "retry_count",
	"last_error", "created_at", "updated_at", "next_attempt_at", "published_at",
}

type SpannerRepository struct {
	client *spanner.Client
	now    func() time.Time
}

func NewSpannerRepository(client *spanner.Client) *SpannerRepository {
	return &SpannerRepository{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SpannerRepository) Append(ctx context.Context, events ...*schema.OutboxEvent) error {
	txn := spannerTxFrom(ctx)
	if txn == nil {
		return ErrNoTransaction
	}
	mutations := make([]*spanner.Mutation, 0, len(events))
	for _, event := range events {
		if err := event.Validate(); err != nil {
			return err
		}
		headers, err := json.Marshal(event.Headers)
		if err != nil {
			return fmt.Errorf("encoding headers of %s: %w", event.ID, err)
		}
		mutations = append(mutations, spanner.Insert("outbox", spannerOutboxColumns, []interface{}{
			event.ID, event.AggregateID, event.EventType, event.Payload, string(headers),
			string(event.Status), int64(event.RetryCount), event.LastError,
			event.CreatedAt, event.UpdatedAt, event.NextAttemptAt, spanner.NullTime{},
		}))
	}
	return txn.BufferWrite(mutations)
}

// FetchPending claims the head of each aggregate. Spanner has no SKIP LOCKED:
// the read-write transaction locks what it reads, so a competing relay aborts
// and the client retries it.
func (s *SpannerRepository) FetchPending(ctx context.Context, batchSize int) (events []*schema.OutboxEvent, err error) {
	ctx, span, started := startSpan(ctx, "spanner", "FetchPending")
	defer func() { endSpan(span, err) }()

	err = readWrite(ctx, s.client, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		now := s.now()
		stmt := spanner.Statement{
			SQL: `SELECT id, aggregate_id, event_type, payload, headers, status, retry_count,
			             last_error, created_at, updated_at, next_attempt_at, published_at
			      FROM outbox o
			      WHERE o.status = @notPublished AND o.next_attempt_at <= @now
			        AND NOT EXISTS (
			          SELECT 1 FROM outbox p
			          WHERE p.aggregate_id = o.aggregate_id
			            AND p.status IN (@notPublished, @inProgress, @failed)
			            AND (p.created_at < o.created_at OR (p.created_at = o.created_at AND p.id < o.id)))
			      ORDER BY o.created_at, o.id
			      LIMIT @batchSize`,
			Params: map[string]interface{}{
				"notPublished": string(schema.StatusNotPublished),
				"inProgress":   string(schema.StatusInProgress),
				"failed":       string(schema.StatusFailed),
				"now":          now,
				"batchSize":    int64(batchSize),
			},
		}
		events, err = readEvents(txn.Query(ctx, stmt))
		if err != nil || len(events) == 0 {
			return err
		}

		// Claim in the same transaction
		ids := make([]string, len(events))
		for i, event := range events {
			ids[i] = event.ID
			event.Status = schema.StatusInProgress
			event.UpdatedAt = now
		}
		_, err = txn.Update(ctx, spanner.Statement{
			SQL: `UPDATE outbox SET status = @status, updated_at = @now WHERE id IN UNNEST(@ids)`,
			Params: map[string]interface{}{
				"status": string(schema.StatusInProgress),
				"now":    now,
				"ids":    ids,
			},
		})
		return err
	})
	if err != nil {
		return nil, transient(err, "fetch pending")
	}
	addDBStatsToSpan(span, "FetchPending", len(events), started)
	return events, nil
}

func (s *SpannerRepository) MarkPublished(ctx context.Context, eventID string) error {
	now := s.now()
	return s.update(ctx, eventID, true, spanner.Statement{
		SQL: `UPDATE outbox SET status = @status, published_at = @now, updated_at = @now, last_error = ''
		      WHERE id = @id AND status = @claimed`,
		Params: map[string]interface{}{
			"status":  string(schema.StatusPublished),
			"now":     now,
			"id":      eventID,
			"claimed": string(schema.StatusInProgress),
		},
	})
}

func (s *SpannerRepository) SetStatus(ctx context.Context, eventID string, status schema.Status) error {
	return s.update(ctx, eventID, false, spanner.Statement{
		SQL: `UPDATE outbox SET status = @status, updated_at = @now WHERE id = @id`,
		Params: map[string]interface{}{
			"status": string(status),
			"now":    s.now(),
			"id":     eventID,
		},
	})
}

func (s *SpannerRepository) SetStatusAndIncrementRetry(ctx context.Context, eventID string, status schema.Status, nextAttemptAt time.Time, lastErr string) error {
	return s.update(ctx, eventID, false, spanner.Statement{
		SQL: `UPDATE outbox SET status = @status, retry_count = retry_count + 1, next_attempt_at = @next,
		             last_error = @lastErr, updated_at = @now
		      WHERE id = @id`,
		Params: map[string]interface{}{
			"status":  string(status),
			"next":    nextAttemptAt,
			"lastErr": lastErr,
			"now":     s.now(),
			"id":      eventID,
		},
	})
}

// ReleaseExpired hands claims older than lockExpiration back to the pending set.
func (s *SpannerRepository) ReleaseExpired(ctx context.Context, lockExpiration time.Duration) (int64, error) {
	var released int64
	now := s.now()
	err := readWrite(ctx, s.client, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		n, err := txn.Update(ctx, spanner.Statement{
			SQL: `UPDATE outbox SET status = @released, updated_at = @now WHERE status = @claimed AND updated_at < @cutoff`,
			Params: map[string]interface{}{
				"released": string(schema.StatusNotPublished),
				"claimed":  string(schema.StatusInProgress),
				"now":      now,
				"cutoff":   now.Add(-lockExpiration),
			},
		})
		released = n
		return err
	})
	return released, transient(err, "release expired claims")
}

func (s *SpannerRepository) ListByStatus(ctx context.Context, status schema.Status, limit int) ([]*schema.OutboxEvent, error) {
	stmt := spanner.Statement{
		SQL: `SELECT id, aggregate_id, event_type, payload, headers, status, retry_count,
		             last_error, created_at, updated_at, next_attempt_at, published_at
		      FROM outbox WHERE status = @status ORDER BY created_at, id LIMIT @limit`,
		Params: map[string]interface{}{
			"status": string(status),
			"limit":  int64(limit),
		},
	}
	events, err := readEvents(s.client.Single().Query(ctx, stmt))
	return events, transient(err, "list outbox")
}

func (s *SpannerRepository) Requeue(ctx context.Context, eventID string) error {
	now := s.now()
	return s.update(ctx, eventID, true, spanner.Statement{
		SQL: `UPDATE outbox SET status = @status, retry_count = 0, last_error = '', next_attempt_at = @now, updated_at = @now
		      WHERE id = @id AND status = @failed`,
		Params: map[string]interface{}{
			"status": string(schema.StatusNotPublished),
			"now":    now,
			"id":     eventID,
			"failed": string(schema.StatusFailed),
		},
	})
}

func (s *SpannerRepository) update(ctx context.Context, eventID string, mustMatch bool, stmt spanner.Statement) error {
	var n int64
	err := readWrite(ctx, s.client, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var err error
		n, err = txn.Update(ctx, stmt)
		return err
	})
	if err != nil {
		return transient(err, "update outbox event "+eventID)
	}
	if mustMatch && n == 0 {
		return notFound("outbox event", eventID)
	}
	return nil
}

func readEvents(iter *spanner.RowIterator) ([]*schema.OutboxEvent, error) {
	defer iter.Stop()

	var events []*schema.OutboxEvent
	for {
		row, err := iter.Next()
		// Done ends the stream, any other error aborts the read
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		var (
			event       schema.OutboxEvent
			headers     string
			status      string
			retryCount  int64
			publishedAt spanner.NullTime
		)
		if err := row.Columns(
			&event.ID,
			&event.AggregateID,
			&event.EventType,
			&event.Payload,
			&headers,
			&status,
			&retryCount,
			&event.LastError,
			&event.CreatedAt,
			&event.UpdatedAt,
			&event.NextAttemptAt,
			&publishedAt); err != nil {
			return nil, err
		}
		event.Status = schema.Status(status)
		event.RetryCount = int(retryCount)
		event.Headers = map[string]string{}
		if headers != "" {
			if err := json.Unmarshal([]byte(headers), &event.Headers); err != nil {
				return nil, fmt.Errorf("decoding headers of %s: %w", event.ID, err)
			}
		}
		if publishedAt.Valid {
			t := publishedAt.Time
			event.PublishedAt = &t
		}
		events = append(events, &event)
	}
	return events, nil
}
