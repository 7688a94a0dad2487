package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/zoff-tech/go-fulfillment/schema"
)

const outboxColumns = `id, aggregate_id, event_type, payload, headers, status, retry_count, last_error, created_at, updated_at, next_attempt_at, published_at`

type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (p *PostgresRepository) Append(ctx context.Context, events ...*schema.OutboxEvent) (err error) {
	tx, err := requireTx(ctx)
	if err != nil {
		return err
	}
	ctx, span, started := startSpan(ctx, "postgresql", "Append")
	defer func() { endSpan(span, err) }()

	for _, event := range events {
		if err := event.Validate(); err != nil {
			return err
		}
		headers, err := json.Marshal(event.Headers)
		if err != nil {
			return fmt.Errorf("encoding headers of %s: %w", event.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO outbox (id, aggregate_id, event_type, payload, headers, status, retry_count, created_at, updated_at, next_attempt_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			event.ID, event.AggregateID, event.EventType, event.Payload, headers,
			event.Status, event.RetryCount, event.CreatedAt, event.UpdatedAt, event.NextAttemptAt)
		if err != nil {
			return transient(err, "append outbox event")
		}
	}
	addDBStatsToSpan(span, "INSERT outbox", len(events), started)
	return nil
}

func (p *PostgresRepository) FetchPending(ctx context.Context, batchSize int) (events []*schema.OutboxEvent, err error) {
	ctx, span, started := startSpan(ctx, "postgresql", "FetchPending")
	defer func() { endSpan(span, err) }()

	err = withTransaction(ctx, p.db, func(ctx context.Context, tx *sql.Tx) error {
		now := p.now()
		rows, err := tx.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox o
			 WHERE o.status = $1 AND o.next_attempt_at <= $2
			   AND NOT EXISTS (
			     SELECT 1 FROM outbox p
			     WHERE p.aggregate_id = o.aggregate_id
			       AND p.status IN ($1, $3, $5)
			       AND (p.created_at, p.id) < (o.created_at, o.id))
			 ORDER BY o.created_at, o.id
			 LIMIT $4
			 FOR UPDATE SKIP LOCKED`,
			schema.StatusNotPublished, now, schema.StatusInProgress, batchSize, schema.StatusFailed)
		if err != nil {
			return err
		}
		events, err = scanEvents(rows)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		ids := make([]string, len(events))
		for i, event := range events {
			ids[i] = event.ID
			event.Status = schema.StatusInProgress
			event.UpdatedAt = now
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE outbox SET status = $1, updated_at = $2 WHERE id = ANY($3)`,
			schema.StatusInProgress, now, pq.Array(ids))
		return err
	})
	if err != nil {
		return nil, transient(err, "fetch pending")
	}

	addDBStatsToSpan(span, "FetchPending", len(events), started)
	return events, nil
}

func (p *PostgresRepository) MarkPublished(ctx context.Context, eventID string) error {
	return p.exec(ctx, "MarkPublished", eventID, true,
		`UPDATE outbox SET status = $1, published_at = $2, updated_at = $2, last_error = '' WHERE id = $3 AND status = $4`,
		schema.StatusPublished, p.now(), eventID, schema.StatusInProgress)
}

func (p *PostgresRepository) SetStatus(ctx context.Context, eventID string, status schema.Status) error {
	return p.exec(ctx, "SetStatus", eventID, false,
		`UPDATE outbox SET status = $1, updated_at = $2 WHERE id = $3`,
		status, p.now(), eventID)
}

func (p *PostgresRepository) SetStatusAndIncrementRetry(ctx context.Context, eventID string, status schema.Status, nextAttemptAt time.Time, lastErr string) error {
	return p.exec(ctx, "SetStatusAndIncrementRetry", eventID, false,
		`UPDATE outbox SET status = $1, retry_count = retry_count + 1, next_attempt_at = $2, last_error = $3, updated_at = $4 WHERE id = $5`,
		status, nextAttemptAt, lastErr, p.now(), eventID)
}

func (p *PostgresRepository) ReleaseExpired(ctx context.Context, lockExpiration time.Duration) (n int64, err error) {
	ctx, span, started := startSpan(ctx, "postgresql", "ReleaseExpired")
	defer func() { endSpan(span, err) }()

	now := p.now()
	res, err := getQuerier(ctx, p.db).ExecContext(ctx,
		`UPDATE outbox SET status = $1, updated_at = $2 WHERE status = $3 AND updated_at < $4`,
		schema.StatusNotPublished, now, schema.StatusInProgress, now.Add(-lockExpiration))
	if err != nil {
		return 0, transient(err, "release expired claims")
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, transient(err, "release expired claims")
	}
	addDBStatsToSpan(span, "ReleaseExpired", int(n), started)
	return n, nil
}

func (p *PostgresRepository) ListByStatus(ctx context.Context, status schema.Status, limit int) ([]*schema.OutboxEvent, error) {
	rows, err := getQuerier(ctx, p.db).QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE status = $1 ORDER BY created_at, id LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, transient(err, "list outbox")
	}
	events, err := scanEvents(rows)
	return events, transient(err, "list outbox")
}

func (p *PostgresRepository) Requeue(ctx context.Context, eventID string) error {
	return p.exec(ctx, "Requeue", eventID, true,
		`UPDATE outbox SET status = $1, retry_count = 0, last_error = '', next_attempt_at = $2, updated_at = $2 WHERE id = $3 AND status = $4`,
		schema.StatusNotPublished, p.now(), eventID, schema.StatusFailed)
}

// exec runs a single-row update. With mustMatch, no matching row is ErrNotFound.
func (p *PostgresRepository) exec(ctx context.Context, name, eventID string, mustMatch bool, query string, args ...any) (err error) {
	ctx, span, started := startSpan(ctx, "postgresql", name)
	defer func() { endSpan(span, err) }()

	res, err := getQuerier(ctx, p.db).ExecContext(ctx, query, args...)
	if err != nil {
		return transient(err, name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return transient(err, name)
	}
	addDBStatsToSpan(span, name, int(n), started)
	if mustMatch && n == 0 {
		return notFound("outbox event", eventID)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]*schema.OutboxEvent, error) {
	defer rows.Close()

	var events []*schema.OutboxEvent
	for rows.Next() {
		var (
			event       schema.OutboxEvent
			headers     []byte
			lastErr     sql.NullString
			publishedAt sql.NullTime
		)
		if err := rows.Scan(&event.ID, &event.AggregateID, &event.EventType, &event.Payload, &headers,
			&event.Status, &event.RetryCount, &lastErr, &event.CreatedAt, &event.UpdatedAt,
			&event.NextAttemptAt, &publishedAt); err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &event.Headers); err != nil {
				return nil, fmt.Errorf("decoding headers of %s: %w", event.ID, err)
			}
		}
		if event.Headers == nil {
			event.Headers = map[string]string{}
		}
		event.LastError = lastErr.String
		if publishedAt.Valid {
			t := publishedAt.Time
			event.PublishedAt = &t
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}
