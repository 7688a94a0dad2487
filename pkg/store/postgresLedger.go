package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/schema"
)

const ledgerColumns = `request_id, command_type, status, result, owner, created_at, updated_at`

// beginAttempts bounds the insert/read race with a concurrent Release.
const beginAttempts = 3

// PostgresLedger stores request records in the request_ledger table.
type PostgresLedger struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Begin always uses its own statement on db so the record is visible to
// concurrent duplicates before the handler runs.
func (l *PostgresLedger) Begin(ctx context.Context, requestID, commandType, owner string) (created bool, existing *schema.RequestRecord, err error) {
	ctx, span, started := startSpan(ctx, "postgresql", "LedgerBegin")
	defer func() { endSpan(span, err) }()

	for attempt := 0; attempt < beginAttempts; attempt++ {
		now := l.now()
		res, err := l.db.ExecContext(ctx,
			`INSERT INTO request_ledger (request_id, command_type, status, owner, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $5)
			 ON CONFLICT (request_id) DO NOTHING`,
			requestID, commandType, schema.RequestInProgress, owner, now)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				continue
			}
			return false, nil, transient(err, "ledger begin")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, nil, transient(err, "ledger begin")
		}
		addDBStatsToSpan(span, "INSERT request_ledger", int(n), started)
		if n == 1 {
			return true, nil, nil
		}

		record, err := l.get(ctx, l.db, requestID)
		if errors.Is(err, apperrors.ErrNotFound) {
			// released between our insert and read
			continue
		}
		if err != nil {
			return false, nil, err
		}
		return false, record, nil
	}
	return false, nil, fmt.Errorf("ledger begin %s: %w", requestID, apperrors.ErrTransientStore)
}

func (l *PostgresLedger) Get(ctx context.Context, requestID string) (*schema.RequestRecord, error) {
	return l.get(ctx, getQuerier(ctx, l.db), requestID)
}

func (l *PostgresLedger) get(ctx context.Context, q querier, requestID string) (*schema.RequestRecord, error) {
	var record schema.RequestRecord
	err := q.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM request_ledger WHERE request_id = $1`, requestID).
		Scan(&record.RequestID, &record.CommandType, &record.Status, &record.Result,
			&record.Owner, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("request", requestID)
	}
	if err != nil {
		return nil, transient(err, "ledger get")
	}
	return &record, nil
}

func (l *PostgresLedger) Complete(ctx context.Context, requestID, owner string, result []byte) error {
	if result == nil {
		result = []byte{}
	}
	res, err := getQuerier(ctx, l.db).ExecContext(ctx,
		`UPDATE request_ledger SET status = $1, result = $2, updated_at = $3
		 WHERE request_id = $4 AND owner = $5 AND status = $6`,
		schema.RequestCompleted, result, l.now(), requestID, owner, schema.RequestInProgress)
	if err != nil {
		return transient(err, "ledger complete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return transient(err, "ledger complete")
	}
	if n == 0 {
		return fmt.Errorf("complete %s: %w", requestID, ErrLeaseLost)
	}
	return nil
}

func (l *PostgresLedger) Release(ctx context.Context, requestID, owner string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM request_ledger WHERE request_id = $1 AND owner = $2 AND status = $3`,
		requestID, owner, schema.RequestInProgress)
	return transient(err, "ledger release")
}

func (l *PostgresLedger) Reclaim(ctx context.Context, requestID, newOwner string, staleBefore time.Time) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE request_ledger SET owner = $1, updated_at = $2
		 WHERE request_id = $3 AND status = $4 AND updated_at < $5`,
		newOwner, l.now(), requestID, schema.RequestInProgress, staleBefore)
	if err != nil {
		return false, transient(err, "ledger reclaim")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, transient(err, "ledger reclaim")
	}
	return n == 1, nil
}

func (l *PostgresLedger) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*schema.RequestRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM request_ledger
		 WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`,
		schema.RequestInProgress, olderThan, limit)
	if err != nil {
		return nil, transient(err, "list stuck requests")
	}
	defer rows.Close()

	var records []*schema.RequestRecord
	for rows.Next() {
		var record schema.RequestRecord
		if err := rows.Scan(&record.RequestID, &record.CommandType, &record.Status, &record.Result,
			&record.Owner, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, transient(err, "list stuck requests")
		}
		records = append(records, &record)
	}
	return records, transient(rows.Err(), "list stuck requests")
}

func (l *PostgresLedger) PurgeCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM request_ledger WHERE status = $1 AND updated_at < $2`,
		schema.RequestCompleted, olderThan)
	if err != nil {
		return 0, transient(err, "purge ledger")
	}
	n, err := res.RowsAffected()
	return n, transient(err, "purge ledger")
}
