package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/schema"
)

var outboxRowColumns = []string{
	"id", "aggregate_id", "event_type", "payload", "headers", "status", "retry_count",
	"last_error", "created_at", "updated_at", "next_attempt_at", "published_at",
}

func newMockRepo(t *testing.T) (*PostgresRepository, *PostgresTxManager, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db), NewPostgresTxManager(db), mock, db
}

func TestAppend_RequiresTransaction(t *testing.T) {
	repo, _, mock, _ := newMockRepo(t)

	err := repo.Append(context.Background(), schema.NewEvent("1", "order-1", "order.started", []byte("{}"), nil))
	assert.ErrorIs(t, err, ErrNoTransaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_InsideTransaction(t *testing.T) {
	repo, txm, mock, _ := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outbox \(id, aggregate_id, event_type, payload, headers, status, retry_count, created_at, updated_at, next_attempt_at\)`).
		WithArgs("1", "order-1", "order.started", []byte("{}"), sqlmock.AnyArg(), schema.StatusNotPublished, 0,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := txm.WithTx(context.Background(), func(ctx context.Context) error {
		return repo.Append(ctx, schema.NewEvent("1", "order-1", "order.started", []byte("{}"), nil))
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollbackOnError(t *testing.T) {
	repo, txm, mock, _ := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outbox`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	boom := errors.New("handler failed after append")
	err := txm.WithTx(context.Background(), func(ctx context.Context) error {
		if err := repo.Append(ctx, schema.NewEvent("1", "order-1", "order.started", []byte("{}"), nil)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollbackOnPanic(t *testing.T) {
	_, txm, mock, _ := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = txm.WithTx(context.Background(), func(ctx context.Context) error {
			panic("crash")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_NestedCallsJoin(t *testing.T) {
	_, txm, mock, _ := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := txm.WithTx(context.Background(), func(ctx context.Context) error {
		return txm.WithTx(ctx, func(ctx context.Context) error { return nil })
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPending(t *testing.T) {
	repo, _, mock, _ := newMockRepo(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(outboxRowColumns).
		AddRow("1", "order-1", "order.started", []byte(`{"orderId":1}`), []byte(`{"tenant":"a"}`), "not_published", 0, "", now, now, now, nil).
		AddRow("2", "order-2", "order.started", []byte(`{"orderId":2}`), []byte(`{}`), "not_published", 2, "timeout", now, now, now, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM outbox o WHERE o.status = \$1 AND o.next_attempt_at <= \$2 AND NOT EXISTS \(.*\) ORDER BY o.created_at, o.id LIMIT \$4 FOR UPDATE SKIP LOCKED`).
		WithArgs(schema.StatusNotPublished, sqlmock.AnyArg(), schema.StatusInProgress, 10, schema.StatusFailed).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE outbox SET status = \$1, updated_at = \$2 WHERE id = ANY\(\$3\)`).
		WithArgs(schema.StatusInProgress, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	events, err := repo.FetchPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "1", events[0].ID)
	assert.Equal(t, "order-1", events[0].AggregateID)
	assert.Equal(t, []byte(`{"orderId":1}`), events[0].Payload)
	assert.Equal(t, map[string]string{"tenant": "a"}, events[0].Headers)
	assert.Equal(t, schema.StatusInProgress, events[0].Status)
	assert.Equal(t, 2, events[1].RetryCount)
	assert.Equal(t, "timeout", events[1].LastError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPending_NothingDue(t *testing.T) {
	repo, _, mock, _ := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM outbox o`).WillReturnRows(sqlmock.NewRows(outboxRowColumns))
	mock.ExpectCommit()

	events, err := repo.FetchPending(context.Background(), 10)
	assert.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPending_QueryErrorIsTransient(t *testing.T) {
	repo, _, mock, _ := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM outbox o`).WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()

	_, err := repo.FetchPending(context.Background(), 10)
	assert.ErrorIs(t, err, apperrors.ErrTransientStore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_ConstraintErrorIsPermanent(t *testing.T) {
	repo, txm, mock, _ := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outbox`).WillReturnError(&pq.Error{Code: "23502", Message: "null value in column"})
	mock.ExpectRollback()

	err := txm.WithTx(context.Background(), func(ctx context.Context) error {
		return repo.Append(ctx, schema.NewEvent("1", "order-1", "order.started", []byte("{}"), nil))
	})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, apperrors.ErrTransientStore))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransient_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"not null violation", &pq.Error{Code: "23502"}, false},
		{"syntax error", &pq.Error{Code: "42601"}, false},
		{"bad connection", driver.ErrBadConn, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"plain error", errors.New("json: unsupported type"), false},
		{"already transient", ErrVersionConflict, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := transient(tt.err, "op")
			assert.Equal(t, tt.transient, errors.Is(err, apperrors.ErrTransientStore))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestMarkPublished(t *testing.T) {
	repo, _, mock, _ := newMockRepo(t)

	mock.ExpectExec(`UPDATE outbox SET status = \$1, published_at = \$2, updated_at = \$2, last_error = '' WHERE id = \$3 AND status = \$4`).
		WithArgs(schema.StatusPublished, sqlmock.AnyArg(), "1", schema.StatusInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.MarkPublished(context.Background(), "1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPublished_ClaimLost(t *testing.T) {
	repo, _, mock, _ := newMockRepo(t)

	mock.ExpectExec(`UPDATE outbox SET status = \$1, published_at`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkPublished(context.Background(), "1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatus(t *testing.T) {
	repo, _, mock, _ := newMockRepo(t)

	mock.ExpectExec(`UPDATE outbox SET status = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs(schema.StatusNotPublished, sqlmock.AnyArg(), "1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.SetStatus(context.Background(), "1", schema.StatusNotPublished))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusAndIncrementRetry(t *testing.T) {
	repo, _, mock, _ := newMockRepo(t)
	next := time.Now().Add(time.Second)

	mock.ExpectExec(`UPDATE outbox SET status = \$1, retry_count = retry_count \+ 1, next_attempt_at = \$2, last_error = \$3, updated_at = \$4 WHERE id = \$5`).
		WithArgs(schema.StatusNotPublished, next, "broker down", sqlmock.AnyArg(), "1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetStatusAndIncrementRetry(context.Background(), "1", schema.StatusNotPublished, next, "broker down")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseExpired(t *testing.T) {
	repo, _, mock, _ := newMockRepo(t)

	mock.ExpectExec(`UPDATE outbox SET status = \$1, updated_at = \$2 WHERE status = \$3 AND updated_at < \$4`).
		WithArgs(schema.StatusNotPublished, sqlmock.AnyArg(), schema.StatusInProgress, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.ReleaseExpired(context.Background(), 5*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeue(t *testing.T) {
	repo, _, mock, _ := newMockRepo(t)

	mock.ExpectExec(`UPDATE outbox SET status = \$1, retry_count = 0`).
		WithArgs(schema.StatusNotPublished, sqlmock.AnyArg(), "1", schema.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE outbox SET status = \$1, retry_count = 0`).
		WithArgs(schema.StatusNotPublished, sqlmock.AnyArg(), "2", schema.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, repo.Requeue(context.Background(), "1"))
	assert.ErrorIs(t, repo.Requeue(context.Background(), "2"), apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByStatus(t *testing.T) {
	repo, _, mock, _ := newMockRepo(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM outbox WHERE status = \$1 ORDER BY created_at, id LIMIT \$2`).
		WithArgs(schema.StatusFailed, 50).
		WillReturnRows(sqlmock.NewRows(outboxRowColumns).
			AddRow("9", "order-9", "order.paid", []byte("{}"), []byte("{}"), "failed", 8, "broker down", now, now, now, nil))

	events, err := repo.ListByStatus(context.Background(), schema.StatusFailed, 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.StatusFailed, events[0].Status)
	assert.Equal(t, 8, events[0].RetryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}
