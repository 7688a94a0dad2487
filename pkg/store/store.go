package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"
	"google.golang.org/grpc/codes"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/schema"
)

var (
	// ErrNoTransaction is returned by writes that must join the caller's transaction.
	ErrNoTransaction = errors.New("no transaction in context")

	// ErrVersionConflict means the entity changed since it was loaded.
	ErrVersionConflict = fmt.Errorf("entity version conflict: %w", apperrors.ErrTransientStore)

	// ErrLeaseLost means another execution reclaimed the request record.
	ErrLeaseLost = fmt.Errorf("request lease lost: %w", apperrors.ErrDuplicateInFlight)
)

// TxManager runs fn inside a local transaction carried in the context.
// Nested calls join the outer transaction.
type TxManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OutboxWriter appends events inside the caller's transaction.
type OutboxWriter interface {
	Append(ctx context.Context, events ...*schema.OutboxEvent) error
}

// OutboxRepository defines the database operations for outbox events.
type OutboxRepository interface {
	OutboxWriter
	// FetchPending claims due events, oldest first, at most one in flight per aggregate.
	FetchPending(ctx context.Context, batchSize int) ([]*schema.OutboxEvent, error)
	// MarkPublished marks a claimed event as published.
	MarkPublished(ctx context.Context, eventID string) error
	// SetStatus sets the status of an outbox event.
	SetStatus(ctx context.Context, eventID string, status schema.Status) error
	// SetStatusAndIncrementRetry records a failed attempt.
	SetStatusAndIncrementRetry(ctx context.Context, eventID string, status schema.Status, nextAttemptAt time.Time, lastErr string) error
	// ReleaseExpired returns claims older than lockExpiration to not_published.
	ReleaseExpired(ctx context.Context, lockExpiration time.Duration) (int64, error)
	// ListByStatus lists events oldest first.
	ListByStatus(ctx context.Context, status schema.Status, limit int) ([]*schema.OutboxEvent, error)
	// Requeue moves a failed event back to not_published with a fresh retry budget.
	Requeue(ctx context.Context, eventID string) error
}

// RequestLedger deduplicates commands and events by request id.
type RequestLedger interface {
	// Begin inserts an in-progress record in its own transaction. When the id is
	// already known it returns the existing record instead.
	Begin(ctx context.Context, requestID, commandType, owner string) (created bool, existing *schema.RequestRecord, err error)
	Get(ctx context.Context, requestID string) (*schema.RequestRecord, error)
	// Complete stores the result inside the caller's transaction if owner still holds the record.
	Complete(ctx context.Context, requestID, owner string, result []byte) error
	// Release deletes an in-progress record held by owner.
	Release(ctx context.Context, requestID, owner string) error
	// Reclaim hands an in-progress record untouched since staleBefore to newOwner.
	Reclaim(ctx context.Context, requestID, newOwner string, staleBefore time.Time) (bool, error)
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*schema.RequestRecord, error)
	PurgeCompleted(ctx context.Context, olderThan time.Time) (int64, error)
}

// EntityStore keeps versioned JSON documents keyed by kind and id.
type EntityStore interface {
	// Load decodes the entity into dst and returns its version.
	Load(ctx context.Context, kind, id string, dst any) (int64, error)
	// Save writes src if the stored version still equals expectedVersion (0 creates).
	Save(ctx context.Context, kind, id string, src any, expectedVersion int64) (int64, error)
}

// Backend is the data store owned by one service.
type Backend struct {
	Tx       TxManager
	Outbox   OutboxRepository
	Ledger   RequestLedger
	Entities EntityStore

	close func() error
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, apperrors.ErrNotFound)
}

// transient wraps a driver error for op, marking it ErrTransientStore only
// when retrying can succeed. Constraint and syntax errors stay permanent.
func transient(err error, op string) error {
	if err == nil {
		return nil
	}
	if !isTransient(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrTransientStore, err)
}

func isTransient(err error) bool {
	switch {
	case errors.Is(err, apperrors.ErrTransientStore),
		errors.Is(err, apperrors.ErrNotFound),
		errors.Is(err, ErrNoTransaction),
		errors.Is(err, context.Canceled):
		// already classified, or not a store failure
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "40001", pqErr.Code == "40P01": // serialization_failure, deadlock_detected
			return true
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "53", pqErr.Code.Class() == "57":
			// connection exception, insufficient resources, operator intervention
			return true
		}
		return false
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && serverErr.HasErrorLabel("TransientTransactionError") {
		return true
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}

	switch spanner.ErrCode(err) {
	case codes.Aborted, codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
