package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/zoff-tech/go-fulfillment/schema"
)

var spannerLedgerColumns = []string{"request_id", "command_type", "status", "result", "owner", "created_at", "updated_at"}

// SpannerLedger stores request records in the request_ledger table.
type SpannerLedger struct {
	client *spanner.Client
	now    func() time.Time
}

func NewSpannerLedger(client *spanner.Client) *SpannerLedger {
	return &SpannerLedger{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func (l *SpannerLedger) Begin(ctx context.Context, requestID, commandType, owner string) (created bool, existing *schema.RequestRecord, err error) {
	_, err = l.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		created, existing = false, nil
		record, err := readRecord(ctx, txn, requestID)
		if err == nil {
			existing = record
			return nil
		}
		if spanner.ErrCode(err) != codes.NotFound {
			return err
		}
		now := l.now()
		created = true
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Insert("request_ledger", spannerLedgerColumns, []interface{}{
				requestID, commandType, string(schema.RequestInProgress), []byte(nil), owner, now, now,
			}),
		})
	})
	if err != nil {
		return false, nil, transient(err, "ledger begin")
	}
	return created, existing, nil
}

func (l *SpannerLedger) Get(ctx context.Context, requestID string) (*schema.RequestRecord, error) {
	var (
		record *schema.RequestRecord
		err    error
	)
	if txn := spannerTxFrom(ctx); txn != nil {
		record, err = readRecord(ctx, txn, requestID)
	} else {
		record, err = readRecord(ctx, l.client.Single(), requestID)
	}
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, notFound("request", requestID)
	}
	if err != nil {
		return nil, transient(err, "ledger get")
	}
	return record, nil
}

func (l *SpannerLedger) Complete(ctx context.Context, requestID, owner string, result []byte) error {
	return readWrite(ctx, l.client, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		record, err := readRecord(ctx, txn, requestID)
		if spanner.ErrCode(err) == codes.NotFound {
			return fmt.Errorf("complete %s: %w", requestID, ErrLeaseLost)
		}
		if err != nil {
			return transient(err, "ledger complete")
		}
		if record.Owner != owner || record.Status != schema.RequestInProgress {
			return fmt.Errorf("complete %s: %w", requestID, ErrLeaseLost)
		}
		if result == nil {
			result = []byte{}
		}
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Update("request_ledger",
				[]string{"request_id", "status", "result", "updated_at"},
				[]interface{}{requestID, string(schema.RequestCompleted), result, l.now()}),
		})
	})
}

func (l *SpannerLedger) Release(ctx context.Context, requestID, owner string) error {
	_, err := l.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		_, err := txn.Update(ctx, spanner.Statement{
			SQL: `DELETE FROM request_ledger WHERE request_id = @id AND owner = @owner AND status = @status`,
			Params: map[string]interface{}{
				"id":     requestID,
				"owner":  owner,
				"status": string(schema.RequestInProgress),
			},
		})
		return err
	})
	return transient(err, "ledger release")
}

func (l *SpannerLedger) Reclaim(ctx context.Context, requestID, newOwner string, staleBefore time.Time) (bool, error) {
	var n int64
	_, err := l.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var err error
		n, err = txn.Update(ctx, spanner.Statement{
			SQL: `UPDATE request_ledger SET owner = @owner, updated_at = @now
			      WHERE request_id = @id AND status = @status AND updated_at < @staleBefore`,
			Params: map[string]interface{}{
				"owner":       newOwner,
				"now":         l.now(),
				"id":          requestID,
				"status":      string(schema.RequestInProgress),
				"staleBefore": staleBefore,
			},
		})
		return err
	})
	if err != nil {
		return false, transient(err, "ledger reclaim")
	}
	return n == 1, nil
}

func (l *SpannerLedger) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*schema.RequestRecord, error) {
	iter := l.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT request_id, command_type, status, result, owner, created_at, updated_at
		      FROM request_ledger WHERE status = @status AND updated_at < @olderThan
		      ORDER BY updated_at LIMIT @limit`,
		Params: map[string]interface{}{
			"status":    string(schema.RequestInProgress),
			"olderThan": olderThan,
			"limit":     int64(limit),
		},
	})
	defer iter.Stop()

	var records []*schema.RequestRecord
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, transient(err, "list stuck requests")
		}
		record, err := decodeRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (l *SpannerLedger) PurgeCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := l.client.PartitionedUpdate(ctx, spanner.Statement{
		SQL: `DELETE FROM request_ledger WHERE status = @status AND updated_at < @olderThan`,
		Params: map[string]interface{}{
			"status":    string(schema.RequestCompleted),
			"olderThan": olderThan,
		},
	})
	return n, transient(err, "purge ledger")
}

type rowReader interface {
	ReadRow(ctx context.Context, table string, key spanner.Key, columns []string) (*spanner.Row, error)
}

func readRecord(ctx context.Context, r rowReader, requestID string) (*schema.RequestRecord, error) {
	row, err := r.ReadRow(ctx, "request_ledger", spanner.Key{requestID}, spannerLedgerColumns)
	if err != nil {
		return nil, err
	}
	return decodeRecord(row)
}

func decodeRecord(row *spanner.Row) (*schema.RequestRecord, error) {
	var (
		record schema.RequestRecord
		status string
	)
	if err := row.Columns(&record.RequestID, &record.CommandType, &status, &record.Result,
		&record.Owner, &record.CreatedAt, &record.UpdatedAt); err != nil {
		return nil, err
	}
	record.Status = schema.RequestStatus(status)
	return &record, nil
}

// SpannerEntities stores versioned JSON documents in the entities table.
type SpannerEntities struct {
	client *spanner.Client
}

func NewSpannerEntities(client *spanner.Client) *SpannerEntities {
	return &SpannerEntities{client: client}
}

func (e *SpannerEntities) Load(ctx context.Context, kind, id string, dst any) (int64, error) {
	var r rowReader = e.client.Single()
	if txn := spannerTxFrom(ctx); txn != nil {
		r = txn
	}
	row, err := r.ReadRow(ctx, "entities", spanner.Key{kind, id}, []string{"body", "version"})
	if spanner.ErrCode(err) == codes.NotFound {
		return 0, notFound(kind, id)
	}
	if err != nil {
		return 0, transient(err, "load "+kind)
	}
	var (
		body    string
		version int64
	)
	if err := row.Columns(&body, &version); err != nil {
		return 0, err
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		return 0, fmt.Errorf("decoding %s %s: %w", kind, id, err)
	}
	return version, nil
}

func (e *SpannerEntities) Save(ctx context.Context, kind, id string, src any, expectedVersion int64) (int64, error) {
	txn := spannerTxFrom(ctx)
	if txn == nil {
		return 0, ErrNoTransaction
	}
	body, err := json.Marshal(src)
	if err != nil {
		return 0, fmt.Errorf("encoding %s %s: %w", kind, id, err)
	}

	var current int64
	row, err := txn.ReadRow(ctx, "entities", spanner.Key{kind, id}, []string{"version"})
	switch {
	case spanner.ErrCode(err) == codes.NotFound:
	case err != nil:
		return 0, transient(err, "save "+kind)
	default:
		if err := row.Columns(&current); err != nil {
			return 0, err
		}
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("%s %s at version %d: %w", kind, id, expectedVersion, ErrVersionConflict)
	}

	next := expectedVersion + 1
	err = txn.BufferWrite([]*spanner.Mutation{
		spanner.InsertOrUpdate("entities",
			[]string{"kind", "id", "body", "version", "updated_at"},
			[]interface{}{kind, id, string(body), next, spanner.CommitTimestamp}),
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}
