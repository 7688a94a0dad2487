package store

import (
	"context"

	"cloud.google.com/go/spanner"
)

type spannerTxKey struct{}

// SpannerTxManager runs fn in a read-write transaction. Spanner may run fn
// more than once when the transaction aborts.
type SpannerTxManager struct {
	client *spanner.Client
}

func NewSpannerTxManager(client *spanner.Client) *SpannerTxManager {
	return &SpannerTxManager{client: client}
}

func (m *SpannerTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if spannerTxFrom(ctx) != nil {
		return fn(ctx)
	}
	ctx, span, started := startSpan(ctx, "spanner", "WithTx")
	defer func() {
		addDBStatsToSpan(span, "transaction", 0, started)
		endSpan(span, err)
	}()

	_, err = m.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		return fn(context.WithValue(ctx, spannerTxKey{}, txn))
	})
	return err
}

func spannerTxFrom(ctx context.Context) *spanner.ReadWriteTransaction {
	txn, _ := ctx.Value(spannerTxKey{}).(*spanner.ReadWriteTransaction)
	return txn
}

// readWrite runs fn in the transaction from ctx or in a new one.
func readWrite(ctx context.Context, client *spanner.Client, fn func(ctx context.Context, txn *spanner.ReadWriteTransaction) error) error {
	if txn := spannerTxFrom(ctx); txn != nil {
		return fn(ctx, txn)
	}
	_, err := client.ReadWriteTransaction(ctx, fn)
	return err
}
