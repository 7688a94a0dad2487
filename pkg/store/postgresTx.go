package store

import (
	"context"
	"database/sql"
	"fmt"
)

type txKey struct{}

// querier is either *sql.DB or *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresTxManager implements TxManager over database/sql.
type PostgresTxManager struct {
	db *sql.DB
}

func NewPostgresTxManager(db *sql.DB) *PostgresTxManager {
	return &PostgresTxManager{db: db}
}

// WithTx executes fn within a transaction, joining one already in ctx.
// A panic in fn rolls the transaction back and is re-raised.
func (m *PostgresTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	ctx, span, started := startSpan(ctx, "postgresql", "WithTx")
	defer func() {
		addDBStatsToSpan(span, "transaction", 0, started)
		endSpan(span, err)
	}()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return transient(err, "begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return transient(err, "commit transaction")
	}
	return nil
}

// getQuerier returns the transaction in ctx, or db.
func getQuerier(ctx context.Context, db *sql.DB) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

func requireTx(ctx context.Context) (*sql.Tx, error) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if !ok {
		return nil, ErrNoTransaction
	}
	return tx, nil
}

// withTransaction runs fn in the transaction from ctx or in a new one.
func withTransaction(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx, tx)
	}
	return NewPostgresTxManager(db).WithTx(ctx, func(ctx context.Context) error {
		tx, _ := requireTx(ctx)
		return fn(ctx, tx)
	})
}
