//go:build integration

package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/zoff-tech/go-fulfillment/schema"
)

func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("fulfillment"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(db, nil))
	// a second run has nothing to apply
	require.NoError(t, Migrate(db, nil))
	return db
}

func TestPostgresBackend_Integration(t *testing.T) {
	db := setupPostgres(t)
	backend := NewPostgresBackend(db)
	ctx := context.Background()
	t0 := time.Now().UTC().Add(-time.Minute)

	created, _, err := backend.Ledger.Begin(ctx, "r1", "CreateStock", "owner-a")
	require.NoError(t, err)
	require.True(t, created)

	err = backend.Tx.WithTx(ctx, func(ctx context.Context) error {
		if _, err := backend.Entities.Save(ctx, "product", "1", map[string]int{"stock": 7}, 0); err != nil {
			return err
		}
		if err := backend.Outbox.Append(ctx,
			eventAt("a1", "order-1", t0),
			eventAt("a2", "order-1", t0.Add(time.Second)),
			eventAt("b1", "order-2", t0.Add(2*time.Second)),
		); err != nil {
			return err
		}
		return backend.Ledger.Complete(ctx, "r1", "owner-a", []byte("true"))
	})
	require.NoError(t, err)

	_, existing, err := backend.Ledger.Begin(ctx, "r1", "CreateStock", "owner-b")
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, []byte("true"), existing.Result)

	claimed, err := backend.Outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b1"}, ids(claimed))

	require.NoError(t, backend.Outbox.MarkPublished(ctx, "a1"))
	claimed, err = backend.Outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, ids(claimed))

	var product map[string]int
	version, err := backend.Entities.Load(ctx, "product", "1", &product)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, 7, product["stock"])

	published, err := backend.Outbox.ListByStatus(ctx, schema.StatusPublished, 10)
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.NotNil(t, published[0].PublishedAt)
}
