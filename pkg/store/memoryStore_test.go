package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/schema"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func eventAt(id, aggregate string, at time.Time) *schema.OutboxEvent {
	e := schema.NewEvent(id, aggregate, "order.started", []byte(`{}`), nil)
	e.CreatedAt, e.UpdatedAt, e.NextAttemptAt = at, at, at
	return e
}

func appendEvents(t *testing.T, m *MemoryStore, events ...*schema.OutboxEvent) {
	t.Helper()
	require.NoError(t, m.WithTx(context.Background(), func(ctx context.Context) error {
		return m.Append(ctx, events...)
	}))
}

func ids(events []*schema.OutboxEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestMemoryStore_AppendRequiresTransaction(t *testing.T) {
	m := NewMemoryStore()
	err := m.Append(context.Background(), schema.NewEvent("1", "order-1", "order.started", []byte("{}"), nil))
	assert.ErrorIs(t, err, ErrNoTransaction)

	_, err = m.Save(context.Background(), "product", "1", struct{}{}, 0)
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestMemoryStore_RollbackUndoesEveryWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	created, _, err := m.Begin(ctx, "r1", "CreateStock", "owner")
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, m.WithTx(ctx, func(ctx context.Context) error {
		_, err := m.Save(ctx, "product", "1", map[string]int{"stock": 10}, 0)
		return err
	}))

	crashPoints := map[string]func(ctx context.Context) error{
		"after mutation": func(ctx context.Context) error {
			_, err := m.Save(ctx, "product", "1", map[string]int{"stock": 7}, 1)
			require.NoError(t, err)
			return errors.New("crash")
		},
		"after append": func(ctx context.Context) error {
			_, err := m.Save(ctx, "product", "1", map[string]int{"stock": 7}, 1)
			require.NoError(t, err)
			require.NoError(t, m.Append(ctx, schema.NewEvent("e1", "order-1", "stock.created", []byte("{}"), nil)))
			return errors.New("crash")
		},
		"after complete": func(ctx context.Context) error {
			_, err := m.Save(ctx, "product", "1", map[string]int{"stock": 7}, 1)
			require.NoError(t, err)
			require.NoError(t, m.Append(ctx, schema.NewEvent("e1", "order-1", "stock.created", []byte("{}"), nil)))
			require.NoError(t, m.Complete(ctx, "r1", "owner", []byte("true")))
			return errors.New("crash")
		},
	}

	for name, fn := range crashPoints {
		t.Run(name, func(t *testing.T) {
			err := m.WithTx(ctx, fn)
			assert.Error(t, err)

			var product map[string]int
			version, err := m.Load(ctx, "product", "1", &product)
			require.NoError(t, err)
			assert.Equal(t, int64(1), version)
			assert.Equal(t, 10, product["stock"])

			pending, err := m.ListByStatus(ctx, schema.StatusNotPublished, 0)
			require.NoError(t, err)
			assert.Empty(t, pending)

			record, err := m.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, schema.RequestInProgress, record.Status)
		})
	}
}

func TestMemoryStore_PanicRollsBack(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	assert.Panics(t, func() {
		_ = m.WithTx(ctx, func(ctx context.Context) error {
			_, err := m.Save(ctx, "order", "1", map[string]string{"state": "Created"}, 0)
			require.NoError(t, err)
			panic("process died")
		})
	})

	var order map[string]string
	_, err := m.Load(ctx, "order", "1", &order)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// the lock is released after the panic
	assert.NoError(t, m.WithTx(ctx, func(ctx context.Context) error { return nil }))
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	err := m.WithTx(ctx, func(ctx context.Context) error {
		if _, err := m.Save(ctx, "order", "1", map[string]int{"v": 1}, 0); err != nil {
			return err
		}
		_, err := m.Save(ctx, "order", "1", map[string]int{"v": 2}, 0)
		return err
	})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.True(t, apperrors.IsRetriable(err))
}

func TestMemoryStore_FetchPendingKeepsAggregateOrder(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemoryStore(WithClock(clock.Now))
	t0 := clock.Now().Add(-time.Minute)

	appendEvents(t, m,
		eventAt("a2", "order-1", t0.Add(2*time.Second)),
		eventAt("a1", "order-1", t0.Add(time.Second)),
		eventAt("b1", "order-2", t0.Add(3*time.Second)),
	)

	claimed, err := m.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b1"}, ids(claimed))
	for _, e := range claimed {
		assert.Equal(t, schema.StatusInProgress, e.Status)
	}

	// a2 waits until a1 is published
	again, err := m.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, m.MarkPublished(ctx, "a1"))
	next, err := m.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, ids(next))
}

func TestMemoryStore_BackoffAndFailedRows(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemoryStore(WithClock(clock.Now))
	t0 := clock.Now().Add(-time.Minute)

	appendEvents(t, m,
		eventAt("a1", "order-1", t0),
		eventAt("a2", "order-1", t0.Add(time.Second)),
	)

	claimed, err := m.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a1"}, ids(claimed))

	require.NoError(t, m.SetStatusAndIncrementRetry(ctx, "a1", schema.StatusNotPublished, clock.Now().Add(time.Minute), "broker down"))

	// a1 is not due and still blocks a2
	claimed, err = m.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	clock.Advance(2 * time.Minute)
	claimed, err = m.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a1"}, ids(claimed))
	assert.Equal(t, 1, claimed[0].RetryCount)
	assert.Equal(t, "broker down", claimed[0].LastError)

	// a failed row holds its aggregate until it is requeued
	require.NoError(t, m.SetStatusAndIncrementRetry(ctx, "a1", schema.StatusFailed, clock.Now(), "gave up"))
	claimed, err = m.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	failed, err := m.ListByStatus(ctx, schema.StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, m.Requeue(ctx, "a1"))
	assert.ErrorIs(t, m.Requeue(ctx, "a1"), apperrors.ErrNotFound)
	requeued, err := m.ListByStatus(ctx, schema.StatusNotPublished, 10)
	require.NoError(t, err)
	require.Len(t, requeued, 2)

	claimed, err = m.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a1"}, ids(claimed))
	assert.Equal(t, 0, claimed[0].RetryCount)

	require.NoError(t, m.MarkPublished(ctx, "a1"))
	claimed, err = m.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, ids(claimed))
}

func TestMemoryStore_ReleaseExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemoryStore(WithClock(clock.Now))
	appendEvents(t, m, eventAt("a1", "order-1", clock.Now()))

	claimed, err := m.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := m.ReleaseExpired(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(6 * time.Minute)
	n, err = m.ReleaseExpired(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reclaimed, err := m.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids(reclaimed))
	assert.Equal(t, 0, reclaimed[0].RetryCount)
}

func TestMemoryStore_Ledger(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemoryStore(WithClock(clock.Now))

	created, existing, err := m.Begin(ctx, "r1", "CreateStock", "owner-a")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, existing)

	created, existing, err = m.Begin(ctx, "r1", "CreateStock", "owner-b")
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, existing)
	assert.Equal(t, "owner-a", existing.Owner)

	// only the owner can complete
	err = m.WithTx(ctx, func(ctx context.Context) error {
		return m.Complete(ctx, "r1", "owner-b", []byte("x"))
	})
	assert.ErrorIs(t, err, ErrLeaseLost)

	// reclaim needs the record to be stale
	ok, err := m.Reclaim(ctx, "r1", "owner-b", clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	clock.Advance(10 * time.Minute)
	stuck, err := m.ListStuck(ctx, clock.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stuck, 1)
	ok, err = m.Reclaim(ctx, "r1", "owner-b", clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// the previous owner's release is now a no-op
	require.NoError(t, m.Release(ctx, "r1", "owner-a"))
	record, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "owner-b", record.Owner)

	require.NoError(t, m.WithTx(ctx, func(ctx context.Context) error {
		return m.Complete(ctx, "r1", "owner-b", []byte("true"))
	}))
	record, err = m.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, record.IsCompleted())
	assert.Equal(t, []byte("true"), record.Result)

	// completed records are never released
	require.NoError(t, m.Release(ctx, "r1", "owner-b"))
	_, err = m.Get(ctx, "r1")
	assert.NoError(t, err)

	clock.Advance(time.Hour)
	purged, err := m.PurgeCompleted(ctx, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	_, err = m.Get(ctx, "r1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemoryStore_ListStuckOldestFirst(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemoryStore(WithClock(clock.Now))

	for _, id := range []string{"r3", "r1", "r2"} {
		_, _, err := m.Begin(ctx, id, "CreateOrder", "owner-"+id)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	clock.Advance(time.Hour)

	stuck, err := m.ListStuck(ctx, clock.Now().Add(-time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, stuck, 2)
	assert.Equal(t, "r3", stuck[0].RequestID)
	assert.Equal(t, "r1", stuck[1].RequestID)
}

func TestMemoryStore_TransactionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.WithTx(ctx, func(ctx context.Context) error {
		_, err := m.Save(ctx, "counter", "c", map[string]int{"n": 0}, 0)
		return err
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithTx(ctx, func(ctx context.Context) error {
				var c map[string]int
				v, err := m.Load(ctx, "counter", "c", &c)
				if err != nil {
					return err
				}
				c["n"]++
				_, err = m.Save(ctx, "counter", "c", c, v)
				return err
			})
		}()
	}
	wg.Wait()

	var c map[string]int
	v, err := m.Load(ctx, "counter", "c", &c)
	require.NoError(t, err)
	assert.Equal(t, 20, c["n"])
	assert.Equal(t, int64(21), v)
}
