package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/pkg/command"
	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
	"github.com/zoff-tech/go-fulfillment/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func settings() config.IdempotencySettings {
	return config.IdempotencySettings{
		InFlightPolicy:   "wait",
		WaitCeiling:      2 * time.Second,
		PollInterval:     2 * time.Millisecond,
		StaleAfter:       10 * time.Minute,
		TransientRetries: 3,
		Retention:        24 * time.Hour,
	}
}

func newGuard(t *testing.T, cfg config.IdempotencySettings) (*Guard, *store.MemoryStore, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := store.NewMemoryStore(store.WithClock(c.Now))
	return NewGuard(s, s, cfg, nil, WithClock(c.Now)), s, c
}

func createStockCmd(id string) command.Command {
	return command.Command{RequestID: id, Type: "CreateStock", Payload: []byte(`{"orderId":1}`)}
}

// countingHandler decrements a stock entity and emits an event, like a real handler.
func countingHandler(s *store.MemoryStore, calls *atomic.Int32) command.HandlerFunc {
	return func(ctx context.Context, cmd command.Command) (command.Reply, error) {
		calls.Add(1)
		var stock struct{ Units int }
		version, err := s.Load(ctx, "product", "1", &stock)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return command.Reply{}, err
		}
		if version == 0 {
			stock.Units = 10
		}
		stock.Units -= 3
		if _, err := s.Save(ctx, "product", "1", stock, version); err != nil {
			return command.Reply{}, err
		}
		event := schema.NewEvent("evt-"+cmd.RequestID, "order-1", "stock.created", []byte(`{"isSuccess":true}`), nil)
		if err := s.Append(ctx, event); err != nil {
			return command.Reply{}, err
		}
		return command.Accepted(map[string]int{"units": stock.Units})
	}
}

func units(t *testing.T, s *store.MemoryStore) int {
	t.Helper()
	var stock struct{ Units int }
	_, err := s.Load(context.Background(), "product", "1", &stock)
	require.NoError(t, err)
	return stock.Units
}

func TestHandle_SequentialDuplicate(t *testing.T) {
	g, s, _ := newGuard(t, settings())
	var calls atomic.Int32
	h := countingHandler(s, &calls)

	first, err := g.Handle(context.Background(), createStockCmd("r1"), h)
	require.NoError(t, err)
	assert.Equal(t, command.StatusAccepted, first.Status)

	second, err := g.Handle(context.Background(), createStockCmd("r1"), h)
	require.NoError(t, err)
	assert.Equal(t, command.StatusDuplicate, second.Status)
	assert.Equal(t, first.Result, second.Result)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 7, units(t, s))

	events, err := s.ListByStatus(context.Background(), schema.StatusNotPublished, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	record, err := s.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, record.IsCompleted())
	assert.JSONEq(t, `{"units":7}`, string(record.Result))
}

func TestHandle_ConcurrentDuplicates(t *testing.T) {
	g, s, _ := newGuard(t, settings())
	var calls atomic.Int32
	h := countingHandler(s, &calls)

	const n = 20
	replies := make([]command.Reply, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i], errs[i] = g.Handle(context.Background(), createStockCmd("r1"), h)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if replies[i].Status == command.StatusAccepted {
			accepted++
		}
		assert.JSONEq(t, `{"units":7}`, string(replies[i].Result))
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 7, units(t, s))
}

func TestHandle_DuplicateResultOverride(t *testing.T) {
	g, s, _ := newGuard(t, settings())
	var calls atomic.Int32
	h := countingHandler(s, &calls)

	_, err := g.Handle(context.Background(), createStockCmd("r1"), h, WithDuplicateResult(true))
	require.NoError(t, err)
	reply, err := g.Handle(context.Background(), createStockCmd("r1"), h, WithDuplicateResult(true))
	require.NoError(t, err)
	assert.Equal(t, command.StatusDuplicate, reply.Status)
	assert.Equal(t, []byte("true"), reply.Result)
}

func TestHandle_RejectsInFlight(t *testing.T) {
	g, s, _ := newGuard(t, settings())
	_, _, err := s.Begin(context.Background(), "r1", "CreateStock", "other-instance")
	require.NoError(t, err)

	var calls atomic.Int32
	reply, err := g.Handle(context.Background(), createStockCmd("r1"), countingHandler(s, &calls), WithInFlightPolicy(PolicyReject))
	assert.ErrorIs(t, err, apperrors.ErrDuplicateInFlight)
	assert.Equal(t, command.StatusRejected, reply.Status)
	assert.False(t, errors.Is(err, apperrors.ErrStillProcessing))
	assert.Zero(t, calls.Load())
}

func TestHandle_WaitCeiling(t *testing.T) {
	cfg := settings()
	cfg.WaitCeiling = 30 * time.Millisecond
	g, s, _ := newGuard(t, cfg)
	_, _, err := s.Begin(context.Background(), "r1", "CreateStock", "other-instance")
	require.NoError(t, err)

	var calls atomic.Int32
	reply, err := g.Handle(context.Background(), createStockCmd("r1"), countingHandler(s, &calls))
	assert.Equal(t, command.StatusRejected, reply.Status)
	assert.ErrorIs(t, err, apperrors.ErrStillProcessing)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateInFlight)
	assert.True(t, apperrors.IsRetriable(err))
	assert.Zero(t, calls.Load())
}

func TestHandle_WaitSeesCompletion(t *testing.T) {
	g, s, _ := newGuard(t, settings())
	_, _, err := s.Begin(context.Background(), "r1", "CreateStock", "other-instance")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		_ = s.WithTx(context.Background(), func(ctx context.Context) error {
			return s.Complete(ctx, "r1", "other-instance", []byte(`"theirs"`))
		})
	}()

	var calls atomic.Int32
	reply, err := g.Handle(context.Background(), createStockCmd("r1"), countingHandler(s, &calls))
	<-done
	require.NoError(t, err)
	assert.Equal(t, command.StatusDuplicate, reply.Status)
	assert.Equal(t, []byte(`"theirs"`), reply.Result)
	assert.Zero(t, calls.Load())
}

func TestHandle_WaitSeesRelease(t *testing.T) {
	g, s, _ := newGuard(t, settings())
	_, _, err := s.Begin(context.Background(), "r1", "CreateStock", "other-instance")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		_ = s.Release(context.Background(), "r1", "other-instance")
	}()

	var calls atomic.Int32
	reply, err := g.Handle(context.Background(), createStockCmd("r1"), countingHandler(s, &calls))
	<-done
	require.NoError(t, err)
	assert.Equal(t, command.StatusAccepted, reply.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHandle_ReclaimsStale(t *testing.T) {
	g, s, c := newGuard(t, settings())
	_, _, err := s.Begin(context.Background(), "r1", "CreateStock", "crashed-instance")
	require.NoError(t, err)
	c.Advance(11 * time.Minute)

	var calls atomic.Int32
	reply, err := g.Handle(context.Background(), createStockCmd("r1"), countingHandler(s, &calls))
	require.NoError(t, err)
	assert.Equal(t, command.StatusAccepted, reply.Status)
	assert.Equal(t, int32(1), calls.Load())

	record, err := s.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, record.IsCompleted())
	assert.NotEqual(t, "crashed-instance", record.Owner)

	// the crashed owner can no longer complete it
	err = s.WithTx(context.Background(), func(ctx context.Context) error {
		return s.Complete(ctx, "r1", "crashed-instance", nil)
	})
	assert.ErrorIs(t, err, store.ErrLeaseLost)
}

func TestHandle_FailureRollsBackAndReleases(t *testing.T) {
	g, s, _ := newGuard(t, settings())
	var calls atomic.Int32
	inner := countingHandler(s, &calls)
	failing := func(ctx context.Context, cmd command.Command) (command.Reply, error) {
		if _, err := inner(ctx, cmd); err != nil {
			return command.Reply{}, err
		}
		return command.Reply{}, apperrors.Validation("rejected after writes")
	}

	_, err := g.Handle(context.Background(), createStockCmd("r1"), failing)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, int32(1), calls.Load(), "business errors are not retried")

	_, err = s.Get(context.Background(), "r1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = s.Load(context.Background(), "product", "1", &struct{}{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	events, err := s.ListByStatus(context.Background(), schema.StatusNotPublished, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	// the caller may retry
	reply, err := g.Handle(context.Background(), createStockCmd("r1"), inner)
	require.NoError(t, err)
	assert.Equal(t, command.StatusAccepted, reply.Status)
}

func TestHandle_PanicLeavesRecordInProgress(t *testing.T) {
	g, s, _ := newGuard(t, settings())
	assert.Panics(t, func() {
		_, _ = g.Handle(context.Background(), createStockCmd("r1"), func(ctx context.Context, cmd command.Command) (command.Reply, error) {
			panic("boom")
		})
	})
	// the record stays in progress until it goes stale
	record, err := s.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, schema.RequestInProgress, record.Status)
}

func TestHandle_RetriesTransientConflicts(t *testing.T) {
	g, s, _ := newGuard(t, settings())
	var calls atomic.Int32
	inner := countingHandler(s, &calls)
	flaky := func(ctx context.Context, cmd command.Command) (command.Reply, error) {
		if calls.Load() == 0 {
			calls.Add(1)
			return command.Reply{}, store.ErrVersionConflict
		}
		return inner(ctx, cmd)
	}

	reply, err := g.Handle(context.Background(), createStockCmd("r1"), flaky)
	require.NoError(t, err)
	assert.Equal(t, command.StatusAccepted, reply.Status)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 7, units(t, s))
}

func TestHandle_GivesUpAfterTransientRetries(t *testing.T) {
	cfg := settings()
	cfg.TransientRetries = 2
	g, s, _ := newGuard(t, cfg)
	var calls atomic.Int32
	reply, err := g.Handle(context.Background(), createStockCmd("r1"), func(ctx context.Context, cmd command.Command) (command.Reply, error) {
		calls.Add(1)
		return command.Reply{}, store.ErrVersionConflict
	})
	assert.ErrorIs(t, err, apperrors.ErrTransientStore)
	assert.Equal(t, command.StatusRejected, reply.Status)
	assert.Equal(t, int32(3), calls.Load())

	_, err = s.Get(context.Background(), "r1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// unreachableLedger fails every Begin the way a dropped connection does.
type unreachableLedger struct {
	*store.MemoryStore
}

func (unreachableLedger) Begin(ctx context.Context, requestID, commandType, owner string) (bool, *schema.RequestRecord, error) {
	return false, nil, errors.New("connection reset")
}

func TestHandle_LedgerUnavailableIsRejectedAsRetriable(t *testing.T) {
	s := store.NewMemoryStore()
	g := NewGuard(s, unreachableLedger{s}, settings(), nil)
	var calls atomic.Int32

	bus := command.NewBus(nil, command.RequireEnvelope())
	bus.Register("CreateStock", countingHandler(s, &calls), Middleware(g))
	reply, err := bus.Dispatch(context.Background(), createStockCmd("r1"))
	assert.Equal(t, command.StatusRejected, reply.Status)
	assert.ErrorIs(t, err, apperrors.ErrTransientStore)
	assert.True(t, apperrors.IsRetriable(err))
	assert.Zero(t, calls.Load())
}

func TestHandle_EmptyRequestID(t *testing.T) {
	g, s, _ := newGuard(t, settings())
	var calls atomic.Int32
	reply, err := g.Handle(context.Background(), command.Command{Type: "CreateStock"}, countingHandler(s, &calls))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, command.StatusRejected, reply.Status)
	assert.Zero(t, calls.Load())
}

func TestMiddleware_OnBus(t *testing.T) {
	g, s, _ := newGuard(t, settings())
	var calls atomic.Int32
	bus := command.NewBus(nil, command.RequireEnvelope())
	bus.Register("CreateStock", countingHandler(s, &calls), Middleware(g, WithDuplicateResult(true)))

	_, err := bus.Dispatch(context.Background(), createStockCmd("r1"))
	require.NoError(t, err)
	reply, err := bus.Dispatch(context.Background(), createStockCmd("r1"))
	require.NoError(t, err)
	assert.Equal(t, command.StatusDuplicate, reply.Status)
	assert.Equal(t, int32(1), calls.Load())
}
