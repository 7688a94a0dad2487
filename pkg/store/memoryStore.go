package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zoff-tech/go-fulfillment/schema"
)

type memTxKey struct{}

type memTx struct {
	store *MemoryStore
	undo  []func()
}

type memEntity struct {
	body    []byte
	version int64
}

// MemoryStore is a single-process backend implementing every store interface.
// Transactions are serialized by one mutex and rolled back with an undo log.
type MemoryStore struct {
	txMu sync.Mutex

	outbox   map[string]*schema.OutboxEvent
	ledger   map[string]*schema.RequestRecord
	entities map[string]memEntity

	now func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock replaces the store's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		outbox:   make(map[string]*schema.OutboxEvent),
		ledger:   make(map[string]*schema.RequestRecord),
		entities: make(map[string]memEntity),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backend exposes the store through the Backend bundle.
func (m *MemoryStore) Backend() *Backend {
	return &Backend{Tx: m, Outbox: m, Ledger: m, Entities: m}
}

func (m *MemoryStore) txFrom(ctx context.Context) *memTx {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok || tx.store != m {
		return nil
	}
	return tx
}

// WithTx runs fn under the store lock. Errors and panics undo every write made through ctx.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.txFrom(ctx) != nil {
		return fn(ctx)
	}
	return m.run(ctx, func(tx *memTx) error {
		return fn(context.WithValue(ctx, memTxKey{}, tx))
	})
}

// run executes fn in the transaction from ctx or in a new one.
func (m *MemoryStore) run(ctx context.Context, fn func(tx *memTx) error) (err error) {
	if tx := m.txFrom(ctx); tx != nil {
		return fn(tx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := &memTx{store: m}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	return fn(tx)
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) putEvent(e *schema.OutboxEvent) {
	m := tx.store
	prev, existed := m.outbox[e.ID]
	m.outbox[e.ID] = e
	tx.undo = append(tx.undo, func() {
		if existed {
			m.outbox[e.ID] = prev
		} else {
			delete(m.outbox, e.ID)
		}
	})
}

func (tx *memTx) putRecord(r *schema.RequestRecord) {
	m := tx.store
	prev, existed := m.ledger[r.RequestID]
	m.ledger[r.RequestID] = r
	tx.undo = append(tx.undo, func() {
		if existed {
			m.ledger[r.RequestID] = prev
		} else {
			delete(m.ledger, r.RequestID)
		}
	})
}

func (tx *memTx) deleteRecord(id string) {
	m := tx.store
	prev, existed := m.ledger[id]
	if !existed {
		return
	}
	delete(m.ledger, id)
	tx.undo = append(tx.undo, func() { m.ledger[id] = prev })
}

func (tx *memTx) putEntity(key string, ent memEntity) {
	m := tx.store
	prev, existed := m.entities[key]
	m.entities[key] = ent
	tx.undo = append(tx.undo, func() {
		if existed {
			m.entities[key] = prev
		} else {
			delete(m.entities, key)
		}
	})
}

// outbox

func (m *MemoryStore) Append(ctx context.Context, events ...*schema.OutboxEvent) error {
	tx := m.txFrom(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		if _, ok := m.outbox[e.ID]; ok {
			return fmt.Errorf("outbox event %s already exists: %w", e.ID, ErrVersionConflict)
		}
	}
	for _, e := range events {
		tx.putEvent(copyEvent(e))
	}
	return nil
}

func (m *MemoryStore) FetchPending(ctx context.Context, batchSize int) ([]*schema.OutboxEvent, error) {
	var claimed []*schema.OutboxEvent
	err := m.run(ctx, func(tx *memTx) error {
		now := m.now()
		var open []*schema.OutboxEvent
		for _, e := range m.outbox {
			if e.Status != schema.StatusPublished {
				open = append(open, e)
			}
		}
		sortForDelivery(open)

		for _, e := range claimable(open, now, batchSize) {
			next := copyEvent(e)
			next.Status = schema.StatusInProgress
			next.UpdatedAt = now
			tx.putEvent(next)
			claimed = append(claimed, copyEvent(next))
		}
		return nil
	})
	return claimed, err
}

func (m *MemoryStore) MarkPublished(ctx context.Context, eventID string) error {
	return m.updateEvent(ctx, eventID, func(e *schema.OutboxEvent, now time.Time) error {
		if e.Status != schema.StatusInProgress {
			return notFound("claimed outbox event", eventID)
		}
		e.Status = schema.StatusPublished
		e.PublishedAt = &now
		e.LastError = ""
		return nil
	})
}

func (m *MemoryStore) SetStatus(ctx context.Context, eventID string, status schema.Status) error {
	return m.updateEvent(ctx, eventID, func(e *schema.OutboxEvent, _ time.Time) error {
		e.Status = status
		return nil
	})
}

func (m *MemoryStore) SetStatusAndIncrementRetry(ctx context.Context, eventID string, status schema.Status, nextAttemptAt time.Time, lastErr string) error {
	return m.updateEvent(ctx, eventID, func(e *schema.OutboxEvent, _ time.Time) error {
		e.Status = status
		e.RetryCount++
		e.NextAttemptAt = nextAttemptAt
		e.LastError = lastErr
		return nil
	})
}

func (m *MemoryStore) ReleaseExpired(ctx context.Context, lockExpiration time.Duration) (int64, error) {
	var released int64
	err := m.run(ctx, func(tx *memTx) error {
		now := m.now()
		cutoff := now.Add(-lockExpiration)
		for _, e := range m.outbox {
			if e.Status == schema.StatusInProgress && e.UpdatedAt.Before(cutoff) {
				next := copyEvent(e)
				next.Status = schema.StatusNotPublished
				next.UpdatedAt = now
				tx.putEvent(next)
				released++
			}
		}
		return nil
	})
	return released, err
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status schema.Status, limit int) ([]*schema.OutboxEvent, error) {
	var out []*schema.OutboxEvent
	err := m.run(ctx, func(*memTx) error {
		for _, e := range m.outbox {
			if e.Status == status {
				out = append(out, copyEvent(e))
			}
		}
		return nil
	})
	sortForDelivery(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (m *MemoryStore) Requeue(ctx context.Context, eventID string) error {
	return m.updateEvent(ctx, eventID, func(e *schema.OutboxEvent, now time.Time) error {
		if e.Status != schema.StatusFailed {
			return notFound("failed outbox event", eventID)
		}
		e.Status = schema.StatusNotPublished
		e.RetryCount = 0
		e.LastError = ""
		e.NextAttemptAt = now
		return nil
	})
}

func (m *MemoryStore) updateEvent(ctx context.Context, eventID string, fn func(e *schema.OutboxEvent, now time.Time) error) error {
	return m.run(ctx, func(tx *memTx) error {
		e, ok := m.outbox[eventID]
		if !ok {
			return notFound("outbox event", eventID)
		}
		now := m.now()
		next := copyEvent(e)
		if err := fn(next, now); err != nil {
			return err
		}
		next.UpdatedAt = now
		tx.putEvent(next)
		return nil
	})
}

// ledger

// Begin commits on its own unless ctx already carries a transaction of this store.
func (m *MemoryStore) Begin(ctx context.Context, requestID, commandType, owner string) (bool, *schema.RequestRecord, error) {
	var (
		created  bool
		existing *schema.RequestRecord
	)
	err := m.run(ctx, func(tx *memTx) error {
		if r, ok := m.ledger[requestID]; ok {
			existing = copyRecord(r)
			return nil
		}
		now := m.now()
		tx.putRecord(&schema.RequestRecord{
			RequestID:   requestID,
			CommandType: commandType,
			Status:      schema.RequestInProgress,
			Owner:       owner,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		created = true
		return nil
	})
	return created, existing, err
}

func (m *MemoryStore) Get(ctx context.Context, requestID string) (*schema.RequestRecord, error) {
	var record *schema.RequestRecord
	err := m.run(ctx, func(*memTx) error {
		r, ok := m.ledger[requestID]
		if !ok {
			return notFound("request", requestID)
		}
		record = copyRecord(r)
		return nil
	})
	return record, err
}

func (m *MemoryStore) Complete(ctx context.Context, requestID, owner string, result []byte) error {
	return m.run(ctx, func(tx *memTx) error {
		r, ok := m.ledger[requestID]
		if !ok || r.Owner != owner || r.Status != schema.RequestInProgress {
			return fmt.Errorf("complete %s: %w", requestID, ErrLeaseLost)
		}
		next := copyRecord(r)
		next.Status = schema.RequestCompleted
		next.Result = append([]byte{}, result...)
		next.UpdatedAt = m.now()
		tx.putRecord(next)
		return nil
	})
}

func (m *MemoryStore) Release(ctx context.Context, requestID, owner string) error {
	return m.run(ctx, func(tx *memTx) error {
		r, ok := m.ledger[requestID]
		if ok && r.Owner == owner && r.Status == schema.RequestInProgress {
			tx.deleteRecord(requestID)
		}
		return nil
	})
}

func (m *MemoryStore) Reclaim(ctx context.Context, requestID, newOwner string, staleBefore time.Time) (bool, error) {
	var reclaimed bool
	err := m.run(ctx, func(tx *memTx) error {
		r, ok := m.ledger[requestID]
		if !ok || r.Status != schema.RequestInProgress || !r.UpdatedAt.Before(staleBefore) {
			return nil
		}
		next := copyRecord(r)
		next.Owner = newOwner
		next.UpdatedAt = m.now()
		tx.putRecord(next)
		reclaimed = true
		return nil
	})
	return reclaimed, err
}

func (m *MemoryStore) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*schema.RequestRecord, error) {
	var out []*schema.RequestRecord
	err := m.run(ctx, func(*memTx) error {
		for _, r := range m.ledger {
			if r.Status == schema.RequestInProgress && r.UpdatedAt.Before(olderThan) {
				out = append(out, copyRecord(r))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (m *MemoryStore) PurgeCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	var purged int64
	err := m.run(ctx, func(tx *memTx) error {
		for id, r := range m.ledger {
			if r.Status == schema.RequestCompleted && r.UpdatedAt.Before(olderThan) {
				tx.deleteRecord(id)
				purged++
			}
		}
		return nil
	})
	return purged, err
}

// entities

func entityKey(kind, id string) string { return kind + "/" + id }

func (m *MemoryStore) Load(ctx context.Context, kind, id string, dst any) (int64, error) {
	var ent memEntity
	err := m.run(ctx, func(*memTx) error {
		e, ok := m.entities[entityKey(kind, id)]
		if !ok {
			return notFound(kind, id)
		}
		ent = e
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(ent.body, dst); err != nil {
		return 0, fmt.Errorf("decoding %s %s: %w", kind, id, err)
	}
	return ent.version, nil
}

func (m *MemoryStore) Save(ctx context.Context, kind, id string, src any, expectedVersion int64) (int64, error) {
	tx := m.txFrom(ctx)
	if tx == nil {
		return 0, ErrNoTransaction
	}
	body, err := json.Marshal(src)
	if err != nil {
		return 0, fmt.Errorf("encoding %s %s: %w", kind, id, err)
	}
	key := entityKey(kind, id)
	if m.entities[key].version != expectedVersion {
		return 0, fmt.Errorf("%s %s at version %d: %w", kind, id, expectedVersion, ErrVersionConflict)
	}
	tx.putEntity(key, memEntity{body: body, version: expectedVersion + 1})
	return expectedVersion + 1, nil
}

func copyEvent(e *schema.OutboxEvent) *schema.OutboxEvent {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	c.Headers = make(map[string]string, len(e.Headers))
	for k, v := range e.Headers {
		c.Headers[k] = v
	}
	if e.PublishedAt != nil {
		t := *e.PublishedAt
		c.PublishedAt = &t
	}
	return &c
}

func copyRecord(r *schema.RequestRecord) *schema.RequestRecord {
	c := *r
	if r.Result != nil {
		c.Result = append([]byte{}, r.Result...)
	}
	return &c
}
