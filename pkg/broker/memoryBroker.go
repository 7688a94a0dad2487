package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/schema"
)

var errInjected = errors.New("injected publish failure")

type memDelivery struct {
	msg      schema.Message
	headers  map[string]string
	attempts int
}

// memSubscription is one consumer group on one event type. Every handler
// subscribed with the same group competes for the same queue.
type memSubscription struct {
	name   string
	mu     sync.Mutex
	queue  []memDelivery
	notify chan struct{}
}

func (s *memSubscription) push(d memDelivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memSubscription) pop() (memDelivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return memDelivery{}, false
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d, true
}

// MemoryBroker is an in-process Broker with at-least-once delivery. Failed
// deliveries are queued again after the redelivery delay.
type MemoryBroker struct {
	logger          *zap.Logger
	redeliveryDelay time.Duration

	mu        sync.Mutex
	subs      map[string][]*memSubscription // by event type
	groups    map[string]*memSubscription   // by group and event type
	published []schema.Message
	failNext  int
	pending   int
	closed    bool
	done      chan struct{}
	workers   sync.WaitGroup
}

func NewMemoryBroker(redeliveryDelay time.Duration, logger *zap.Logger) *MemoryBroker {
	return &MemoryBroker{
		logger:          logging.OrNop(logger).With(zap.String("broker", "memory")),
		redeliveryDelay: redeliveryDelay,
		subs:            make(map[string][]*memSubscription),
		groups:          make(map[string]*memSubscription),
		done:            make(chan struct{}),
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, event *schema.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return publishFailure(event, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return publishFailure(event, errors.New("broker closed"))
	}
	if b.failNext > 0 {
		b.failNext--
		return publishFailure(event, errInjected)
	}

	msg := event.Message()
	headers := outgoingHeaders(ctx, event)
	b.published = append(b.published, msg)
	for _, sub := range b.subs[event.EventType] {
		b.pending++
		sub.push(memDelivery{msg: msg, headers: headers})
	}
	return nil
}

// Subscribe starts a worker for the group's queue. It returns immediately;
// the worker stops when ctx is cancelled or the broker is closed.
func (b *MemoryBroker) Subscribe(ctx context.Context, eventType, group string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("broker closed")
	}
	key := group + "." + eventType
	sub, ok := b.groups[key]
	if !ok {
		sub = &memSubscription{name: key, notify: make(chan struct{}, 1)}
		b.groups[key] = sub
		b.subs[eventType] = append(b.subs[eventType], sub)
	}
	b.workers.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.workers.Done()
		b.work(ctx, sub, handler)
	}()
	return nil
}

func (b *MemoryBroker) work(ctx context.Context, sub *memSubscription, handler Handler) {
	for {
		d, ok := sub.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-sub.notify:
				continue
			}
		}
		d.attempts++
		err := handler(incomingContext(ctx, d.headers), d.msg)
		if err == nil {
			b.settle()
			continue
		}

		b.logger.Warn("delivery failed, redelivering",
			zap.String("subscription", sub.name),
			zap.String("event_id", d.msg.EventID),
			zap.Int("attempt", d.attempts),
			zap.Error(err))
		select {
		case <-ctx.Done():
			// left for another worker of the group
			sub.push(d)
			return
		case <-b.done:
			return
		case <-time.After(b.redeliveryDelay):
		}
		sub.push(d)
	}
}

func (b *MemoryBroker) settle() {
	b.mu.Lock()
	b.pending--
	b.mu.Unlock()
}

// Published returns a snapshot of every message accepted so far.
func (b *MemoryBroker) Published() []schema.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schema.Message, len(b.published))
	copy(out, b.published)
	return out
}

// FailNext makes the next n publishes fail.
func (b *MemoryBroker) FailNext(n int) {
	b.mu.Lock()
	b.failNext = n
	b.mu.Unlock()
}

// WaitIdle blocks until every delivery has been acknowledged.
func (b *MemoryBroker) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		pending := b.pending
		b.mu.Unlock()
		if pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d deliveries still pending: %w", pending, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	b.workers.Wait()
	return nil
}
