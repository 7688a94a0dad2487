// Package ordering owns orders and drives the saga from their state.
package ordering

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/pkg/command"
	"github.com/zoff-tech/go-fulfillment/pkg/idempotency"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/pkg/saga"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
)

const (
	CommandCreateOrder = "CreateOrder"
	CommandShipOrder   = "ShipOrder"
	CommandCancelOrder = "CancelOrder"

	kindOrder = "order"
)

type Order struct {
	ID      int               `json:"id"`
	BuyerID string            `json:"buyerId"`
	Items   []saga.OrderItem  `json:"items"`
	Total   decimal.Decimal   `json:"total"`
	State   saga.OrderState   `json:"state"`
	History []saga.Transition `json:"history"`
}

type CreateOrder struct {
	OrderID int              `json:"orderId" validate:"gt=0"`
	BuyerID string           `json:"buyerId" validate:"required"`
	Items   []saga.OrderItem `json:"items" validate:"required,min=1,dive"`
}

type OrderRef struct {
	OrderID int `json:"orderId" validate:"gt=0"`
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	entities store.EntityStore
	outbox   store.OutboxWriter
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(backend *store.Backend, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		entities: backend.Entities,
		outbox:   backend.Outbox,
		logger:   logging.OrNop(logger).With(zap.String("component", "ordering")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Register(bus *command.Bus, guard *idempotency.Guard) {
	bus.Register(CommandCreateOrder, s.handleCreateOrder, command.Validate[CreateOrder](), idempotency.Middleware(guard))
	bus.Register(CommandShipOrder, s.handleShipOrder, command.Validate[OrderRef](), idempotency.Middleware(guard))
	bus.Register(CommandCancelOrder, s.handleCancelOrder, command.Validate[OrderRef](), idempotency.Middleware(guard))
}

func (s *Service) Subscribe(p *saga.Participant) {
	p.On(saga.EventStockCreated, s.handleStockCreated)
	p.On(saga.EventOrderPaid, s.handleOrderPaid)
}

func (s *Service) Order(ctx context.Context, id int) (Order, error) {
	var o Order
	_, err := s.entities.Load(ctx, kindOrder, strconv.Itoa(id), &o)
	return o, err
}

// apply moves o through triggers in order. Nothing is changed unless every
// step is valid.
func (s *Service) apply(o *Order, triggers ...saga.Trigger) error {
	state := o.State
	var steps []saga.Transition
	for _, trigger := range triggers {
		next, err := state.Next(trigger)
		if err != nil {
			return fmt.Errorf("order %d: %w", o.ID, err)
		}
		steps = append(steps, saga.Transition{From: state, To: next, Trigger: trigger, At: s.now().UTC()})
		state = next
	}
	o.State = state
	o.History = append(o.History, steps...)
	return nil
}

// mutate loads the order, applies triggers, saves it and appends the events
// built from the new state.
func (s *Service) mutate(ctx context.Context, orderID int, triggers []saga.Trigger, events func(o *Order) ([]pendingEvent, error)) (*Order, error) {
	var o Order
	version, err := s.entities.Load(ctx, kindOrder, strconv.Itoa(orderID), &o)
	if err != nil {
		return nil, err
	}
	from := o.State
	if err := s.apply(&o, triggers...); err != nil {
		return nil, err
	}
	if _, err := s.entities.Save(ctx, kindOrder, strconv.Itoa(orderID), o, version); err != nil {
		return nil, err
	}
	if err := s.emit(ctx, &o, events); err != nil {
		return nil, err
	}
	logging.WithTrace(ctx, s.logger).Info("order state changed",
		zap.Int("order_id", o.ID), zap.String("from", string(from)), zap.String("to", string(o.State)))
	return &o, nil
}

type pendingEvent struct {
	eventType string
	payload   any
}

func (s *Service) emit(ctx context.Context, o *Order, events func(o *Order) ([]pendingEvent, error)) error {
	if events == nil {
		return nil
	}
	pending, err := events(o)
	if err != nil {
		return err
	}
	for _, pe := range pending {
		event, err := saga.NewEvent(ctx, o.ID, pe.eventType, pe.payload)
		if err != nil {
			return err
		}
		if err := s.outbox.Append(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func emitOne(eventType string, payload func(o *Order) any) func(o *Order) ([]pendingEvent, error) {
	return func(o *Order) ([]pendingEvent, error) {
		return []pendingEvent{{eventType: eventType, payload: payload(o)}}, nil
	}
}

func cancelled(reason string) func(o *Order) ([]pendingEvent, error) {
	return emitOne(saga.EventOrderCancelled, func(o *Order) any {
		return saga.OrderCancelled{OrderID: o.ID, Reason: reason}
	})
}

func (s *Service) handleCreateOrder(ctx context.Context, cmd command.Command) (command.Reply, error) {
	req, err := command.Decode[CreateOrder](cmd)
	if err != nil {
		return command.Reply{}, err
	}
	key := strconv.Itoa(req.OrderID)

	var existing Order
	if _, err := s.entities.Load(ctx, kindOrder, key, &existing); err == nil {
		return command.Reply{}, fmt.Errorf("order %d: %w", req.OrderID, apperrors.ErrConflict)
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return command.Reply{}, err
	}

	o := Order{
		ID:      req.OrderID,
		BuyerID: req.BuyerID,
		Items:   req.Items,
		Total:   saga.Total(req.Items),
		State:   saga.Created,
	}
	if err := s.apply(&o, saga.TriggerStart); err != nil {
		return command.Reply{}, err
	}
	if _, err := s.entities.Save(ctx, kindOrder, key, o, 0); err != nil {
		return command.Reply{}, err
	}
	err = s.emit(ctx, &o, emitOne(saga.EventOrderStarted, func(o *Order) any {
		return saga.OrderStarted{OrderID: o.ID, Items: o.Items, Total: o.Total}
	}))
	if err != nil {
		return command.Reply{}, err
	}
	logging.WithTrace(ctx, s.logger).Info("order created",
		zap.Int("order_id", o.ID), zap.String("total", o.Total.String()))
	return command.Accepted(OrderRef{OrderID: o.ID})
}

func (s *Service) handleShipOrder(ctx context.Context, cmd command.Command) (command.Reply, error) {
	req, err := command.Decode[OrderRef](cmd)
	if err != nil {
		return command.Reply{}, err
	}
	o, err := s.mutate(ctx, req.OrderID, []saga.Trigger{saga.TriggerShip}, emitOne(saga.EventOrderShipped, func(o *Order) any {
		return saga.OrderShipped{OrderID: o.ID}
	}))
	if err != nil {
		return command.Reply{}, err
	}
	return command.Accepted(map[string]any{"orderId": o.ID, "state": o.State})
}

func (s *Service) handleCancelOrder(ctx context.Context, cmd command.Command) (command.Reply, error) {
	req, err := command.Decode[OrderRef](cmd)
	if err != nil {
		return command.Reply{}, err
	}
	o, err := s.mutate(ctx, req.OrderID, []saga.Trigger{saga.TriggerCancel}, cancelled(saga.ReasonBuyerCancelled))
	if err != nil {
		return command.Reply{}, err
	}
	return command.Accepted(map[string]any{"orderId": o.ID, "state": o.State})
}

func (s *Service) handleStockCreated(ctx context.Context, cmd command.Command) (command.Reply, error) {
	evt, err := command.Decode[saga.StockCreated](cmd)
	if err != nil {
		return command.Reply{}, err
	}

	var o *Order
	if evt.IsSuccess {
		o, err = s.mutate(ctx, evt.OrderID,
			[]saga.Trigger{saga.TriggerStockConfirmed, saga.TriggerRequestPayment},
			emitOne(saga.EventOrderStockConfirmed, func(o *Order) any {
				return saga.OrderStockConfirmed{OrderID: o.ID, IsSuccess: true, Total: o.Total}
			}))
	} else {
		o, err = s.mutate(ctx, evt.OrderID,
			[]saga.Trigger{saga.TriggerStockRejected, saga.TriggerCancel},
			cancelled(saga.ReasonStockRejected))
	}
	if err != nil {
		return command.Reply{}, err
	}
	return command.Accepted(o.State)
}

func (s *Service) handleOrderPaid(ctx context.Context, cmd command.Command) (command.Reply, error) {
	evt, err := command.Decode[saga.OrderPaid](cmd)
	if err != nil {
		return command.Reply{}, err
	}

	var o *Order
	if evt.IsSuccess {
		o, err = s.mutate(ctx, evt.OrderID, []saga.Trigger{saga.TriggerPaymentSucceeded}, nil)
	} else {
		o, err = s.mutate(ctx, evt.OrderID,
			[]saga.Trigger{saga.TriggerPaymentFailed, saga.TriggerCancel},
			cancelled(saga.ReasonPaymentFailed))
	}
	if err != nil {
		return command.Reply{}, err
	}
	return command.Accepted(o.State)
}
