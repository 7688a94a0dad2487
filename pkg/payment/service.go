// Package payment charges confirmed orders and refunds cancelled ones.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/pkg/command"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/pkg/saga"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
)

const kindPayment = "payment"

type Status string

const (
	Charged  Status = "charged"
	Declined Status = "declined"
	Refunded Status = "refunded"
	// Voided marks an order cancelled before anything was charged.
	Voided Status = "voided"
)

type Payment struct {
	OrderID int             `json:"orderId"`
	Amount  decimal.Decimal `json:"amount"`
	Status  Status          `json:"status"`
}

type Service struct {
	entities store.EntityStore
	outbox   store.OutboxWriter
	gateway  Gateway
	logger   *zap.Logger
}

func NewService(backend *store.Backend, gateway Gateway, logger *zap.Logger) *Service {
	return &Service{
		entities: backend.Entities,
		outbox:   backend.Outbox,
		gateway:  gateway,
		logger:   logging.OrNop(logger).With(zap.String("component", "payment")),
	}
}

// Subscribe installs the payment event handlers on p.
func (s *Service) Subscribe(p *saga.Participant) {
	p.On(saga.EventOrderStockConfirmed, s.handleStockConfirmed)
	p.On(saga.EventOrderCancelled, s.handleOrderCancelled)
}

func (s *Service) Payment(ctx context.Context, orderID int) (Payment, error) {
	var p Payment
	_, err := s.entities.Load(ctx, kindPayment, strconv.Itoa(orderID), &p)
	return p, err
}

func (s *Service) handleStockConfirmed(ctx context.Context, cmd command.Command) (command.Reply, error) {
	evt, err := command.Decode[saga.OrderStockConfirmed](cmd)
	if err != nil {
		return command.Reply{}, err
	}
	if !evt.IsSuccess {
		return command.Reply{}, apperrors.Inapplicable("order %d stock not confirmed", evt.OrderID)
	}
	key := strconv.Itoa(evt.OrderID)

	var existing Payment
	_, err = s.entities.Load(ctx, kindPayment, key, &existing)
	switch {
	case err == nil:
		return command.Reply{}, apperrors.Inapplicable("order %d payment is %s", evt.OrderID, existing.Status)
	case !errors.Is(err, apperrors.ErrNotFound):
		return command.Reply{}, err
	}

	p := Payment{OrderID: evt.OrderID, Amount: evt.Total, Status: Charged}
	if err := s.gateway.Charge(ctx, evt.OrderID, evt.Total); err != nil {
		if !errors.Is(err, ErrDeclined) {
			return command.Reply{}, fmt.Errorf("charging order %d: %w: %w", evt.OrderID, apperrors.ErrTransientStore, err)
		}
		logging.WithTrace(ctx, s.logger).Warn("payment declined", zap.Int("order_id", evt.OrderID), zap.Error(err))
		p.Status = Declined
	}
	if _, err := s.entities.Save(ctx, kindPayment, key, p, 0); err != nil {
		return command.Reply{}, err
	}

	paid := saga.OrderPaid{OrderID: evt.OrderID, IsSuccess: p.Status == Charged}
	event, err := saga.NewEvent(ctx, evt.OrderID, saga.EventOrderPaid, paid)
	if err != nil {
		return command.Reply{}, err
	}
	if err := s.outbox.Append(ctx, event); err != nil {
		return command.Reply{}, err
	}

	logging.WithTrace(ctx, s.logger).Info("payment decided",
		zap.Int("order_id", evt.OrderID), zap.String("amount", evt.Total.String()), zap.String("status", string(p.Status)))
	return command.Accepted(p.Status)
}

// handleOrderCancelled refunds a charged payment. With no payment yet it
// leaves a voided tombstone so a late confirmation is not charged.
func (s *Service) handleOrderCancelled(ctx context.Context, cmd command.Command) (command.Reply, error) {
	evt, err := command.Decode[saga.OrderCancelled](cmd)
	if err != nil {
		return command.Reply{}, err
	}
	key := strconv.Itoa(evt.OrderID)

	var p Payment
	version, err := s.entities.Load(ctx, kindPayment, key, &p)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		p = Payment{OrderID: evt.OrderID, Amount: decimal.Zero, Status: Voided}
	case err != nil:
		return command.Reply{}, err
	case p.Status == Charged:
		if err := s.gateway.Refund(ctx, evt.OrderID, p.Amount); err != nil {
			return command.Reply{}, fmt.Errorf("refunding order %d: %w: %w", evt.OrderID, apperrors.ErrTransientStore, err)
		}
		p.Status = Refunded
	default:
		return command.Reply{}, apperrors.Inapplicable("order %d payment is %s", evt.OrderID, p.Status)
	}
	if _, err := s.entities.Save(ctx, kindPayment, key, p, version); err != nil {
		return command.Reply{}, err
	}

	logging.WithTrace(ctx, s.logger).Info("payment compensated",
		zap.Int("order_id", evt.OrderID), zap.String("reason", evt.Reason), zap.String("status", string(p.Status)))
	return command.Accepted(p.Status)
}
