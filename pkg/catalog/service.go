// Package catalog owns product stock and per-order reservations.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/pkg/command"
	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/idempotency"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/pkg/saga"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
)

const (
	CommandCreateStock = "CreateStock"

	kindProduct     = "product"
	kindReservation = "reservation"
)

type Product struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	AvailableStock int    `json:"availableStock"`
}

type ReservationStatus string

const (
	Reserved ReservationStatus = "reserved"
	Rejected ReservationStatus = "rejected"
	Released ReservationStatus = "released"
)

// Reservation records what an order took from stock. A released reservation
// without items is a tombstone written when the cancellation came first.
type Reservation struct {
	OrderID int               `json:"orderId"`
	Items   []saga.OrderItem  `json:"items,omitempty"`
	Status  ReservationStatus `json:"status"`
}

// CreateStock asks catalog to reserve stock for an order.
type CreateStock struct {
	OrderID int              `json:"orderId" validate:"gt=0"`
	Items   []saga.OrderItem `json:"items" validate:"required,min=1,dive"`
}

type Service struct {
	tx       store.TxManager
	entities store.EntityStore
	outbox   store.OutboxWriter
	logger   *zap.Logger
}

func NewService(backend *store.Backend, logger *zap.Logger) *Service {
	return &Service{
		tx:       backend.Tx,
		entities: backend.Entities,
		outbox:   backend.Outbox,
		logger:   logging.OrNop(logger).With(zap.String("component", "catalog")),
	}
}

// Register installs the catalog commands on bus.
func (s *Service) Register(bus *command.Bus, guard *idempotency.Guard) {
	bus.Register(CommandCreateStock, s.handleCreateStock,
		command.Validate[CreateStock](),
		idempotency.Middleware(guard, idempotency.WithDuplicateResult(true)))
}

// Subscribe installs the catalog event handlers on p.
func (s *Service) Subscribe(p *saga.Participant) {
	p.On(saga.EventOrderStarted, s.handleOrderStarted)
	p.On(saga.EventOrderCancelled, s.handleOrderCancelled)
}

// Seed creates missing products. Existing products keep their stock.
func (s *Service) Seed(ctx context.Context, products []config.ProductSeed) error {
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		for _, seed := range products {
			var existing Product
			_, err := s.entities.Load(ctx, kindProduct, strconv.Itoa(seed.ID), &existing)
			if err == nil {
				continue
			}
			if !errors.Is(err, apperrors.ErrNotFound) {
				return err
			}
			p := Product{ID: seed.ID, Name: seed.Name, AvailableStock: seed.Stock}
			if _, err := s.entities.Save(ctx, kindProduct, strconv.Itoa(seed.ID), p, 0); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) Product(ctx context.Context, id int) (Product, error) {
	var p Product
	_, err := s.entities.Load(ctx, kindProduct, strconv.Itoa(id), &p)
	return p, err
}

func (s *Service) Reservation(ctx context.Context, orderID int) (Reservation, error) {
	var r Reservation
	_, err := s.entities.Load(ctx, kindReservation, strconv.Itoa(orderID), &r)
	return r, err
}

func (s *Service) handleCreateStock(ctx context.Context, cmd command.Command) (command.Reply, error) {
	req, err := command.Decode[CreateStock](cmd)
	if err != nil {
		return command.Reply{}, err
	}
	ok, err := s.reserve(ctx, req.OrderID, req.Items)
	if err != nil {
		return command.Reply{}, err
	}
	return command.Accepted(ok)
}

func (s *Service) handleOrderStarted(ctx context.Context, cmd command.Command) (command.Reply, error) {
	evt, err := command.Decode[saga.OrderStarted](cmd)
	if err != nil {
		return command.Reply{}, err
	}
	ok, err := s.reserve(ctx, evt.OrderID, evt.Items)
	if err != nil {
		return command.Reply{}, err
	}
	return command.Accepted(ok)
}

// reserve takes stock for every item or none and emits stock.created.
func (s *Service) reserve(ctx context.Context, orderID int, items []saga.OrderItem) (bool, error) {
	key := strconv.Itoa(orderID)
	var existing Reservation
	_, err := s.entities.Load(ctx, kindReservation, key, &existing)
	switch {
	case err == nil:
		return false, apperrors.Inapplicable("order %d already has a %s reservation", orderID, existing.Status)
	case !errors.Is(err, apperrors.ErrNotFound):
		return false, err
	}

	wanted := make(map[int]int)
	var order []int
	for _, item := range items {
		if _, seen := wanted[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		wanted[item.ProductID] += item.Units
	}

	type loaded struct {
		product Product
		version int64
	}
	products := make([]loaded, 0, len(order))
	success := true
	for _, id := range order {
		var p Product
		version, err := s.entities.Load(ctx, kindProduct, strconv.Itoa(id), &p)
		if errors.Is(err, apperrors.ErrNotFound) {
			success = false
			break
		}
		if err != nil {
			return false, err
		}
		if p.AvailableStock < wanted[id] {
			success = false
			break
		}
		products = append(products, loaded{product: p, version: version})
	}

	reservation := Reservation{OrderID: orderID, Items: items, Status: Rejected}
	if success {
		for _, l := range products {
			l.product.AvailableStock -= wanted[l.product.ID]
			if _, err := s.entities.Save(ctx, kindProduct, strconv.Itoa(l.product.ID), l.product, l.version); err != nil {
				return false, err
			}
		}
		reservation.Status = Reserved
	}
	if _, err := s.entities.Save(ctx, kindReservation, key, reservation, 0); err != nil {
		return false, err
	}

	event, err := saga.NewEvent(ctx, orderID, saga.EventStockCreated, saga.StockCreated{OrderID: orderID, IsSuccess: success})
	if err != nil {
		return false, err
	}
	if err := s.outbox.Append(ctx, event); err != nil {
		return false, err
	}

	logging.WithTrace(ctx, s.logger).Info("stock reservation decided",
		zap.Int("order_id", orderID), zap.Bool("is_success", success))
	return success, nil
}

// handleOrderCancelled returns reserved stock, or leaves a tombstone so a
// late order.started is ignored.
func (s *Service) handleOrderCancelled(ctx context.Context, cmd command.Command) (command.Reply, error) {
	evt, err := command.Decode[saga.OrderCancelled](cmd)
	if err != nil {
		return command.Reply{}, err
	}
	key := strconv.Itoa(evt.OrderID)

	var r Reservation
	version, err := s.entities.Load(ctx, kindReservation, key, &r)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return command.Reply{}, err
	}
	if err == nil && r.Status != Reserved {
		// rejected reservations took nothing, released ones already gave it back
		return command.Reply{}, apperrors.Inapplicable("order %d reservation already %s", evt.OrderID, r.Status)
	}

	if r.Status == Reserved {
		if err := s.restock(ctx, r.Items); err != nil {
			return command.Reply{}, err
		}
	}
	if version == 0 {
		r = Reservation{OrderID: evt.OrderID}
	}
	r.Status = Released
	if _, err := s.entities.Save(ctx, kindReservation, key, r, version); err != nil {
		return command.Reply{}, err
	}

	logging.WithTrace(ctx, s.logger).Info("reservation released",
		zap.Int("order_id", evt.OrderID), zap.String("reason", evt.Reason), zap.Bool("tombstone", version == 0))
	return command.Accepted(true)
}

func (s *Service) restock(ctx context.Context, items []saga.OrderItem) error {
	for _, item := range items {
		var p Product
		version, err := s.entities.Load(ctx, kindProduct, strconv.Itoa(item.ProductID), &p)
		if err != nil {
			return fmt.Errorf("restocking product %d: %w", item.ProductID, err)
		}
		p.AvailableStock += item.Units
		if _, err := s.entities.Save(ctx, kindProduct, strconv.Itoa(item.ProductID), p, version); err != nil {
			return err
		}
	}
	return nil
}
