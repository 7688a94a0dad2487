package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/zoff-tech/go-fulfillment/schema"
)

// Integration event types.
const (
	EventOrderStarted        = "order.started"
	EventStockCreated        = "stock.created"
	EventOrderStockConfirmed = "order.stock_confirmed"
	EventOrderPaid           = "order.paid"
	EventOrderCancelled      = "order.cancelled"
	EventOrderShipped        = "order.shipped"
)

// Cancellation reasons carried by order.cancelled.
const (
	ReasonStockRejected  = "stock_rejected"
	ReasonPaymentFailed  = "payment_failed"
	ReasonBuyerCancelled = "buyer_cancelled"
)

type OrderItem struct {
	ProductID int             `json:"productId" validate:"gt=0"`
	Units     int             `json:"units" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type OrderStarted struct {
	OrderID int             `json:"orderId" validate:"gt=0"`
	Items   []OrderItem     `json:"items" validate:"required,min=1,dive"`
	Total   decimal.Decimal `json:"total"`
}

type StockCreated struct {
	OrderID   int  `json:"orderId" validate:"gt=0"`
	IsSuccess bool `json:"isSuccess"`
}

type OrderStockConfirmed struct {
	OrderID   int             `json:"orderId" validate:"gt=0"`
	IsSuccess bool            `json:"isSuccess"`
	Total     decimal.Decimal `json:"total"`
}

type OrderPaid struct {
	OrderID   int  `json:"orderId" validate:"gt=0"`
	IsSuccess bool `json:"isSuccess"`
}

type OrderCancelled struct {
	OrderID int    `json:"orderId" validate:"gt=0"`
	Reason  string `json:"reason"`
}

type OrderShipped struct {
	OrderID int `json:"orderId" validate:"gt=0"`
}

// AggregateID is the per-order ordering key.
func AggregateID(orderID int) string {
	return fmt.Sprintf("order-%d", orderID)
}

// NewEvent builds an outbox row for an order event. The trace context of ctx
// travels with it so consumers continue the originating trace.
func NewEvent(ctx context.Context, orderID int, eventType string, payload any) (*schema.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", eventType, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return schema.NewEvent(id.String(), AggregateID(orderID), eventType, body, headers), nil
}

// Total sums units times unit price.
func Total(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Units))))
	}
	return total
}
