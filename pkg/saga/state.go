package saga

import (
	"fmt"
	"time"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
)

// OrderState is the position of an order in the fulfillment saga.
type OrderState string

const (
	Created        OrderState = "created"
	StockPending   OrderState = "stock_pending"
	StockConfirmed OrderState = "stock_confirmed"
	StockRejected  OrderState = "stock_rejected"
	PaymentPending OrderState = "payment_pending"
	Paid           OrderState = "paid"
	PaymentFailed  OrderState = "payment_failed"
	Shipped        OrderState = "shipped"
	Cancelled      OrderState = "cancelled"
)

var ranks = map[OrderState]int{
	Created:        0,
	StockPending:   1,
	StockConfirmed: 2,
	StockRejected:  2,
	PaymentPending: 3,
	Paid:           4,
	PaymentFailed:  4,
	Shipped:        5,
	Cancelled:      6,
}

func (s OrderState) IsValid() bool {
	_, ok := ranks[s]
	return ok
}

// Rank orders states along the saga. Transitions only move to a higher rank.
func (s OrderState) Rank() int {
	if r, ok := ranks[s]; ok {
		return r
	}
	return -1
}

func (s OrderState) IsTerminal() bool {
	return s == Shipped || s == Cancelled
}

// IsCompensating reports states that only lead to cancellation.
func (s OrderState) IsCompensating() bool {
	return s == StockRejected || s == PaymentFailed
}

// Trigger names a saga transition.
type Trigger string

const (
	TriggerStart            Trigger = "start"
	TriggerStockConfirmed   Trigger = "stock_confirmed"
	TriggerStockRejected    Trigger = "stock_rejected"
	TriggerRequestPayment   Trigger = "request_payment"
	TriggerPaymentSucceeded Trigger = "payment_succeeded"
	TriggerPaymentFailed    Trigger = "payment_failed"
	TriggerShip             Trigger = "ship"
	TriggerCancel           Trigger = "cancel"
)

type transition struct {
	from []OrderState
	to   OrderState
	// strict transitions treat every other non-terminal state as inapplicable
	// instead of waiting for a prerequisite
	strict bool
}

var transitions = map[Trigger]transition{
	TriggerStart:            {from: []OrderState{Created}, to: StockPending},
	TriggerStockConfirmed:   {from: []OrderState{StockPending}, to: StockConfirmed},
	TriggerStockRejected:    {from: []OrderState{StockPending}, to: StockRejected},
	TriggerRequestPayment:   {from: []OrderState{StockConfirmed}, to: PaymentPending},
	TriggerPaymentSucceeded: {from: []OrderState{PaymentPending}, to: Paid},
	TriggerPaymentFailed:    {from: []OrderState{PaymentPending}, to: PaymentFailed},
	TriggerShip:             {from: []OrderState{Paid}, to: Shipped},
	TriggerCancel: {
		from:   []OrderState{Created, StockPending, StockConfirmed, PaymentPending, StockRejected, PaymentFailed},
		to:     Cancelled,
		strict: true,
	},
}

// Next returns the state trigger leads to from s. A trigger whose target is
// already reached or passed, or any trigger on a terminal state, is
// ErrInapplicable. A trigger whose prerequisite has not happened yet is
// ErrOutOfOrder.
func (s OrderState) Next(trigger Trigger) (OrderState, error) {
	t, ok := transitions[trigger]
	if !ok {
		return s, fmt.Errorf("%w: unknown trigger %q", apperrors.ErrValidation, trigger)
	}
	if s.IsTerminal() {
		return s, apperrors.Inapplicable("order is %s, %s does not apply", s, trigger)
	}
	for _, from := range t.from {
		if s == from {
			return t.to, nil
		}
	}
	if t.strict || s.Rank() >= t.to.Rank() || s.IsCompensating() {
		return s, apperrors.Inapplicable("order is %s, %s does not apply", s, trigger)
	}
	return s, apperrors.OutOfOrder("order is %s, %s needs one of %v", s, trigger, t.from)
}

// Transition is one entry of an order's history.
type Transition struct {
	From    OrderState `json:"from"`
	To      OrderState `json:"to"`
	Trigger Trigger    `json:"trigger"`
	At      time.Time  `json:"at"`
}
