package saga

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
)

var allStates = []OrderState{Created, StockPending, StockConfirmed, StockRejected, PaymentPending, Paid, PaymentFailed, Shipped, Cancelled}

var allTriggers = []Trigger{
	TriggerStart, TriggerStockConfirmed, TriggerStockRejected, TriggerRequestPayment,
	TriggerPaymentSucceeded, TriggerPaymentFailed, TriggerShip, TriggerCancel,
}

func TestNext_IsMonotonic(t *testing.T) {
	for _, s := range allStates {
		for _, tr := range allTriggers {
			next, err := s.Next(tr)
			if err != nil {
				assert.Equal(t, s, next, "%s on %s", tr, s)
				assert.True(t, apperrors.IsRejection(err) || apperrors.IsRetriable(err))
				continue
			}
			assert.Greater(t, next.Rank(), s.Rank(), "%s on %s", tr, s)
			assert.False(t, s.IsTerminal(), "%s left terminal %s", tr, s)
		}
	}
}

func TestNext_TerminalStatesAreFinal(t *testing.T) {
	for _, s := range []OrderState{Shipped, Cancelled} {
		for _, tr := range allTriggers {
			_, err := s.Next(tr)
			assert.ErrorIs(t, err, apperrors.ErrInapplicable)
		}
	}
}

func TestNext_HappyPath(t *testing.T) {
	s := Created
	for _, step := range []struct {
		trigger Trigger
		want    OrderState
	}{
		{TriggerStart, StockPending},
		{TriggerStockConfirmed, StockConfirmed},
		{TriggerRequestPayment, PaymentPending},
		{TriggerPaymentSucceeded, Paid},
		{TriggerShip, Shipped},
	} {
		next, err := s.Next(step.trigger)
		require.NoError(t, err)
		assert.Equal(t, step.want, next)
		s = next
	}
}

func TestNext_StaleAndPremature(t *testing.T) {
	tests := []struct {
		name    string
		state   OrderState
		trigger Trigger
		want    error
	}{
		{"stock confirmed twice", PaymentPending, TriggerStockConfirmed, apperrors.ErrInapplicable},
		{"stock confirmed after rejection", StockRejected, TriggerStockConfirmed, apperrors.ErrInapplicable},
		{"paid before stock", StockPending, TriggerPaymentSucceeded, apperrors.ErrOutOfOrder},
		{"paid twice", Paid, TriggerPaymentSucceeded, apperrors.ErrInapplicable},
		{"ship before payment", PaymentPending, TriggerShip, apperrors.ErrOutOfOrder},
		{"ship after failed payment", PaymentFailed, TriggerShip, apperrors.ErrInapplicable},
		{"cancel after payment", Paid, TriggerCancel, apperrors.ErrInapplicable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := tt.state.Next(tt.trigger)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.state, next)
		})
	}
}

func TestNext_Compensation(t *testing.T) {
	for _, s := range []OrderState{StockRejected, PaymentFailed, Created, StockPending, StockConfirmed, PaymentPending} {
		next, err := s.Next(TriggerCancel)
		require.NoError(t, err, s)
		assert.Equal(t, Cancelled, next)
	}
	assert.True(t, StockRejected.IsCompensating())
	assert.False(t, Paid.IsCompensating())
}

func TestNext_UnknownTrigger(t *testing.T) {
	_, err := Created.Next("teleport")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.False(t, OrderState("lost").IsValid())
	assert.Equal(t, -1, OrderState("lost").Rank())
}

func TestTotal(t *testing.T) {
	items := []OrderItem{
		{ProductID: 1, Units: 3, UnitPrice: decimal.RequireFromString("9.99")},
		{ProductID: 2, Units: 1, UnitPrice: decimal.RequireFromString("0.03")},
	}
	assert.True(t, decimal.RequireFromString("30.00").Equal(Total(items)))
	assert.Equal(t, "order-7", AggregateID(7))
}
