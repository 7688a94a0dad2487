package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/zoff-tech/go-fulfillment/pkg/config"
)

// ErrDeclined is a final refusal by the gateway. Any other gateway error is
// treated as transient.
var ErrDeclined = errors.New("payment declined")

// Gateway charges and refunds an order. Implementations must be idempotent
// per order: charging an already charged order succeeds without a second charge.
type Gateway interface {
	Charge(ctx context.Context, orderID int, amount decimal.Decimal) error
	Refund(ctx context.Context, orderID int, amount decimal.Decimal) error
}

// ConfiguredGateway approves or declines according to PaymentSettings.
type ConfiguredGateway struct {
	succeed   bool
	maxAmount decimal.NullDecimal

	mu      sync.Mutex
	charged map[int]decimal.Decimal
}

func NewConfiguredGateway(cfg config.PaymentSettings) (*ConfiguredGateway, error) {
	g := &ConfiguredGateway{succeed: cfg.Succeed, charged: make(map[int]decimal.Decimal)}
	if cfg.MaxAmount != "" {
		limit, err := decimal.NewFromString(cfg.MaxAmount)
		if err != nil {
			return nil, fmt.Errorf("invalid payment max_amount %q: %w", cfg.MaxAmount, err)
		}
		g.maxAmount = decimal.NewNullDecimal(limit)
	}
	return g, nil
}

func (g *ConfiguredGateway) Charge(ctx context.Context, orderID int, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.charged[orderID]; ok {
		return nil
	}
	if !g.succeed {
		return fmt.Errorf("order %d: %w", orderID, ErrDeclined)
	}
	if g.maxAmount.Valid && amount.GreaterThan(g.maxAmount.Decimal) {
		return fmt.Errorf("order %d: amount %s over limit %s: %w", orderID, amount, g.maxAmount.Decimal, ErrDeclined)
	}
	g.charged[orderID] = amount
	return nil
}

func (g *ConfiguredGateway) Refund(ctx context.Context, orderID int, _ decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.charged, orderID)
	return nil
}

// Charged returns the amount held for orderID.
func (g *ConfiguredGateway) Charged(orderID int) (decimal.Decimal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	amount, ok := g.charged[orderID]
	return amount, ok
}
