package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-fulfillment/pkg/app"
	"github.com/zoff-tech/go-fulfillment/pkg/broker"
	"github.com/zoff-tech/go-fulfillment/pkg/catalog"
	"github.com/zoff-tech/go-fulfillment/pkg/command"
	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/pkg/ordering"
	"github.com/zoff-tech/go-fulfillment/pkg/saga"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
)

const (
	demoOrderID   = 1
	demoProductID = 1
	demoStock     = 5
	demoTimeout   = 10 * time.Second
)

type DemoOptions struct {
	Units   int
	Decline bool
	Verbose bool
}

// RunDemo starts catalog, ordering and payment on memory stores joined by a
// memory broker, places one order and prints its saga until it settles.
func RunDemo(ctx context.Context, out io.Writer, opts DemoOptions) error {
	logger := zap.NewNop()
	if opts.Verbose {
		l, err := logging.New(config.LoggingSettings{Level: "debug", Format: "console"}, "")
		if err != nil {
			return err
		}
		logger = l
	}

	ctx, cancel := context.WithTimeout(ctx, demoTimeout)
	defer cancel()

	b := broker.NewMemoryBroker(50*time.Millisecond, logger)
	defer closeQuietly(logger, "broker", b.Close)

	services := make(map[string]*app.Service)
	for _, name := range []string{"catalog", "ordering", "payment"} {
		svc, err := app.NewService(demoSettings(name, opts), store.NewMemoryStore().Backend(), b, logger)
		if err != nil {
			return err
		}
		services[name] = svc
	}

	runCtx, stop := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(runCtx)
	for _, svc := range services {
		svc := svc
		g.Go(func() error { return svc.Run(runCtx) })
		select {
		case <-svc.Ready():
		case <-runCtx.Done():
			stop()
			return errors.Join(runCtx.Err(), g.Wait())
		}
	}

	err := placeDemoOrder(ctx, out, services, opts)
	stop()
	return errors.Join(err, g.Wait())
}

func placeDemoOrder(ctx context.Context, out io.Writer, services map[string]*app.Service, opts DemoOptions) error {
	cmd, err := command.New("demo-order-1", ordering.CommandCreateOrder, ordering.CreateOrder{
		OrderID: demoOrderID,
		BuyerID: "demo-buyer",
		Items: []saga.OrderItem{
			{ProductID: demoProductID, Units: opts.Units, UnitPrice: decimal.RequireFromString("9.99")},
		},
	})
	if err != nil {
		return err
	}
	reply, err := services["ordering"].Dispatch(ctx, cmd)
	if err != nil {
		return fmt.Errorf("placing order: %w", err)
	}
	fmt.Fprintf(out, "order %d placed: %s %s\n", demoOrderID, reply.Status, reply.Result)

	orders := services["ordering"].Ordering()
	seen := 0
	cancelled := false
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		o, err := orders.Order(ctx, demoOrderID)
		if err != nil {
			return err
		}
		for _, tr := range o.History[seen:] {
			fmt.Fprintf(out, "  %-16s -> %-16s (%s)\n", tr.From, tr.To, tr.Trigger)
		}
		seen = len(o.History)
		if o.State.IsTerminal() || o.State == saga.Paid {
			fmt.Fprintf(out, "order %d is %s, total %s\n", o.ID, o.State, o.Total)
			cancelled = o.State == saga.Cancelled
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("order %d stuck in %s: %w", o.ID, o.State, ctx.Err())
		case <-ticker.C:
		}
	}

	if cancelled {
		if err := awaitRelease(ctx, services["catalog"].Catalog(), ticker.C); err != nil {
			return err
		}
	}
	product, err := services["catalog"].Catalog().Product(ctx, demoProductID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "catalog stock of %q: %d\n", product.Name, product.AvailableStock)
	if p, err := services["payment"].Payment().Payment(ctx, demoOrderID); err == nil {
		fmt.Fprintf(out, "payment: %s %s\n", p.Status, p.Amount)
	}
	return nil
}

// awaitRelease waits until catalog holds no stock for the cancelled order.
// A rejected reservation never took any.
func awaitRelease(ctx context.Context, c *catalog.Service, tick <-chan time.Time) error {
	for {
		r, err := c.Reservation(ctx, demoOrderID)
		if err == nil && r.Status != catalog.Reserved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("stock of order %d never released: %w", demoOrderID, ctx.Err())
		case <-tick:
		}
	}
}

func demoSettings(service string, opts DemoOptions) *config.Settings {
	cfg := config.Default()
	cfg.Service = service
	cfg.Publisher.PollInterval = 20 * time.Millisecond
	cfg.Publisher.RetryBackoff = 20 * time.Millisecond
	cfg.Idempotency.PollInterval = 5 * time.Millisecond
	cfg.OperatorReportInterval = 0
	cfg.Payment.Succeed = !opts.Decline
	cfg.Catalog.Products = []config.ProductSeed{{ID: demoProductID, Name: "demo mug", Stock: demoStock}}
	return cfg
}
