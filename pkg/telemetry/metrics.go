package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/logging"
)

// MetricsProvider owns the meter provider and the Prometheus registry behind it.
type MetricsProvider struct {
	meterProvider *metric.MeterProvider
	registry      *prometheus.Registry
}

// InitMetrics creates a meter provider exporting to a private Prometheus registry
// and installs it as the global otel meter provider.
func InitMetrics(namespace string) (*MetricsProvider, error) {
	registry := prometheus.NewRegistry()

	opts := []promexporter.Option{promexporter.WithRegisterer(registry)}
	if namespace != "" {
		opts = append(opts, promexporter.WithNamespace(namespace))
	}
	exporter, err := promexporter.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(mp)

	return &MetricsProvider{meterProvider: mp, registry: registry}, nil
}

// Handler serves the registry in Prometheus exposition format.
func (p *MetricsProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MeterProvider returns the sdk meter provider.
func (p *MetricsProvider) MeterProvider() *metric.MeterProvider {
	return p.meterProvider
}

// Shutdown flushes and stops the meter provider.
func (p *MetricsProvider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (p *MetricsProvider) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	logger = logging.OrNop(logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
