// Package logging builds the zap loggers used across the services.
package logging

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zoff-tech/go-fulfillment/pkg/config"
)

// New creates a structured logger for service from the logging settings.
func New(cfg config.LoggingSettings, service string) (*zap.Logger, error) {
	var base zap.Config
	if cfg.Format == "console" {
		base = zap.NewDevelopmentConfig()
	} else {
		base = zap.NewProductionConfig()
		base.Encoding = "json"
	}
	base.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	base.EncoderConfig.TimeKey = "timestamp"
	base.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	base.DisableStacktrace = true

	if cfg.Level != "" {
		var level zapcore.Level
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		base.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := base.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// WithTrace adds the trace and span ids of the active span in ctx, if any.
func WithTrace(ctx context.Context, l *zap.Logger) *zap.Logger {
	l = OrNop(l)
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return l.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
