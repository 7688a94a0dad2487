package command

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
)

// Logging opens a span per command and logs its outcome.
func Logging(logger *zap.Logger) Middleware {
	logger = logging.OrNop(logger)
	tracer := otel.Tracer("go-fulfillment/command")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd Command) (Reply, error) {
			ctx, span := tracer.Start(ctx, "Dispatch "+cmd.Type, trace.WithAttributes(
				attribute.String("command.type", cmd.Type),
				attribute.String("command.request_id", cmd.RequestID),
			))
			defer span.End()

			started := time.Now()
			reply, err := next(ctx, cmd)

			fields := []zap.Field{
				zap.String("command_type", cmd.Type),
				zap.String("request_id", cmd.RequestID),
				zap.String("status", string(reply.Status)),
				zap.Duration("duration", time.Since(started)),
			}
			l := logging.WithTrace(ctx, logger)
			switch {
			case err == nil:
				span.SetAttributes(attribute.String("command.status", string(reply.Status)))
				l.Debug("command handled", fields...)
			case apperrors.IsRejection(err):
				l.Info("command rejected", append(fields, zap.Error(err))...)
			case apperrors.IsRetriable(err):
				l.Warn("command failed, retriable", append(fields, zap.Error(err))...)
			default:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				l.Error("command failed", append(fields, zap.Error(err))...)
			}
			return reply, err
		}
	}
}

var validate = validator.New()

// RequireEnvelope rejects commands without a request id or type.
func RequireEnvelope() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd Command) (Reply, error) {
			if cmd.RequestID == "" {
				return Reply{Status: StatusRejected}, apperrors.Validation("request id is required")
			}
			if cmd.Type == "" {
				return Reply{Status: StatusRejected}, apperrors.Validation("command type is required")
			}
			return next(ctx, cmd)
		}
	}
}

// Validate decodes the payload into T and checks its validate tags before
// the handler runs.
func Validate[T any]() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd Command) (Reply, error) {
			v, err := Decode[T](cmd)
			if err != nil {
				return Reply{Status: StatusRejected}, err
			}
			if err := validate.Struct(v); err != nil {
				return Reply{Status: StatusRejected}, apperrors.Validation(err.Error())
			}
			return next(ctx, cmd)
		}
	}
}
