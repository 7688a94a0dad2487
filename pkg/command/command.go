// Package command carries requests through an explicit middleware pipeline.
// Commands come from clients; saga participants turn integration events into
// commands so both paths share the idempotency guard.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
)

// Command is one request. RequestID is the deduplication key.
type Command struct {
	RequestID string    `json:"requestId"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	IssuedAt  time.Time `json:"issuedAt"`
}

type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

// Reply is what Dispatch returns. Result holds the handler's JSON result.
type Reply struct {
	Status Status `json:"status"`
	Result []byte `json:"result,omitempty"`
}

type Handler interface {
	Handle(ctx context.Context, cmd Command) (Reply, error)
}

type HandlerFunc func(ctx context.Context, cmd Command) (Reply, error)

func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (Reply, error) {
	return f(ctx, cmd)
}

// Middleware wraps a handler. The first middleware given to Chain runs first.
type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Accepted encodes v as the reply result.
func Accepted(v any) (Reply, error) {
	result, err := json.Marshal(v)
	if err != nil {
		return Reply{}, fmt.Errorf("encoding result: %w", err)
	}
	return Reply{Status: StatusAccepted, Result: result}, nil
}

// Decode unmarshals the payload into T. A malformed payload is a validation error.
func Decode[T any](cmd Command) (T, error) {
	var v T
	if err := json.Unmarshal(cmd.Payload, &v); err != nil {
		return v, apperrors.Validation(fmt.Sprintf("%s payload: %v", cmd.Type, err))
	}
	return v, nil
}

// New builds a command with a JSON payload.
func New(requestID, commandType string, payload any) (Command, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("encoding %s payload: %w", commandType, err)
	}
	return Command{RequestID: requestID, Type: commandType, Payload: body, IssuedAt: time.Now().UTC()}, nil
}
