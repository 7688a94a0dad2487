package command

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
)

// Bus routes commands by type to their handler pipeline.
type Bus struct {
	logger *zap.Logger
	common []Middleware

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewBus creates a bus whose common middlewares wrap every registered handler.
func NewBus(logger *zap.Logger, common ...Middleware) *Bus {
	return &Bus{
		logger:   logging.OrNop(logger),
		common:   common,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register installs h for commandType behind the common middlewares and then mws.
// Registering a type twice panics.
func (b *Bus) Register(commandType string, h HandlerFunc, mws ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[commandType]; ok {
		panic(fmt.Sprintf("command: handler for %q already registered", commandType))
	}
	chain := make([]Middleware, 0, len(b.common)+len(mws))
	chain = append(chain, b.common...)
	chain = append(chain, mws...)
	b.handlers[commandType] = Chain(h, chain...)
	b.logger.Debug("registered command handler", zap.String("command_type", commandType))
}

// Types lists the registered command types.
func (b *Bus) Types() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		types = append(types, t)
	}
	return types
}

// Dispatch runs the pipeline for cmd. Any error comes back with a rejected
// reply; callers tell retriable failures apart by the error.
func (b *Bus) Dispatch(ctx context.Context, cmd Command) (Reply, error) {
	b.mu.RLock()
	h, ok := b.handlers[cmd.Type]
	b.mu.RUnlock()
	if !ok {
		return Reply{Status: StatusRejected}, apperrors.Validation(fmt.Sprintf("no handler for command type %q", cmd.Type))
	}

	reply, err := h(ctx, cmd)
	if err != nil {
		reply.Status = StatusRejected
	}
	return reply, err
}
