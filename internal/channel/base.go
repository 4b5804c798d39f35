package channel

import (
	"context"
	"log/slog"

	"github.com/stellarlinkco/chatfight/internal/bus"
	"github.com/stellarlinkco/chatfight/internal/logging"
)

// Channel is a chat service that feeds the bus.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

type BaseChannel struct {
	name   string
	bus    *bus.MessageBus
	logger *slog.Logger
}

func NewBaseChannel(name string, b *bus.MessageBus, logger *slog.Logger) BaseChannel {
	return BaseChannel{
		name:   name,
		bus:    b,
		logger: logging.OrDiscard(logger).With("channel", name),
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

// publish hands a message to the bus, giving up when ctx is done.
func (c *BaseChannel) publish(ctx context.Context, msg bus.InboundMessage) bool {
	select {
	case c.bus.Inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
