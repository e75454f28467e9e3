package channel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/nicotrack/internal/db"
)

// Sender is implemented by EmailSender and WebhookSender.
type Sender interface {
	Send(ctx context.Context, item *db.QueueItem) Result
	SupportsChannel(ch db.Channel) bool
}

// Dispatcher routes queue items to the sender for their channel.
type Dispatcher struct {
	senders []Sender
	logger  *zap.Logger
}

// NewDispatcher creates a router over senders. The first sender that
// supports a channel wins.
func NewDispatcher(logger *zap.Logger, senders ...Sender) *Dispatcher {
	return &Dispatcher{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the item to the appropriate sender based on channel.
// An unroutable channel is a permanent failure.
func (d *Dispatcher) Send(ctx context.Context, item *db.QueueItem) Result {
	for _, sender := range d.senders {
		if sender.SupportsChannel(item.Channel) {
			d.logger.Debug("routing notification to sender",
				zap.String("channel", string(item.Channel)),
				zap.String("notification_id", item.ID.String()),
			)
			return sender.Send(ctx, item)
		}
	}
	return Fail(fmt.Errorf("no sender found for channel: %s", item.Channel))
}

// SupportsChannel checks if any underlying sender supports the channel.
func (d *Dispatcher) SupportsChannel(ch db.Channel) bool {
	for _, sender := range d.senders {
		if sender.SupportsChannel(ch) {
			return true
		}
	}
	return false
}
