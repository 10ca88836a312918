package messagebus

import (
	"context"

	"github.com/jordanhubbard/lomu/pkg/messages"
)

// EventPublisher abstracts event publishing for testability.
type EventPublisher interface {
	PublishEvent(ctx context.Context, origin, userID string, msg *messages.StreamMessage) error
}

// EventSubscriber abstracts event subscription for testability.
type EventSubscriber interface {
	SubscribeEvents(handler func(origin string, msg *messages.StreamMessage)) error
}

// Deliverer hands remote events to local subscribers without mirroring
// them again.
type Deliverer interface {
	Deliver(userID string, msg *messages.StreamMessage) bool
}

// Verify NatsMessageBus implements all interfaces at compile time.
var (
	_ EventPublisher  = (*NatsMessageBus)(nil)
	_ EventSubscriber = (*NatsMessageBus)(nil)
)
