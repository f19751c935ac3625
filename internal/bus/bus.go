// Package bus is the contract between the services and the message broker.
// Delivery is at-least-once: a Handler may see the same message more than once.
package bus

import "context"

type Message struct {
	Topic   string
	Key     []byte // partitioning key; the aggregate id keeps one order's events in sequence
	Payload []byte
	Headers map[string]string
}

// Header names set by the relay.
const (
	HeaderEventType = "event-type"
	HeaderOutboxID  = "outbox-id"
)

type Publisher interface {
	// Publish returns only after the broker acknowledged the message.
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one delivery attempt. A nil error acknowledges the message;
// an error leaves it for redelivery.
type Handler func(ctx context.Context, msg Message) error

type Subscriber interface {
	// Subscribe delivers messages of topic to h on behalf of consumer group and
	// blocks until ctx is cancelled or the transport fails.
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// Bus is a transport able to both publish and subscribe.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
