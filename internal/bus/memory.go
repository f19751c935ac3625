package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus. Every topic is an append-only log and every
// consumer group keeps its own offset, so groups see all messages and a failed
// delivery is retried until the handler accepts it.
type MemoryBus struct {
	mu      sync.Mutex
	logs    map[string][]Message
	offsets map[string]int
	notify  chan struct{}

	RedeliveryDelay time.Duration
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		logs:            make(map[string][]Message),
		offsets:         make(map[string]int),
		notify:          make(chan struct{}),
		RedeliveryDelay: 10 * time.Millisecond,
	}
}

var _ Bus = (*MemoryBus)(nil)

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.logs[msg.Topic] = append(b.logs[msg.Topic], cloneMessage(msg))
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
	return nil
}

// Published returns every message ever published to topic.
func (b *MemoryBus) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, len(b.logs[topic]))
	copy(out, b.logs[topic])
	return out
}

// Poll delivers the group's pending messages on topic once each, in order.
// It stops at the first handler error; that message stays pending.
func (b *MemoryBus) Poll(ctx context.Context, topic, group string, h Handler) (int, error) {
	delivered := 0
	for {
		msg, ok := b.next(topic, group)
		if !ok {
			return delivered, nil
		}
		if err := h(ctx, msg); err != nil {
			return delivered, err
		}
		b.advance(topic, group)
		delivered++
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	for {
		b.mu.Lock()
		wait := b.notify
		b.mu.Unlock()

		if _, err := b.Poll(ctx, topic, group, h); err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.RedeliveryDelay):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wait:
		}
	}
}

func (b *MemoryBus) Close() error { return nil }

func (b *MemoryBus) next(topic, group string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	off := b.offsets[topic+"|"+group]
	log := b.logs[topic]
	if off >= len(log) {
		return Message{}, false
	}
	return cloneMessage(log[off]), true
}

func (b *MemoryBus) advance(topic, group string) {
	b.mu.Lock()
	b.offsets[topic+"|"+group]++
	b.mu.Unlock()
}

func cloneMessage(m Message) Message {
	out := Message{Topic: m.Topic}
	out.Key = append([]byte(nil), m.Key...)
	out.Payload = append([]byte(nil), m.Payload...)
	if m.Headers != nil {
		out.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
