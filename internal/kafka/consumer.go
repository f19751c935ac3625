package kafka

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/jmehdipour/shop-saga/internal/bus"
	"github.com/jmehdipour/shop-saga/internal/worker"
	"github.com/segmentio/kafka-go"
)

type ConsumerConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int           // default 1KB
	MaxBytes       int           // default 10MB
	CommitInterval time.Duration // 0 = commit synchronously per message
	MaxWait        time.Duration // default 50ms
}

// Consumer is a thin wrapper around segmentio/kafka-go Reader and serves as a
// worker.Source: offsets are committed only when a delivery is acked.
type Consumer struct {
	r *kafka.Reader
}

var _ worker.Source = (*Consumer)(nil)

func NewConsumerFromConfig(c ConsumerConfig) *Consumer {
	min := c.MinBytes
	if min <= 0 {
		min = 1 << 10 // 1KB
	}
	max := c.MaxBytes
	if max <= 0 {
		max = 10 << 20 // 10MB
	}
	mw := c.MaxWait
	if mw <= 0 {
		mw = 50 * time.Millisecond
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       min,
		MaxBytes:       max,
		CommitInterval: c.CommitInterval,
		MaxWait:        mw,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{r: r}
}

func (c *Consumer) Fetch(ctx context.Context) (worker.Delivery, error) {
	m, err := c.r.FetchMessage(ctx)
	if errors.Is(err, io.EOF) {
		return worker.Delivery{}, worker.ErrSourceClosed
	}
	if err != nil {
		return worker.Delivery{}, err
	}
	return worker.Delivery{
		Message: fromKafka(m),
		Ack: func(ctx context.Context) error {
			return c.r.CommitMessages(ctx, m)
		},
	}, nil
}

func (c *Consumer) Close() error { return c.r.Close() }

func fromKafka(m kafka.Message) bus.Message {
	out := bus.Message{
		Topic:   m.Topic,
		Key:     m.Key,
		Payload: m.Value,
	}
	if len(m.Headers) > 0 {
		out.Headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			out.Headers[h.Key] = string(h.Value)
		}
	}
	return out
}

func toKafka(msg bus.Message) kafka.Message {
	km := kafka.Message{
		Topic: msg.Topic,
		Key:   msg.Key,
		Value: msg.Payload,
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return km
}
