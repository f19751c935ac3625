package kafka

import (
	"context"
	"time"

	"github.com/jmehdipour/shop-saga/internal/bus"
	"github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	Brokers      []string
	BatchTimeout time.Duration // default 10ms; the relay publishes one message at a time
	WriteTimeout time.Duration // default 10s
}

// Producer writes to any topic named by the message. Publish waits for all
// in-sync replicas, so a nil error means the broker stored the message.
type Producer struct {
	w *kafka.Writer
}

var _ bus.Publisher = (*Producer)(nil)

func NewProducer(c ProducerConfig) *Producer {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 10 * time.Millisecond
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}

	return &Producer{w: &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           bt,
		WriteTimeout:           wt,
		AllowAutoTopicCreation: true,
	}}
}

func (p *Producer) Publish(ctx context.Context, msg bus.Message) error {
	return p.w.WriteMessages(ctx, toKafka(msg))
}

func (p *Producer) Close() error { return p.w.Close() }
