package kafka

import (
	"context"
	"time"

	"github.com/jmehdipour/shop-saga/internal/bus"
	"github.com/jmehdipour/shop-saga/internal/worker"
	"go.uber.org/zap"
)

type Config struct {
	Brokers        []string
	MinBytes       int
	MaxBytes       int
	CommitInterval time.Duration
	MaxWait        time.Duration
	BatchTimeout   time.Duration
	WriteTimeout   time.Duration
}

// Bus is the Kafka transport: one shared Producer and one Reader per Subscribe.
type Bus struct {
	cfg      Config
	producer *Producer
	log      *zap.Logger
}

var _ bus.Bus = (*Bus)(nil)

func NewBus(cfg Config, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		cfg: cfg,
		producer: NewProducer(ProducerConfig{
			Brokers:      cfg.Brokers,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}),
		log: log.With(zap.String("bus", "kafka")),
	}
}

func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	return b.producer.Publish(ctx, msg)
}

func (b *Bus) Subscribe(ctx context.Context, topic, group string, h bus.Handler) error {
	c := NewConsumerFromConfig(ConsumerConfig{
		Brokers:        b.cfg.Brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       b.cfg.MinBytes,
		MaxBytes:       b.cfg.MaxBytes,
		CommitInterval: b.cfg.CommitInterval,
		MaxWait:        b.cfg.MaxWait,
	})

	log := b.log.With(zap.String("topic", topic), zap.String("group", group))
	log.Info("consumer started")
	defer log.Info("consumer stopped")

	return worker.NewConsumer(c, h, log).Run(ctx)
}

func (b *Bus) Close() error {
	return b.producer.Close()
}
