// Package rabbitmq is the AMQP transport: a durable topic exchange, routing
// key = topic, and one durable queue per (consumer group, topic) so every
// group sees every message.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmehdipour/shop-saga/internal/bus"
	"github.com/jmehdipour/shop-saga/internal/worker"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	ErrNotConfirmed = errors.New("rabbitmq: broker did not confirm publish")
	// ErrReconnecting is returned by Publish while the publish channel is down
	// and the next reopen attempt is not due yet.
	ErrReconnecting = errors.New("rabbitmq: reconnecting")

	errDeliveriesClosed = errors.New("rabbitmq: delivery channel closed")
)

type Config struct {
	URL           string
	Exchange      string        // default "shop.events"
	Prefetch      int           // default 1
	DialAttempts  int           // default 10
	DialRetryWait time.Duration // default 2s; also the first reopen delay
	MaxRetryWait  time.Duration // default 30s

	// Bindings are declared on every connect so messages published before the
	// consumer first starts are queued instead of dropped.
	Bindings []Binding
}

type Binding struct {
	Topic string
	Group string
}

// publishChannel is a channel in confirm mode. publish returns once the
// broker confirmed the message.
type publishChannel interface {
	publish(ctx context.Context, exchange, key string, p amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type Bus struct {
	cfg Config
	log *zap.Logger

	connMu sync.Mutex
	conn   *amqp.Connection

	mu       sync.Mutex // guards pub and the reopen state; confirms are matched per channel
	pub      publishChannel
	openPub  func() (publishChannel, error)
	retry    backoff.BackOff
	nextOpen time.Time
	now      func() time.Time
}

var _ bus.Bus = (*Bus)(nil)

func withDefaults(cfg Config) Config {
	if cfg.Exchange == "" {
		cfg.Exchange = "shop.events"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 10
	}
	if cfg.DialRetryWait <= 0 {
		cfg.DialRetryWait = 2 * time.Second
	}
	if cfg.MaxRetryWait < cfg.DialRetryWait {
		cfg.MaxRetryWait = 30 * time.Second
	}
	return cfg
}

func newBus(cfg Config, log *zap.Logger, openPub func() (publishChannel, error)) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = withDefaults(cfg)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.DialRetryWait
	retry.MaxInterval = cfg.MaxRetryWait
	retry.MaxElapsedTime = 0
	retry.Reset()

	return &Bus{
		cfg:     cfg,
		log:     log.With(zap.String("bus", "rabbitmq")),
		openPub: openPub,
		retry:   retry,
		now:     time.Now,
	}
}

// Dial connects, retrying while the broker is still starting, declares the
// topology and opens the publishing channel in confirm mode.
func Dial(cfg Config, log *zap.Logger) (*Bus, error) {
	b := newBus(cfg, log, nil)
	b.openPub = b.openConfirmChannel

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(b.cfg.DialRetryWait), uint64(b.cfg.DialAttempts-1))
	err := backoff.RetryNotify(b.connect, policy, func(err error, wait time.Duration) {
		b.log.Warn("connect failed, retrying", zap.Duration("retry_in", wait), zap.Error(err))
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	_, err = b.publishChannel()
	b.mu.Unlock()
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// connect (re)dials when there is no live connection and declares the
// exchange and every binding on the fresh connection.
func (b *Bus) connect() error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.connectLocked()
}

func (b *Bus) connectLocked() error {
	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	if err := declareTopology(conn, b.cfg); err != nil {
		_ = conn.Close()
		return err
	}
	b.conn = conn
	b.log.Info("connected")
	return nil
}

func (b *Bus) channel() (*amqp.Channel, error) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

func declareTopology(conn *amqp.Connection, cfg Config) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declareExchange(ch, cfg.Exchange); err != nil {
		return err
	}
	for _, bd := range cfg.Bindings {
		if err := declareQueue(ch, cfg.Exchange, bd.Topic, bd.Group); err != nil {
			return err
		}
	}
	return nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,    // name
		"topic", // kind
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

func queueName(topic, group string) string {
	return group + "." + topic
}

func declareQueue(ch *amqp.Channel, exchange, topic, group string) error {
	queue := queueName(topic, group)
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, topic, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	return nil
}

type confirmChannel struct {
	*amqp.Channel
}

func (c confirmChannel) publish(ctx context.Context, exchange, key string, p amqp.Publishing) error {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx,
		exchange, // exchange
		key,      // routing key
		false,    // mandatory
		false,    // immediate
		p)
	if err != nil {
		return err
	}

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm: %w", err)
	}
	if !ok {
		return ErrNotConfirmed
	}
	return nil
}

func (b *Bus) openConfirmChannel() (publishChannel, error) {
	ch, err := b.channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if e, ok := <-closed; ok {
			b.log.Warn("publish channel closed by broker", zap.Error(e))
		}
	}()
	return confirmChannel{ch}, nil
}

// publishChannel returns the live confirm channel, reopening it once the
// previous one was closed. Reopen attempts are spaced by b.retry; callers
// in between get ErrReconnecting. b.mu must be held.
func (b *Bus) publishChannel() (publishChannel, error) {
	if b.pub != nil && !b.pub.IsClosed() {
		return b.pub, nil
	}
	b.pub = nil

	if now := b.now(); now.Before(b.nextOpen) {
		return nil, fmt.Errorf("%w: next attempt in %s", ErrReconnecting, b.nextOpen.Sub(now).Round(time.Millisecond))
	}

	ch, err := b.openPub()
	if err != nil {
		wait := b.retry.NextBackOff()
		b.nextOpen = b.now().Add(wait)
		b.log.Warn("open publish channel failed", zap.Duration("retry_in", wait), zap.Error(err))
		return nil, fmt.Errorf("open publish channel: %w", err)
	}

	b.retry.Reset()
	b.nextOpen = time.Time{}
	b.pub = ch
	return ch, nil
}

// Publish returns after the broker confirmed the message. A channel the
// broker closed is dropped and reopened by a later call.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.publishChannel()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	if err := ch.publish(ctx, b.cfg.Exchange, msg.Topic, toPublishing(msg)); err != nil {
		if ch.IsClosed() {
			b.pub = nil
		}
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// consume opens a fresh channel consuming the group's queue for topic.
func (b *Bus) consume(topic, group string) (io.Closer, <-chan amqp.Delivery, error) {
	ch, err := b.channel()
	if err != nil {
		return nil, nil, err
	}

	queue := queueName(topic, group)
	if err := declareQueue(ch, b.cfg.Exchange, topic, group); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack: acked by the worker after the handler succeeded
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return ch, deliveries, nil
}

func (b *Bus) Subscribe(ctx context.Context, topic, group string, h bus.Handler) error {
	log := b.log.With(zap.String("topic", topic), zap.String("group", group))

	src := &source{
		topic: topic,
		log:   log,
		open: func() (io.Closer, <-chan amqp.Delivery, error) {
			return b.consume(topic, group)
		},
	}
	if err := src.connect(); err != nil {
		return err
	}

	log.Info("consumer started")
	defer log.Info("consumer stopped")
	return worker.NewConsumer(src, h, log).Run(ctx)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.pub != nil {
		_ = b.pub.Close()
		b.pub = nil
	}
	b.mu.Unlock()

	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

// source resubscribes after the broker closed its channel. Unacked
// deliveries of the old channel are requeued by the broker.
type source struct {
	topic string
	log   *zap.Logger
	open  func() (io.Closer, <-chan amqp.Delivery, error)

	ch         io.Closer
	deliveries <-chan amqp.Delivery
}

func (s *source) connect() error {
	ch, deliveries, err := s.open()
	if err != nil {
		return err
	}
	s.ch, s.deliveries = ch, deliveries
	return nil
}

// Fetch fails with a retryable error while the subscription is down; the
// worker backs off and calls again.
func (s *source) Fetch(ctx context.Context) (worker.Delivery, error) {
	if s.deliveries == nil {
		if err := s.connect(); err != nil {
			return worker.Delivery{}, fmt.Errorf("resubscribe %s: %w", s.topic, err)
		}
		s.log.Info("resubscribed")
	}

	select {
	case <-ctx.Done():
		return worker.Delivery{}, ctx.Err()
	case d, ok := <-s.deliveries:
		if !ok {
			s.reset()
			return worker.Delivery{}, errDeliveriesClosed
		}
		return worker.Delivery{
			Message: fromDelivery(s.topic, d),
			Ack: func(context.Context) error {
				return d.Ack(false)
			},
		}, nil
	}
}

func (s *source) reset() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	s.ch, s.deliveries = nil, nil
}

func (s *source) Close() error {
	if s.ch == nil {
		return nil
	}
	err := s.ch.Close()
	s.ch, s.deliveries = nil, nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func toPublishing(msg bus.Message) amqp.Publishing {
	headers := amqp.Table{"key": string(msg.Key)}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		MessageId:    msg.Headers[bus.HeaderOutboxID],
		Type:         msg.Headers[bus.HeaderEventType],
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         msg.Payload,
	}
}

func fromDelivery(topic string, d amqp.Delivery) bus.Message {
	out := bus.Message{Topic: topic, Payload: d.Body}
	for k, v := range d.Headers {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == "key" {
			out.Key = []byte(s)
			continue
		}
		if out.Headers == nil {
			out.Headers = make(map[string]string, len(d.Headers))
		}
		out.Headers[k] = s
	}
	return out
}
