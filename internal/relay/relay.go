// Package relay moves outbox entries onto the message bus.
//
// Delivery is at-least-once: an entry is marked processed only after the
// broker acknowledged it, so a crash between the two steps republishes it.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jmehdipour/shop-saga/internal/bus"
	"github.com/jmehdipour/shop-saga/internal/metrics"
	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmehdipour/shop-saga/internal/repository"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	ErrRelayRunning = errors.New("relay is already running")
	ErrNoRoute      = errors.New("no topic configured for event type")
)

type Config struct {
	Service        string        // orders | payments, used in logs, metrics and the archive
	Interval       time.Duration // default 5s
	BatchSize      int           // default 100
	PublishTimeout time.Duration // default 5s
	Routes         map[model.EventType]string

	// BreakerThreshold consecutive publish failures open the breaker for
	// BreakerOpenFor. Zero disables it.
	BreakerThreshold int
	BreakerOpenFor   time.Duration
}

// TickResult counts what one pass over the outbox did.
type TickResult struct {
	Fetched    int
	Published  int
	Failed     int
	MarkFailed int
	Skipped    int
}

type Relay struct {
	outbox  repository.OutboxRepository
	pub     bus.Publisher
	archive repository.EventArchive
	log     *zap.Logger
	cfg     Config
	br      *gobreaker.CircuitBreaker
	running atomic.Bool
	now     func() time.Time
}

type Option func(*Relay)

// WithArchive copies every published entry into a as a best-effort side effect.
func WithArchive(a repository.EventArchive) Option {
	return func(r *Relay) { r.archive = a }
}

func New(outbox repository.OutboxRepository, pub bus.Publisher, cfg Config, log *zap.Logger, opts ...Option) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	log = log.With(zap.String("component", "relay"), zap.String("service", cfg.Service))
	r := &Relay{
		outbox: outbox,
		pub:    pub,
		log:    log,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if cfg.BreakerThreshold > 0 {
		r.br = newBreaker(cfg.Service, cfg.BreakerThreshold, cfg.BreakerOpenFor, log)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ticks immediately and then every Interval until ctx is cancelled.
// Only one Run may be active per Relay.
func (r *Relay) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRelayRunning
	}
	defer r.running.Store(false)

	r.log.Info("relay started", zap.Duration("interval", r.cfg.Interval), zap.Int("batch_size", r.cfg.BatchSize))
	defer r.log.Info("relay stopped")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("relay tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick publishes one batch of unprocessed entries in outbox order.
func (r *Relay) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	defer func() {
		metrics.RelayTickSeconds.WithLabelValues(r.cfg.Service).Observe(time.Since(start).Seconds())
	}()

	var res TickResult

	entries, err := r.outbox.FetchUnprocessed(ctx, r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("fetch unprocessed: %w", err)
	}
	res.Fetched = len(entries)

	var archived []repository.ArchivedEvent
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}

		topic, ok := r.cfg.Routes[e.EventType]
		if !ok || topic == "" {
			// unrouted entries never reach the breaker
			res.Failed++
			metrics.OutboxEventsTotal.WithLabelValues(r.cfg.Service, "unrouted").Inc()
			r.log.Error("entry stays pending",
				zap.Int64("outbox_id", e.ID),
				zap.String("aggregate_id", e.AggregateID),
				zap.Error(fmt.Errorf("%w: %s", ErrNoRoute, e.EventType)))
			continue
		}

		err := r.guarded(func() error { return r.publish(ctx, topic, e) })
		if refusedByBreaker(err) {
			res.Skipped++
			metrics.OutboxEventsTotal.WithLabelValues(r.cfg.Service, "skipped").Inc()
			continue
		}
		if err != nil {
			res.Failed++
			metrics.OutboxEventsTotal.WithLabelValues(r.cfg.Service, "failed").Inc()
			r.log.Warn("publish failed, entry stays pending",
				zap.Int64("outbox_id", e.ID),
				zap.String("event_type", e.EventType.String()),
				zap.String("aggregate_id", e.AggregateID),
				zap.Error(err))
			continue
		}
		res.Published++
		metrics.OutboxEventsTotal.WithLabelValues(r.cfg.Service, "published").Inc()

		if err := r.outbox.MarkProcessed(ctx, e.ID); err != nil {
			res.MarkFailed++
			metrics.OutboxEventsTotal.WithLabelValues(r.cfg.Service, "mark_failed").Inc()
			r.log.Error("entry published but not marked processed; it will be published again",
				zap.Int64("outbox_id", e.ID), zap.Error(err))
		}

		if r.archive != nil {
			archived = append(archived, repository.ArchivedFromEntry(r.cfg.Service, topic, e, r.now()))
		}
	}

	if len(archived) > 0 {
		if err := r.archive.Archive(ctx, archived); err != nil {
			r.log.Warn("archive published events failed", zap.Int("count", len(archived)), zap.Error(err))
		}
	}

	if res.Fetched > 0 {
		r.log.Debug("relay tick",
			zap.Int("fetched", res.Fetched),
			zap.Int("published", res.Published),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped))
	}
	return res, nil
}

// guarded runs fn through the breaker when one is configured.
func (r *Relay) guarded(fn func() error) error {
	if r.br == nil {
		return fn()
	}
	_, err := r.br.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (r *Relay) publish(ctx context.Context, topic string, e model.OutboxEntry) error {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	err := r.pub.Publish(pctx, bus.Message{
		Topic:   topic,
		Key:     []byte(e.AggregateID),
		Payload: e.Payload,
		Headers: map[string]string{
			bus.HeaderEventType: e.EventType.String(),
			bus.HeaderOutboxID:  r.cfg.Service + "-" + strconv.FormatInt(e.ID, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
