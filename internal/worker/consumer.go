// Package worker runs the consume loop shared by the broker transports.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmehdipour/shop-saga/internal/bus"
	"go.uber.org/zap"
)

// ErrSourceClosed is returned by a Source whose underlying stream ended.
var ErrSourceClosed = errors.New("source closed")

// Delivery is one fetched message. Ack commits it so it is not delivered
// again to the same consumer group.
type Delivery struct {
	Message bus.Message
	Ack     func(ctx context.Context) error
}

// Source is a broker stream bound to one topic and consumer group.
type Source interface {
	Fetch(ctx context.Context) (Delivery, error)
	Close() error
}

// Consumer fetches deliveries one at a time, hands them to the handler and
// acknowledges only after the handler returned nil. A failing delivery is
// retried in place with backoff, so later messages of the same partition
// never overtake it.
type Consumer struct {
	Source  Source
	Handler bus.Handler
	Log     *zap.Logger

	FetchBackoff time.Duration // first fetch retry delay, default 200ms
	MinBackoff   time.Duration // first handler retry delay, default 100ms
	MaxBackoff   time.Duration // cap for both, default 5s
}

func NewConsumer(src Source, h bus.Handler, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		Source:       src,
		Handler:      h,
		Log:          log,
		FetchBackoff: 200 * time.Millisecond,
		MinBackoff:   100 * time.Millisecond,
		MaxBackoff:   5 * time.Second,
	}
}

// Run blocks until ctx is cancelled. It closes the source on return.
func (c *Consumer) Run(ctx context.Context) error {
	if c.FetchBackoff <= 0 {
		c.FetchBackoff = 200 * time.Millisecond
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	defer func() {
		if err := c.Source.Close(); err != nil {
			c.Log.Warn("close source", zap.Error(err))
		}
	}()

	fetchRetry := backoff.WithContext(c.policy(c.FetchBackoff), ctx)
	for {
		d, err := c.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrSourceClosed) {
				return err
			}
			wait := fetchRetry.NextBackOff()
			if wait == backoff.Stop {
				return nil
			}
			c.Log.Warn("fetch failed", zap.Duration("retry_in", wait), zap.Error(err))
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		fetchRetry.Reset()

		if !c.process(ctx, d) {
			return nil
		}
	}
}

// policy never gives up; only ctx ends a retry loop.
func (c *Consumer) policy(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = c.MaxBackoff
	if b.MaxInterval < initial {
		b.MaxInterval = initial
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// process returns false once ctx is cancelled.
func (c *Consumer) process(ctx context.Context, d Delivery) bool {
	attempt := 0
	handle := func() error {
		attempt++
		return c.Handler(ctx, d.Message)
	}
	notify := func(err error, wait time.Duration) {
		c.Log.Warn("handler failed, retrying",
			zap.String("topic", d.Message.Topic),
			zap.ByteString("key", d.Message.Key),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(handle, backoff.WithContext(c.policy(c.MinBackoff), ctx), notify); err != nil {
		return false
	}

	if err := d.Ack(ctx); err != nil {
		// the message will come back; handlers are idempotent
		c.Log.Error("ack failed", zap.String("topic", d.Message.Topic), zap.Error(err))
	}
	return ctx.Err() == nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
