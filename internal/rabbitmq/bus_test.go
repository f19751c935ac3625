package rabbitmq

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jmehdipour/shop-saga/internal/bus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishingRoundTrip(t *testing.T) {
	in := bus.Message{
		Topic:   "payment.status",
		Key:     []byte("01HZZ"),
		Payload: []byte(`{"orderId":"01HZZ","status":"FINISHED"}`),
		Headers: map[string]string{bus.HeaderEventType: "PaymentStatus", bus.HeaderOutboxID: "payments-3"},
	}

	p := toPublishing(in)
	assert.Equal(t, "payments-3", p.MessageId)
	assert.Equal(t, "PaymentStatus", p.Type)
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)

	out := fromDelivery("payment.status", amqp.Delivery{Headers: p.Headers, Body: p.Body})
	assert.Equal(t, in, out)
}

// fakeChannel fails the publish that closes it, as the broker does on restart.
type fakeChannel struct {
	failNext bool
	closed   bool
	sent     []string
}

func (c *fakeChannel) publish(_ context.Context, _, key string, _ amqp.Publishing) error {
	if c.closed {
		return amqp.ErrClosed
	}
	if c.failNext {
		c.closed = true
		return amqp.ErrClosed
	}
	c.sent = append(c.sent, key)
	return nil
}

func (c *fakeChannel) IsClosed() bool { return c.closed }
func (c *fakeChannel) Close() error { c.closed = true; return nil }

func TestPublishReopensChannelAfterBrokerClose(t *testing.T) {
	first := &fakeChannel{}
	second := &fakeChannel{}

	var (
		opens  int
		downed bool
	)
	open := func() (publishChannel, error) {
		opens++
		switch {
		case opens == 1:
			return first, nil
		case downed:
			return nil, errors.New("connection refused")
		default:
			return second, nil
		}
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newBus(Config{DialRetryWait: time.Second}, nil, open)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, bus.Message{Topic: "payment.request"}))
	assert.Equal(t, []string{"payment.request"}, first.sent)

	first.failNext = true
	downed = true
	require.Error(t, b.Publish(ctx, bus.Message{Topic: "payment.request"}))

	// broker still down: one reopen attempt, then callers wait out the backoff
	require.Error(t, b.Publish(ctx, bus.Message{Topic: "payment.request"}))
	assert.Equal(t, 2, opens)
	err := b.Publish(ctx, bus.Message{Topic: "payment.request"})
	require.ErrorIs(t, err, ErrReconnecting)
	assert.Equal(t, 2, opens)

	downed = false
	now = now.Add(time.Minute)
	require.NoError(t, b.Publish(ctx, bus.Message{Topic: "payment.status"}))
	assert.Equal(t, 3, opens)
	assert.Equal(t, []string{"payment.status"}, second.sent)

	require.NoError(t, b.Publish(ctx, bus.Message{Topic: "payment.status"}))
	assert.Equal(t, 3, opens)
}

type nopCloser struct{ closed bool }

func (c *nopCloser) Close() error { c.closed = true; return nil }

type ackRecorder struct{ acked []uint64 }

func (a *ackRecorder) Ack(tag uint64, _ bool) error { a.acked = append(a.acked, tag); return nil }
func (a *ackRecorder) Nack(uint64, bool, bool) error { return nil }
func (a *ackRecorder) Reject(uint64, bool) error { return nil }

func TestSourceResubscribesAfterChannelClose(t *testing.T) {
	dead := make(chan amqp.Delivery)
	close(dead)

	acks := &ackRecorder{}
	live := make(chan amqp.Delivery, 1)
	live <- amqp.Delivery{
		Acknowledger: acks,
		DeliveryTag:  7,
		Headers:      amqp.Table{"key": "01HZZ"},
		Body:         []byte(`{}`),
	}

	firstCh, secondCh := &nopCloser{}, &nopCloser{}
	var opens int
	src := &source{
		topic: "payment.request",
		log:   zap.NewNop(),
		open: func() (io.Closer, <-chan amqp.Delivery, error) {
			opens++
			switch opens {
			case 1:
				return firstCh, dead, nil
			case 2:
				return nil, nil, errors.New("connection refused")
			default:
				return secondCh, live, nil
			}
		},
	}
	require.NoError(t, src.connect())
	ctx := context.Background()

	_, err := src.Fetch(ctx)
	require.ErrorIs(t, err, errDeliveriesClosed)
	assert.True(t, firstCh.closed)

	_, err = src.Fetch(ctx)
	require.Error(t, err)

	d, err := src.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("01HZZ"), d.Message.Key)
	require.NoError(t, d.Ack(ctx))
	assert.Equal(t, []uint64{7}, acks.acked)

	require.NoError(t, src.Close())
	assert.True(t, secondCh.closed)
}
