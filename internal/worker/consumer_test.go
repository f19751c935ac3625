package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/shop-saga/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	mu     sync.Mutex
	msgs   []bus.Message
	next   int
	acked  []string
	closed bool
}

func (s *sliceSource) Fetch(ctx context.Context) (Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.msgs) {
		return Delivery{}, ErrSourceClosed
	}
	m := s.msgs[s.next]
	s.next++
	return Delivery{
		Message: m,
		Ack: func(context.Context) error {
			s.mu.Lock()
			s.acked = append(s.acked, string(m.Key))
			s.mu.Unlock()
			return nil
		},
	}, nil
}

func (s *sliceSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func TestConsumerAcksInOrderAfterRetry(t *testing.T) {
	src := &sliceSource{msgs: []bus.Message{
		{Topic: "t", Key: []byte("a")},
		{Topic: "t", Key: []byte("b")},
		{Topic: "t", Key: []byte("c")},
	}}

	var (
		seen     []string
		failures = 2
	)
	h := func(_ context.Context, m bus.Message) error {
		seen = append(seen, string(m.Key))
		if string(m.Key) == "b" && failures > 0 {
			failures--
			return errors.New("transient")
		}
		return nil
	}

	c := NewConsumer(src, h, nil)
	c.MinBackoff = time.Millisecond
	c.MaxBackoff = 2 * time.Millisecond

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrSourceClosed)

	assert.Equal(t, []string{"a", "b", "b", "b", "c"}, seen)
	assert.Equal(t, []string{"a", "b", "c"}, src.acked)
	assert.True(t, src.closed)
}

func TestConsumerStopsOnCancelWhileRetrying(t *testing.T) {
	src := &sliceSource{msgs: []bus.Message{{Topic: "t", Key: []byte("a")}}}
	h := func(context.Context, bus.Message) error { return errors.New("down") }

	c := NewConsumer(src, h, nil)
	c.MinBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, c.Run(ctx))
	assert.Empty(t, src.acked)
	assert.True(t, src.closed)
}

type flakySource struct {
	sliceSource
	failures int
}

func (s *flakySource) Fetch(ctx context.Context) (Delivery, error) {
	if s.failures > 0 {
		s.failures--
		return Delivery{}, errors.New("broker unavailable")
	}
	return s.sliceSource.Fetch(ctx)
}

func TestConsumerRetriesFailedFetch(t *testing.T) {
	src := &flakySource{
		sliceSource: sliceSource{msgs: []bus.Message{{Topic: "t", Key: []byte("a")}}},
		failures:    3,
	}
	h := func(context.Context, bus.Message) error { return nil }

	c := NewConsumer(src, h, nil)
	c.FetchBackoff = time.Millisecond
	c.MaxBackoff = 2 * time.Millisecond

	require.ErrorIs(t, c.Run(context.Background()), ErrSourceClosed)
	assert.Zero(t, src.failures)
	assert.Equal(t, []string{"a"}, src.acked)
	assert.True(t, src.closed)
}
