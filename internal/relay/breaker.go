package relay

import (
	"errors"
	"time"

	"github.com/jmehdipour/shop-saga/internal/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// newBreaker guards the broker publishes of one relay. After threshold
// consecutive failures it opens for openFor; then a single trial publish
// decides whether it closes again. Entries refused while open stay pending.
func newBreaker(service string, threshold int, openFor time.Duration, log *zap.Logger) *gobreaker.CircuitBreaker {
	if openFor <= 0 {
		openFor = 15 * time.Second
	}
	metrics.RelayBreakerState.WithLabelValues(service).Set(float64(gobreaker.StateClosed))

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service + "-publish",
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RelayBreakerState.WithLabelValues(service).Set(float64(to))
			log.Warn("publish breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

func refusedByBreaker(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
