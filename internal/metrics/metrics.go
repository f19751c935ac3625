package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OutboxEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_outbox_events_total",
			Help: "Outbox entries handled by the relay by service and result",
		},
		[]string{"service", "result"}, // orders|payments , published|failed|unrouted|mark_failed|skipped
	)

	RelayTickSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shop_relay_tick_seconds",
			Help:    "Duration of one relay tick",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	RelayBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shop_relay_breaker_state",
			Help: "Relay publish breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"service"},
	)

	SagaOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_saga_outcomes_total",
			Help: "Payment request outcomes by status and reason",
		},
		[]string{"status", "reason"},
	)

	LedgerConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_ledger_conflicts_total",
			Help: "Optimistic version conflicts on account writes",
		},
		[]string{"op"}, // deposit|debit
	)

	ConsumedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shop_consumed_messages_total",
			Help: "Bus deliveries handled by consumers",
		},
		[]string{"topic", "result"}, // ok|dropped|retry
	)
)

var registerOnce sync.Once

// MustRegister registers all collectors once; serve and worker commands may both call it.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			OutboxEventsTotal,
			RelayTickSeconds,
			RelayBreakerState,
			SagaOutcomesTotal,
			LedgerConflictsTotal,
			ConsumedMessagesTotal,
		)
	})
}
