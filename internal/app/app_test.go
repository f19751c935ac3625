package app

import (
	"testing"
	"time"

	"github.com/jmehdipour/shop-saga/internal/config"
	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutesFromConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	routes := Routes(cfg)
	assert.Equal(t, "payment.request", routes[model.EventOrderCreated])
	assert.Equal(t, "payment.status", routes[model.EventPaymentStatus])
}

func TestRelayConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	rc := RelayConfig(cfg, Payments)
	assert.Equal(t, Payments, rc.Service)
	assert.Equal(t, 5*time.Second, rc.Interval)
	assert.Equal(t, 100, rc.BatchSize)
	assert.Equal(t, 5*time.Second, rc.PublishTimeout)
	assert.Zero(t, rc.BreakerThreshold)
}

func TestNewBusRejectsUnknownDriver(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Bus.Driver = "nats"
	_, err = NewBus(cfg, nil)
	assert.Error(t, err)

	cfg.Bus.Driver = "kafka"
	cfg.Bus.Kafka.Brokers = nil
	_, err = NewBus(cfg, nil)
	assert.Error(t, err)
}

func TestOpenRejectsUnknownService(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	_, err = Open(cfg, "billing", nil, OpenOptions{})
	assert.Error(t, err)
}
