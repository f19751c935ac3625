// Package saga holds the bus handlers that carry an order from CREATED to a
// final state. The two sides never call each other; they only exchange
// OrderCreated and PaymentStatus events.
package saga

import (
	"errors"
	"fmt"

	"github.com/jmehdipour/shop-saga/internal/apperr"
	"github.com/jmehdipour/shop-saga/internal/bus"
	"github.com/jmehdipour/shop-saga/internal/metrics"
	"github.com/jmehdipour/shop-saga/internal/model"
	"go.uber.org/zap"
)

// checkEventType rejects a delivery whose event-type header names another event.
// Messages without the header are accepted.
func checkEventType(msg bus.Message, want model.EventType) error {
	if got, ok := msg.Headers[bus.HeaderEventType]; ok && got != want.String() {
		return fmt.Errorf("%w: expected %s, got %s", apperr.ErrPoisonMessage, want, got)
	}
	return nil
}

// settle turns a handler outcome into the bus acknowledgement: poison and
// permanently unprocessable messages are acknowledged and dropped, anything
// else is returned for redelivery.
func settle(log *zap.Logger, msg bus.Message, err error) error {
	switch {
	case err == nil:
		metrics.ConsumedMessagesTotal.WithLabelValues(msg.Topic, "ok").Inc()
		return nil
	case errors.Is(err, apperr.ErrPoisonMessage):
		metrics.ConsumedMessagesTotal.WithLabelValues(msg.Topic, "dropped").Inc()
		log.Warn("dropping poison message",
			zap.String("topic", msg.Topic),
			zap.ByteString("key", msg.Key),
			zap.Error(err))
		return nil
	default:
		metrics.ConsumedMessagesTotal.WithLabelValues(msg.Topic, "retry").Inc()
		return err
	}
}
