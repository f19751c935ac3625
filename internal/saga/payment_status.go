package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmehdipour/shop-saga/internal/apperr"
	"github.com/jmehdipour/shop-saga/internal/bus"
	"github.com/jmehdipour/shop-saga/internal/model"
	"go.uber.org/zap"
)

type StatusApplier interface {
	ApplyPaymentStatus(ctx context.Context, orderID string, status model.OrderStatus, message string) error
}

// PaymentStatusHandler runs on the orders side and finalizes orders.
type PaymentStatusHandler struct {
	orders StatusApplier
	log    *zap.Logger
}

func NewPaymentStatusHandler(o StatusApplier, log *zap.Logger) *PaymentStatusHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentStatusHandler{orders: o, log: log.With(zap.String("handler", "payment_status"))}
}

func (h *PaymentStatusHandler) Handle(ctx context.Context, msg bus.Message) error {
	return settle(h.log, msg, h.handle(ctx, msg))
}

func (h *PaymentStatusHandler) handle(ctx context.Context, msg bus.Message) error {
	if err := checkEventType(msg, model.EventPaymentStatus); err != nil {
		return err
	}
	st, err := model.DecodePaymentStatus(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w: PaymentStatus: %v", apperr.ErrPoisonMessage, err)
	}

	err = h.orders.ApplyPaymentStatus(ctx, st.OrderID, st.Status, st.Message)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperr.ErrNotFound):
		// retrying cannot make the order appear
		h.log.Warn("payment status for unknown order", zap.String("order_id", st.OrderID))
		return nil
	default:
		h.log.Error("payment status left for redelivery", zap.String("order_id", st.OrderID), zap.Error(err))
		return err
	}
}
