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

type PaymentProcessor interface {
	HandlePaymentRequest(ctx context.Context, req model.OrderCreatedEvent) (model.PaymentStatus, error)
}

// PaymentRequestHandler runs on the payments side and consumes OrderCreated.
type PaymentRequestHandler struct {
	payments PaymentProcessor
	log      *zap.Logger
}

func NewPaymentRequestHandler(p PaymentProcessor, log *zap.Logger) *PaymentRequestHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentRequestHandler{payments: p, log: log.With(zap.String("handler", "payment_request"))}
}

func (h *PaymentRequestHandler) Handle(ctx context.Context, msg bus.Message) error {
	return settle(h.log, msg, h.handle(ctx, msg))
}

func (h *PaymentRequestHandler) handle(ctx context.Context, msg bus.Message) error {
	if err := checkEventType(msg, model.EventOrderCreated); err != nil {
		return err
	}
	req, err := model.DecodeOrderCreated(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w: OrderCreated: %v", apperr.ErrPoisonMessage, err)
	}

	_, err = h.payments.HandlePaymentRequest(ctx, req)
	if errors.Is(err, apperr.ErrDuplicate) {
		return nil
	}
	if err != nil {
		h.log.Error("payment request left for redelivery", zap.String("order_id", req.OrderID), zap.Error(err))
		return err
	}
	return nil
}
