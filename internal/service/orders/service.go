package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/shop-saga/internal/apperr"
	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmehdipour/shop-saga/internal/repository"
	"github.com/jmehdipour/shop-saga/internal/util"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultListLimit = 50

// Service owns the order lifecycle. Every state change that other services
// must learn about is written to the outbox in the same transaction.
type Service struct {
	tx     repository.TxBeginner
	orders repository.OrdersRepository
	outbox repository.OutboxRepository
	log    *zap.Logger
	now    func() time.Time
}

// New constructs the orders service.
func New(
	tx repository.TxBeginner,
	ordersRepo repository.OrdersRepository,
	outboxRepo repository.OutboxRepository,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		tx:     tx,
		orders: ordersRepo,
		outbox: outboxRepo,
		log:    log.With(zap.String("component", "orders")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder validates the amount, generates a ULID and writes the CREATED
// order plus its OrderCreated outbox entry within a single transaction.
func (s *Service) CreateOrder(ctx context.Context, userID int64, amount decimal.Decimal) (*model.Order, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", apperr.ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than zero", apperr.ErrValidation)
	}
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount rounds to zero", apperr.ErrValidation)
	}

	now := s.now()
	order := model.Order{
		ID:        util.NewID(),
		UserID:    userID,
		Amount:    amount,
		Status:    model.OrderCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	payload, err := json.Marshal(model.OrderCreatedEvent{
		OrderID: order.ID,
		UserID:  order.UserID,
		Amount:  order.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal OrderCreated: %w", err)
	}

	err = repository.WithinTx(ctx, s.tx, func(tx repository.Tx) error {
		if err := s.orders.Insert(ctx, tx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if _, err := s.outbox.Append(ctx, tx, model.OutboxEntry{
			AggregateID:   order.ID,
			AggregateType: model.AggregateOrder,
			EventType:     model.EventOrderCreated,
			Payload:       payload,
		}); err != nil {
			return fmt.Errorf("append outbox: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.Int64("user_id", userID),
		zap.String("amount", amount.StringFixed(2)))
	return &order, nil
}

// GetOrder returns the order if it belongs to userID.
func (s *Service) GetOrder(ctx context.Context, orderID string, userID int64) (*model.Order, error) {
	o, err := s.orders.Get(ctx, nil, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("%w: order %s", apperr.ErrForbidden, orderID)
	}
	return o, nil
}

// ListOrders returns the user's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID int64, limit, offset int) ([]model.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.orders.ListByUser(ctx, userID, limit, offset)
}

// ApplyPaymentStatus moves a CREATED order to the terminal status reported by
// payments. An order that is already terminal is left untouched, so
// redelivered or conflicting statuses are no-ops. Unknown ids return
// apperr.ErrNotFound.
func (s *Service) ApplyPaymentStatus(ctx context.Context, orderID string, status model.OrderStatus, message string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: status %q is not terminal", apperr.ErrValidation, status)
	}

	return repository.WithinTx(ctx, s.tx, func(tx repository.Tx) error {
		o, err := s.orders.Get(ctx, tx, orderID)
		if err != nil {
			return err
		}

		if !o.Status.CanTransitionTo(status) {
			s.log.Info("payment status ignored, order already final",
				zap.String("order_id", orderID),
				zap.String("current", o.Status.String()),
				zap.String("received", status.String()))
			return nil
		}

		changed, err := s.orders.UpdateStatus(ctx, tx, orderID, o.Status, status, message)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		if !changed {
			// lost a race with another delivery of the same status
			return nil
		}

		s.log.Info("order finalized",
			zap.String("order_id", orderID),
			zap.String("status", status.String()),
			zap.String("message", message))
		return nil
	})
}
