package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmehdipour/shop-saga/internal/apperr"
	"github.com/jmehdipour/shop-saga/internal/metrics"
	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmehdipour/shop-saga/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultMaxRetries = 3

// Service is the ledger: it keeps one non-negative balance per user and
// answers payment requests with a PaymentStatus outbox entry.
// Balance writes use the account version as an optimistic lock.
type Service struct {
	tx       repository.TxBeginner
	accounts repository.AccountsRepository
	outbox   repository.OutboxRepository
	log      *zap.Logger

	maxRetries int
}

type Option func(*Service)

// WithMaxRetries bounds the read-modify-write attempts of one balance change.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// New constructs the payments service.
func New(
	tx repository.TxBeginner,
	accountsRepo repository.AccountsRepository,
	outboxRepo repository.OutboxRepository,
	log *zap.Logger,
	opts ...Option,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		tx:         tx,
		accounts:   accountsRepo,
		outbox:     outboxRepo,
		log:        log.With(zap.String("component", "payments")),
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreateAccount(ctx context.Context, userID int64) (*model.Account, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", apperr.ErrValidation)
	}
	a, err := s.accounts.Insert(ctx, nil, userID)
	if err != nil {
		return nil, err
	}
	s.log.Info("account created", zap.Int64("user_id", userID))
	return a, nil
}

// Deposit adds amount to the user's balance. A stale version is retried up
// to maxRetries times before apperr.ErrConflict is returned.
func (s *Service) Deposit(ctx context.Context, userID int64, amount decimal.Decimal) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than zero", apperr.ErrValidation)
	}
	amount = amount.Round(2)

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		var out *model.Account
		err := repository.WithinTx(ctx, s.tx, func(tx repository.Tx) error {
			a, err := s.accounts.GetByUserID(ctx, tx, userID)
			if err != nil {
				return err
			}
			next := a.Balance.Add(amount)
			if err := s.accounts.CompareAndSwapBalance(ctx, tx, a.ID, a.Version, next); err != nil {
				return err
			}
			a.Balance = next
			a.Version++
			out = a
			return nil
		})
		if err == nil {
			s.log.Info("deposit applied",
				zap.Int64("user_id", userID),
				zap.String("amount", amount.StringFixed(2)),
				zap.Int("attempt", attempt))
			return out, nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return nil, err
		}
		metrics.LedgerConflictsTotal.WithLabelValues("deposit").Inc()
		s.log.Debug("deposit version conflict, retrying", zap.Int64("user_id", userID), zap.Int("attempt", attempt))
	}
	return nil, fmt.Errorf("deposit for user %d after %d attempts: %w", userID, s.maxRetries, apperr.ErrConflict)
}

func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Account, error) {
	return s.accounts.GetByUserID(ctx, nil, userID)
}

// HandlePaymentRequest decides the outcome of one OrderCreated and records it
// as exactly one PaymentStatus outbox entry, in the same transaction as the
// debit when there is one.
//
// A request whose status was already recorded returns apperr.ErrDuplicate and
// changes nothing. Business failures produce a CANCELLED status. Any other
// failure still tries to record CANCELLED with an internal error message; only
// when that write fails too is the error returned, leaving the request for
// redelivery.
func (s *Service) HandlePaymentRequest(ctx context.Context, req model.OrderCreatedEvent) (model.PaymentStatus, error) {
	log := s.log.With(zap.String("order_id", req.OrderID), zap.Int64("user_id", req.UserID))

	var cause error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		st, reason, err := s.decide(ctx, req)
		if err == nil {
			metrics.SagaOutcomesTotal.WithLabelValues(st.Status.String(), reason).Inc()
			log.Info("payment request handled",
				zap.String("status", st.Status.String()),
				zap.String("message", st.Message))
			return st, nil
		}
		if errors.Is(err, apperr.ErrDuplicate) {
			log.Info("payment request already handled")
			return model.PaymentStatus{}, err
		}
		cause = err
		if !errors.Is(err, apperr.ErrConflict) {
			break
		}
		metrics.LedgerConflictsTotal.WithLabelValues("debit").Inc()
		log.Debug("debit version conflict, retrying", zap.Int("attempt", attempt))
	}

	log.Error("payment request failed, cancelling order", zap.Error(cause))
	st := model.PaymentStatus{OrderID: req.OrderID, Status: model.OrderCancelled, Message: model.MsgInternalError}
	err := repository.WithinTx(ctx, s.tx, func(tx repository.Tx) error {
		return s.appendStatus(ctx, tx, st)
	})
	switch {
	case err == nil:
		metrics.SagaOutcomesTotal.WithLabelValues(st.Status.String(), "internal_error").Inc()
		return st, nil
	case errors.Is(err, apperr.ErrDuplicate):
		return model.PaymentStatus{}, err
	default:
		return model.PaymentStatus{}, fmt.Errorf("record internal failure: %w (cause: %v)", err, cause)
	}
}

// decide runs one attempt of the payment transaction.
func (s *Service) decide(ctx context.Context, req model.OrderCreatedEvent) (model.PaymentStatus, string, error) {
	var (
		st     model.PaymentStatus
		reason string
	)
	err := repository.WithinTx(ctx, s.tx, func(tx repository.Tx) error {
		done, err := s.outbox.Exists(ctx, tx, model.AggregatePayment, req.OrderID, model.EventPaymentStatus)
		if err != nil {
			return fmt.Errorf("check outbox: %w", err)
		}
		if done {
			return fmt.Errorf("%w: payment for order %s", apperr.ErrDuplicate, req.OrderID)
		}

		st = model.PaymentStatus{OrderID: req.OrderID}
		a, err := s.accounts.GetByUserID(ctx, tx, req.UserID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			st.Status, st.Message, reason = model.OrderCancelled, model.MsgAccountNotFound, "account_not_found"
		case err != nil:
			return fmt.Errorf("load account: %w", err)
		case a.Balance.LessThan(req.Amount):
			st.Status, st.Message, reason = model.OrderCancelled, model.MsgInsufficientFunds, "insufficient_funds"
		default:
			if err := s.accounts.CompareAndSwapBalance(ctx, tx, a.ID, a.Version, a.Balance.Sub(req.Amount)); err != nil {
				return fmt.Errorf("debit: %w", err)
			}
			st.Status, st.Message, reason = model.OrderFinished, model.MsgPaymentSuccessful, "paid"
		}
		return s.appendStatus(ctx, tx, st)
	})
	return st, reason, err
}

func (s *Service) appendStatus(ctx context.Context, tx repository.Tx, st model.PaymentStatus) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal PaymentStatus: %w", err)
	}
	_, err = s.outbox.Append(ctx, tx, model.OutboxEntry{
		AggregateID:   st.OrderID,
		AggregateType: model.AggregatePayment,
		EventType:     model.EventPaymentStatus,
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}
