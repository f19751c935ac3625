package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jmehdipour/shop-saga/internal/apperr"
	"github.com/jmehdipour/shop-saga/internal/metrics"
	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmehdipour/shop-saga/internal/repository"
	"github.com/jmehdipour/shop-saga/internal/repository/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFunded(t *testing.T, s *memory.Store, userID int64, balance string) *Service {
	t.Helper()
	svc := New(s, s.Accounts(), s.Outbox(), nil)
	_, err := svc.CreateAccount(context.Background(), userID)
	require.NoError(t, err)
	if balance != "0" {
		_, err = svc.Deposit(context.Background(), userID, dec(balance))
		require.NoError(t, err)
	}
	return svc
}

func statusEntries(t *testing.T, s *memory.Store) []model.PaymentStatus {
	t.Helper()
	var out []model.PaymentStatus
	for _, e := range s.OutboxSnapshot() {
		if e.EventType != model.EventPaymentStatus {
			continue
		}
		assert.Equal(t, model.AggregatePayment, e.AggregateType)
		st, err := model.DecodePaymentStatus(e.Payload)
		require.NoError(t, err)
		out = append(out, st)
	}
	return out
}

// conflictingAccounts fails the first n balance writes with a version conflict.
type conflictingAccounts struct {
	repository.AccountsRepository
	n     int32
	calls atomic.Int32
}

func (a *conflictingAccounts) CompareAndSwapBalance(ctx context.Context, tx repository.Tx, id, version int64, bal decimal.Decimal) error {
	if a.calls.Add(1) <= a.n {
		return fmt.Errorf("account %d: %w", id, apperr.ErrConflict)
	}
	return a.AccountsRepository.CompareAndSwapBalance(ctx, tx, id, version, bal)
}

type brokenAccounts struct {
	repository.AccountsRepository
}

func (brokenAccounts) GetByUserID(context.Context, repository.Tx, int64) (*model.Account, error) {
	return nil, errors.New("bad connection")
}

type brokenOutbox struct {
	repository.OutboxRepository
}

func (brokenOutbox) Append(context.Context, repository.Tx, model.OutboxEntry) (int64, error) {
	return 0, errors.New("bad connection")
}

func TestCreateAccount(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	svc := New(s, s.Accounts(), s.Outbox(), nil)

	a, err := svc.CreateAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())

	_, err = svc.CreateAccount(ctx, 1)
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)

	_, err = svc.CreateAccount(ctx, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDeposit(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	svc := newFunded(t, s, 1, "100")

	a, err := svc.Deposit(ctx, 1, dec("25.50"))
	require.NoError(t, err)
	assert.Equal(t, "125.50", a.Balance.StringFixed(2))

	got, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(dec("125.50")))
	assert.Equal(t, int64(2), got.Version)

	_, err = svc.Deposit(ctx, 2, dec("1"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.Deposit(ctx, 1, dec("-1"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDepositRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	_, err := s.Accounts().Insert(ctx, nil, 1)
	require.NoError(t, err)

	accts := &conflictingAccounts{AccountsRepository: s.Accounts(), n: 2}
	svc := New(s, accts, s.Outbox(), nil)

	a, err := svc.Deposit(ctx, 1, dec("10"))
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("10")))
	assert.Equal(t, int32(3), accts.calls.Load())
}

func TestDepositGivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	_, err := s.Accounts().Insert(ctx, nil, 1)
	require.NoError(t, err)

	accts := &conflictingAccounts{AccountsRepository: s.Accounts(), n: 100}
	svc := New(s, accts, s.Outbox(), nil)

	_, err = svc.Deposit(ctx, 1, dec("10"))
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, int32(DefaultMaxRetries), accts.calls.Load())

	a, err := s.Accounts().GetByUserID(ctx, nil, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())
}

func TestHandlePaymentRequestSuccess(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	svc := newFunded(t, s, 1, "100")

	st, err := svc.HandlePaymentRequest(ctx, model.OrderCreatedEvent{OrderID: "o-1", UserID: 1, Amount: dec("50")})
	require.NoError(t, err)
	assert.Equal(t, model.OrderFinished, st.Status)
	assert.Equal(t, model.MsgPaymentSuccessful, st.Message)

	a, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("50")))

	entries := statusEntries(t, s)
	require.Len(t, entries, 1)
	assert.Equal(t, st, entries[0])
}

func TestHandlePaymentRequestInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	svc := newFunded(t, s, 1, "100")

	st, err := svc.HandlePaymentRequest(ctx, model.OrderCreatedEvent{OrderID: "o-1", UserID: 1, Amount: dec("150")})
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, st.Status)
	assert.Equal(t, model.MsgInsufficientFunds, st.Message)

	a, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("100")))
	assert.Len(t, statusEntries(t, s), 1)
}

func TestHandlePaymentRequestExactBalance(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	svc := newFunded(t, s, 1, "100")

	st, err := svc.HandlePaymentRequest(ctx, model.OrderCreatedEvent{OrderID: "o-1", UserID: 1, Amount: dec("100")})
	require.NoError(t, err)
	assert.Equal(t, model.OrderFinished, st.Status)

	a, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())
}

func TestHandlePaymentRequestNoAccount(t *testing.T) {
	s := memory.NewStore()
	svc := New(s, s.Accounts(), s.Outbox(), nil)

	st, err := svc.HandlePaymentRequest(context.Background(), model.OrderCreatedEvent{OrderID: "o-1", UserID: 9, Amount: dec("1")})
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, st.Status)
	assert.Equal(t, model.MsgAccountNotFound, st.Message)
	assert.Len(t, statusEntries(t, s), 1)
}

func TestHandlePaymentRequestRedeliveryDoesNotDebitTwice(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	svc := newFunded(t, s, 1, "100")
	req := model.OrderCreatedEvent{OrderID: "o-1", UserID: 1, Amount: dec("30")}

	_, err := svc.HandlePaymentRequest(ctx, req)
	require.NoError(t, err)
	_, err = svc.HandlePaymentRequest(ctx, req)
	assert.ErrorIs(t, err, apperr.ErrDuplicate)

	a, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("70")))
	assert.Len(t, statusEntries(t, s), 1)
}

func TestHandlePaymentRequestConflictsExhausted(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	newFunded(t, s, 1, "100")

	accts := &conflictingAccounts{AccountsRepository: s.Accounts(), n: 100}
	svc := New(s, accts, s.Outbox(), nil)

	st, err := svc.HandlePaymentRequest(ctx, model.OrderCreatedEvent{OrderID: "o-1", UserID: 1, Amount: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, st.Status)
	assert.Equal(t, model.MsgInternalError, st.Message)

	a, err := s.Accounts().GetByUserID(ctx, nil, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("100")))
	assert.Len(t, statusEntries(t, s), 1)
}

func TestHandlePaymentRequestUnexpectedErrorStillCancels(t *testing.T) {
	s := memory.NewStore()
	svc := New(s, brokenAccounts{s.Accounts()}, s.Outbox(), nil)

	st, err := svc.HandlePaymentRequest(context.Background(), model.OrderCreatedEvent{OrderID: "o-1", UserID: 1, Amount: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, st.Status)
	assert.Equal(t, model.MsgInternalError, st.Message)
}

func TestHandlePaymentRequestStoreFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	newFunded(t, s, 1, "100")
	svc := New(s, s.Accounts(), brokenOutbox{s.Outbox()}, nil)

	_, err := svc.HandlePaymentRequest(ctx, model.OrderCreatedEvent{OrderID: "o-1", UserID: 1, Amount: dec("10")})
	require.Error(t, err)

	a, err := s.Accounts().GetByUserID(ctx, nil, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("100")), "debit must roll back with the outbox write")
	assert.Empty(t, statusEntries(t, s))
}

// lockstepAccounts holds the first reads inside a tx until parties of them
// arrived, so their balance writes race on the same version.
type lockstepAccounts struct {
	repository.AccountsRepository

	mu      sync.Mutex
	parties int
	arrived int
	all     chan struct{}
}

func lockstep(inner repository.AccountsRepository, parties int) *lockstepAccounts {
	return &lockstepAccounts{AccountsRepository: inner, parties: parties, all: make(chan struct{})}
}

func (a *lockstepAccounts) GetByUserID(ctx context.Context, tx repository.Tx, userID int64) (*model.Account, error) {
	acc, err := a.AccountsRepository.GetByUserID(ctx, tx, userID)
	if tx == nil {
		return acc, err
	}

	a.mu.Lock()
	wait := a.arrived < a.parties
	if wait {
		a.arrived++
		if a.arrived == a.parties {
			close(a.all)
		}
	}
	a.mu.Unlock()

	if wait {
		select {
		case <-a.all:
		case <-ctx.Done():
		}
	}
	return acc, err
}

func conflicts(op string) float64 {
	return testutil.ToFloat64(metrics.LedgerConflictsTotal.WithLabelValues(op))
}

func racingService(t *testing.T, balance string, parties int, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	s := memory.NewStore(memory.Interleaved())
	newFunded(t, s, 1, balance)
	return New(s, lockstep(s.Accounts(), parties), s.Outbox(), nil, opts...), s
}

func TestConcurrentDepositsAreNotLost(t *testing.T) {
	ctx := context.Background()
	svc, _ := racingService(t, "0", 2)
	before := conflicts("deposit")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Deposit(ctx, 1, dec("10.00"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	a, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("20.00")), "balance %s", a.Balance)
	assert.Equal(t, int64(2), a.Version)
	assert.Equal(t, 1.0, conflicts("deposit")-before, "the losing deposit retries once")
}

func TestConcurrentDepositAndDebit(t *testing.T) {
	ctx := context.Background()
	svc, s := racingService(t, "10.00", 2)
	before := conflicts("deposit") + conflicts("debit")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.Deposit(ctx, 1, dec("5.00"))
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		st, err := svc.HandlePaymentRequest(ctx, model.OrderCreatedEvent{OrderID: "o-1", UserID: 1, Amount: dec("8.00")})
		if assert.NoError(t, err) {
			assert.Equal(t, model.OrderFinished, st.Status)
		}
	}()
	wg.Wait()

	a, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("7.00")), "balance %s", a.Balance)
	assert.Equal(t, 1.0, conflicts("deposit")+conflicts("debit")-before)
	assert.Len(t, statusEntries(t, s), 1)
}

func TestConcurrentPaymentsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	const requests = 5
	svc, s := racingService(t, "100", requests, WithMaxRetries(requests))
	before := conflicts("debit")

	var (
		wg       sync.WaitGroup
		finished atomic.Int32
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := svc.HandlePaymentRequest(ctx, model.OrderCreatedEvent{
				OrderID: fmt.Sprintf("o-%d", i),
				UserID:  1,
				Amount:  dec("30"),
			})
			if assert.NoError(t, err) && st.Status == model.OrderFinished {
				finished.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), finished.Load())
	a, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("10")), "balance %s", a.Balance)
	assert.GreaterOrEqual(t, conflicts("debit")-before, float64(requests-1))

	var cancelled int
	for _, st := range statusEntries(t, s) {
		if st.Status == model.OrderCancelled {
			assert.Equal(t, model.MsgInsufficientFunds, st.Message)
			cancelled++
		}
	}
	assert.Equal(t, requests-3, cancelled)
}
