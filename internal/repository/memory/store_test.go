package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmehdipour/shop-saga/internal/apperr"
	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmehdipour/shop-saga/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(aggID string, et model.EventType) model.OutboxEntry {
	return model.OutboxEntry{
		AggregateID:   aggID,
		AggregateType: model.AggregateOrder,
		EventType:     et,
		Payload:       []byte(`{}`),
	}
}

func TestRollbackUndoesEveryWrite(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	acc, err := s.Accounts().Insert(ctx, nil, 7)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = repository.WithinTx(ctx, s, func(tx repository.Tx) error {
		require.NoError(t, s.Orders().Insert(ctx, tx, model.Order{ID: "o-1", UserID: 7, Status: model.OrderCreated}))
		_, err := s.Outbox().Append(ctx, tx, entry("o-1", model.EventOrderCreated))
		require.NoError(t, err)
		require.NoError(t, s.Accounts().CompareAndSwapBalance(ctx, tx, acc.ID, 0, decimal.RequireFromString("5.00")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Orders().Get(ctx, nil, "o-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, s.OutboxSnapshot())

	got, err := s.Accounts().GetByUserID(ctx, nil, 7)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
	assert.Equal(t, int64(0), got.Version)

	// ids are not burned by a rolled back append
	id, err := s.Outbox().Append(ctx, nil, entry("o-2", model.EventOrderCreated))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestOutboxFIFOAndMarkProcessed(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	out := s.Outbox()

	for _, id := range []string{"a", "b", "c"} {
		_, err := out.Append(ctx, nil, entry(id, model.EventOrderCreated))
		require.NoError(t, err)
	}

	batch, err := out.FetchUnprocessed(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].AggregateID)
	assert.Equal(t, "b", batch[1].AggregateID)

	require.NoError(t, out.MarkProcessed(ctx, batch[0].ID))
	require.NoError(t, out.MarkProcessed(ctx, batch[0].ID))

	batch, err = out.FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "b", batch[0].AggregateID)
	assert.Equal(t, "c", batch[1].AggregateID)
}

func TestOutboxRejectsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.Outbox().Append(ctx, nil, entry("x", model.EventPaymentStatus))
	require.NoError(t, err)
	_, err = s.Outbox().Append(ctx, nil, entry("x", model.EventPaymentStatus))
	require.ErrorIs(t, err, apperr.ErrDuplicate)

	ok, err := s.Outbox().Exists(ctx, nil, model.AggregateOrder, "x", model.EventPaymentStatus)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompareAndSwapRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	acc, err := s.Accounts().Insert(ctx, nil, 1)
	require.NoError(t, err)
	_, err = s.Accounts().Insert(ctx, nil, 1)
	require.ErrorIs(t, err, apperr.ErrAlreadyExists)

	require.NoError(t, s.Accounts().CompareAndSwapBalance(ctx, nil, acc.ID, 0, decimal.NewFromInt(10)))
	err = s.Accounts().CompareAndSwapBalance(ctx, nil, acc.ID, 0, decimal.NewFromInt(20))
	require.ErrorIs(t, err, apperr.ErrConflict)

	got, err := s.Accounts().GetByUserID(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "10", got.Balance.String())
	assert.Equal(t, int64(1), got.Version)
}

func TestUpdateStatusOnlyFromExpectedState(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Orders().Insert(ctx, nil, model.Order{ID: "o", UserID: 1, Status: model.OrderCreated}))

	changed, err := s.Orders().UpdateStatus(ctx, nil, "o", model.OrderCreated, model.OrderFinished, "ok")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Orders().UpdateStatus(ctx, nil, "o", model.OrderCreated, model.OrderCancelled, "late")
	require.NoError(t, err)
	assert.False(t, changed)

	o, err := s.Orders().Get(ctx, nil, "o")
	require.NoError(t, err)
	assert.Equal(t, model.OrderFinished, o.Status)
	assert.Equal(t, "ok", o.StatusMessage)
}

func TestForeignTxIsRejected(t *testing.T) {
	ctx := context.Background()
	a, b := NewStore(), NewStore()

	tx, err := a.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	err = b.Orders().Insert(ctx, tx, model.Order{ID: "o"})
	require.Error(t, err)
}

func TestInterleavedTxsConflictOnSameRow(t *testing.T) {
	ctx := context.Background()
	s := NewStore(Interleaved())
	accounts := s.Accounts()
	acc, err := accounts.Insert(ctx, nil, 7)
	require.NoError(t, err)

	txA, err := s.BeginTx(ctx)
	require.NoError(t, err)
	txB, err := s.BeginTx(ctx)
	require.NoError(t, err)

	a, err := accounts.GetByUserID(ctx, txA, 7)
	require.NoError(t, err)
	b, err := accounts.GetByUserID(ctx, txB, 7)
	require.NoError(t, err)
	assert.Equal(t, a.Version, b.Version)

	require.NoError(t, accounts.CompareAndSwapBalance(ctx, txA, acc.ID, a.Version, decimal.RequireFromString("10")))
	_, err = s.Outbox().Append(ctx, txA, entry("o-1", model.EventPaymentStatus))
	require.NoError(t, err)

	// B reads the committed row; its write waits for A and then sees A's version
	seen, err := accounts.GetByUserID(ctx, txB, 7)
	require.NoError(t, err)
	assert.True(t, seen.Balance.IsZero())

	casB := make(chan error, 1)
	go func() {
		casB <- accounts.CompareAndSwapBalance(ctx, txB, acc.ID, b.Version, decimal.RequireFromString("5"))
	}()
	select {
	case err := <-casB:
		t.Fatalf("write on a locked row returned before the lock holder ended: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	pending, err := s.Outbox().FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "uncommitted entries are not relayed")

	require.NoError(t, txA.Commit())
	require.ErrorIs(t, <-casB, apperr.ErrConflict)
	require.NoError(t, txB.Rollback())

	pending, err = s.Outbox().FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	got, err := accounts.GetByUserID(ctx, nil, 7)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("10")))
	assert.Equal(t, int64(1), got.Version)
}

func TestInterleavedRollbackKeepsLaterAppends(t *testing.T) {
	ctx := context.Background()
	s := NewStore(Interleaved())

	txA, err := s.BeginTx(ctx)
	require.NoError(t, err)
	_, err = s.Outbox().Append(ctx, txA, entry("o-1", model.EventOrderCreated))
	require.NoError(t, err)

	later, err := s.Outbox().Append(ctx, nil, entry("o-2", model.EventOrderCreated))
	require.NoError(t, err)

	require.NoError(t, txA.Rollback())

	snap := s.OutboxSnapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, later, snap[0].ID)
	assert.Equal(t, "o-2", snap[0].AggregateID)
}
