package memory

import (
	"context"
	"fmt"

	"github.com/jmehdipour/shop-saga/internal/apperr"
	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmehdipour/shop-saga/internal/repository"
	"github.com/shopspring/decimal"
)

type AccountsRepo struct {
	s *Store
}

var _ repository.AccountsRepository = (*AccountsRepo)(nil)

func (r *AccountsRepo) Insert(_ context.Context, rtx repository.Tx, userID int64) (*model.Account, error) {
	var out *model.Account
	err := r.s.run(rtx, func(t *tx) error {
		if _, ok := r.s.accounts[userID]; ok {
			return fmt.Errorf("account for user %d: %w", userID, apperr.ErrAlreadyExists)
		}
		r.s.accountSeq++
		now := r.s.now()
		a := model.Account{
			ID:        r.s.accountSeq,
			UserID:    userID,
			Balance:   decimal.Zero,
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.s.accounts[userID] = a
		t.onRollback(func() { delete(r.s.accounts, userID) })
		out = &a
		return nil
	})
	return out, err
}

func (r *AccountsRepo) GetByUserID(_ context.Context, rtx repository.Tx, userID int64) (*model.Account, error) {
	var out *model.Account
	err := r.s.run(rtx, func(t *tx) error {
		a, ok := r.s.accounts[userID]
		if !ok {
			return fmt.Errorf("account for user %d: %w", userID, apperr.ErrNotFound)
		}
		if owner, locked := r.s.rowOwner[userID]; locked && owner != t {
			a = r.s.committed[userID]
		}
		out = &a
		return nil
	})
	return out, err
}

func (r *AccountsRepo) CompareAndSwapBalance(_ context.Context, rtx repository.Tx, accountID, expectedVersion int64, newBalance decimal.Decimal) error {
	if newBalance.IsNegative() {
		return fmt.Errorf("%w: negative balance %s", apperr.ErrValidation, newBalance)
	}

	return r.s.run(rtx, func(t *tx) error {
		userID, ok := r.userOf(accountID)
		if !ok {
			return fmt.Errorf("account %d at version %d: %w", accountID, expectedVersion, apperr.ErrConflict)
		}
		t.waitRow(userID)

		prev := r.s.accounts[userID]
		if prev.Version != expectedVersion {
			return fmt.Errorf("account %d at version %d: %w", accountID, expectedVersion, apperr.ErrConflict)
		}
		t.lockRow(userID, prev)

		next := prev
		next.Balance = newBalance
		next.Version++
		next.UpdatedAt = r.s.now()
		r.s.accounts[userID] = next
		t.onRollback(func() { r.s.accounts[userID] = prev })
		return nil
	})
}

func (r *AccountsRepo) userOf(accountID int64) (int64, bool) {
	for userID, a := range r.s.accounts {
		if a.ID == accountID {
			return userID, true
		}
	}
	return 0, false
}
