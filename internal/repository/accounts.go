package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmehdipour/shop-saga/internal/apperr"
	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// AccountsRepository persists payment accounts. Balance writes are guarded by
// the row version instead of row locks.
type AccountsRepository interface {
	// Insert creates a zero-balance account; apperr.ErrAlreadyExists if the user has one.
	Insert(ctx context.Context, tx Tx, userID int64) (*model.Account, error)
	// GetByUserID returns apperr.ErrNotFound when the user has no account.
	GetByUserID(ctx context.Context, tx Tx, userID int64) (*model.Account, error)
	// CompareAndSwapBalance writes newBalance and bumps the version only if the
	// stored version still equals expectedVersion; otherwise apperr.ErrConflict.
	CompareAndSwapBalance(ctx context.Context, tx Tx, accountID, expectedVersion int64, newBalance decimal.Decimal) error
}

type AccountsRepositoryImpl struct {
	db *sqlx.DB
}

func NewAccountsRepository(db *sqlx.DB) *AccountsRepositoryImpl {
	return &AccountsRepositoryImpl{db: db}
}

var _ AccountsRepository = (*AccountsRepositoryImpl)(nil)

func (r *AccountsRepositoryImpl) Insert(ctx context.Context, tx Tx, userID int64) (*model.Account, error) {
	var acc *model.Account
	err := withSQLTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (user_id, balance, version, created_at, updated_at)
			VALUES (?, 0, 0, NOW(6), NOW(6))
		`, userID)
		if err != nil {
			if isDuplicateKeyErr(err) {
				return fmt.Errorf("account for user %d: %w", userID, apperr.ErrAlreadyExists)
			}
			return err
		}

		var a model.Account
		if err := tx.GetContext(ctx, &a, selectAccountByUser, userID); err != nil {
			return err
		}
		acc = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

const selectAccountByUser = `
	SELECT id, user_id, balance, version, created_at, updated_at
	  FROM accounts
	 WHERE user_id = ? LIMIT 1
`

func (r *AccountsRepositoryImpl) GetByUserID(ctx context.Context, tx Tx, userID int64) (*model.Account, error) {
	var a model.Account
	err := withSQLTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &a, selectAccountByUser, userID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account for user %d: %w", userID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountsRepositoryImpl) CompareAndSwapBalance(ctx context.Context, tx Tx, accountID, expectedVersion int64, newBalance decimal.Decimal) error {
	if newBalance.IsNegative() {
		return fmt.Errorf("%w: negative balance %s", apperr.ErrValidation, newBalance)
	}

	return withSQLTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			   SET balance = ?, version = version + 1, updated_at = NOW(6)
			 WHERE id = ? AND version = ?
		`, newBalance, accountID, expectedVersion)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("account %d at version %d: %w", accountID, expectedVersion, apperr.ErrConflict)
		}
		return nil
	})
}
