package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmehdipour/shop-saga/internal/apperr"
	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmoiron/sqlx"
)

// OrdersRepository defines persistence for the orders table.
type OrdersRepository interface {
	Insert(ctx context.Context, tx Tx, o model.Order) error
	// Get returns apperr.ErrNotFound for an unknown id.
	Get(ctx context.Context, tx Tx, id string) (*model.Order, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]model.Order, error)
	// UpdateStatus moves an order out of `from` and reports whether a row changed.
	// A false result means the order was no longer in `from`.
	UpdateStatus(ctx context.Context, tx Tx, id string, from, to model.OrderStatus, message string) (bool, error)
}

type OrdersRepositoryImpl struct {
	db *sqlx.DB
}

func NewOrdersRepository(db *sqlx.DB) *OrdersRepositoryImpl {
	return &OrdersRepositoryImpl{db: db}
}

var _ OrdersRepository = (*OrdersRepositoryImpl)(nil)

// Insert adds a new order row; created_at/updated_at come from the model.
func (r *OrdersRepositoryImpl) Insert(ctx context.Context, tx Tx, o model.Order) error {
	const q = `
		INSERT INTO orders
		    (id, user_id, amount, status, status_message, created_at, updated_at)
		VALUES
		    (:id, :user_id, :amount, :status, :status_message, :created_at, :updated_at)
	`
	return withSQLTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, q, o)
		return err
	})
}

func (r *OrdersRepositoryImpl) Get(ctx context.Context, tx Tx, id string) (*model.Order, error) {
	const q = `
		SELECT id, user_id, amount, status, status_message, created_at, updated_at
		  FROM orders
		 WHERE id = ? LIMIT 1
	`
	var o model.Order
	err := withSQLTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &o, q, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OrdersRepositoryImpl) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]model.Order, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows := []model.Order{}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, amount, status, status_message, created_at, updated_at
		  FROM orders
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *OrdersRepositoryImpl) UpdateStatus(ctx context.Context, tx Tx, id string, from, to model.OrderStatus, message string) (bool, error) {
	const q = `
		UPDATE orders
		   SET status = ?, status_message = ?, updated_at = NOW(6)
		 WHERE id = ? AND status = ?
	`
	var changed bool
	err := withSQLTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, to.String(), message, id, from.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n == 1
		return nil
	})
	return changed, err
}
