package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Tx is an open unit of work. The MySQL repositories expect *sqlx.Tx; the
// in-memory store hands out its own implementation.
type Tx interface {
	Commit() error
	Rollback() error
}

// TxBeginner opens units of work against one service database.
type TxBeginner interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// SQLBeginner opens sqlx transactions.
type SQLBeginner struct {
	db *sqlx.DB
}

func NewSQLBeginner(db *sqlx.DB) *SQLBeginner {
	return &SQLBeginner{db: db}
}

func (b *SQLBeginner) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// WithinTx runs fn inside a fresh unit of work. fn's error rolls everything back;
// a nil return commits.
func WithinTx(ctx context.Context, b TxBeginner, fn func(tx Tx) error) error {
	tx, err := b.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// withSQLTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func withSQLTx(ctx context.Context, db *sqlx.DB, tx Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		t, ok := tx.(*sqlx.Tx)
		if !ok {
			return fmt.Errorf("repository: expected *sqlx.Tx, got %T", tx)
		}
		return fn(t)
	}

	t, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()

	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

const mysqlErrDuplicateEntry = 1062

func isDuplicateKeyErr(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlErrDuplicateEntry
	}
	return false
}
