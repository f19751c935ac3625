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

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Append writes a single entry. If tx is nil, it will open/commit an
	// internal transaction; otherwise the entry commits or rolls back with tx.
	// A second entry for the same (aggregate type, aggregate id, event type)
	// fails with apperr.ErrDuplicate.
	Append(ctx context.Context, tx Tx, e model.OutboxEntry) (int64, error)
	// FetchUnprocessed returns up to limit unprocessed entries in id order.
	FetchUnprocessed(ctx context.Context, limit int) ([]model.OutboxEntry, error)
	// MarkProcessed flags an entry as published. Marking twice is a no-op.
	MarkProcessed(ctx context.Context, id int64) error
	// Exists reports whether an entry for the given key was already appended.
	Exists(ctx context.Context, tx Tx, aggregateType, aggregateID string, eventType model.EventType) (bool, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

func (r *OutboxRepositoryImpl) Append(ctx context.Context, tx Tx, e model.OutboxEntry) (int64, error) {
	const q = `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, created_at, processed)
		VALUES (?, ?, ?, ?, NOW(6), FALSE)
	`
	var id int64
	err := withSQLTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, e.AggregateID, e.AggregateType, e.EventType.String(), e.Payload)
		if err != nil {
			if isDuplicateKeyErr(err) {
				return fmt.Errorf("%w: %s %s/%s", apperr.ErrDuplicate, e.EventType, e.AggregateType, e.AggregateID)
			}
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *OutboxRepositoryImpl) FetchUnprocessed(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []model.OutboxEntry
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload, created_at, processed
		  FROM outbox
		 WHERE processed = FALSE
		 ORDER BY id ASC
		 LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) MarkProcessed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox SET processed = TRUE WHERE id = ?`, id)
	return err
}

func (r *OutboxRepositoryImpl) Exists(ctx context.Context, tx Tx, aggregateType, aggregateID string, eventType model.EventType) (bool, error) {
	const q = `
		SELECT 1 FROM outbox
		 WHERE aggregate_type = ? AND aggregate_id = ? AND event_type = ?
		 LIMIT 1
	`
	var found bool
	err := withSQLTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		var one int
		err := tx.QueryRowxContext(ctx, q, aggregateType, aggregateID, eventType.String()).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}
