package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/shop-saga/internal/model"
	"github.com/jmoiron/sqlx"
)

// ArchivedEvent is a published outbox entry as kept in ClickHouse.
type ArchivedEvent struct {
	Service       string    `db:"service"       json:"service"`
	OutboxID      int64     `db:"outbox_id"     json:"outboxId"`
	AggregateID   string    `db:"aggregate_id"  json:"aggregateId"`
	AggregateType string    `db:"aggregate_type" json:"aggregateType"`
	EventType     string    `db:"event_type"    json:"eventType"`
	Topic         string    `db:"topic"         json:"topic"`
	Payload       string    `db:"payload"       json:"payload"`
	PublishedAt   time.Time `db:"published_at"  json:"publishedAt"`
}

// EventArchive is an append-only history of everything the relays published.
type EventArchive interface {
	Archive(ctx context.Context, events []ArchivedEvent) error
	ListByAggregate(ctx context.Context, aggregateID string, limit int) ([]ArchivedEvent, error)
}

type chEventArchive struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHEventArchive(ch *sqlx.DB) EventArchive {
	return &chEventArchive{ch: ch}
}

// Archive batch-inserts events. ClickHouse batches are sent on commit.
func (r *chEventArchive) Archive(ctx context.Context, events []ArchivedEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clickhouse begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO shop.saga_events
		    (service, outbox_id, aggregate_id, aggregate_type, event_type, topic, payload, published_at)
	`)
	if err != nil {
		return fmt.Errorf("clickhouse prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.Service, e.OutboxID, e.AggregateID, e.AggregateType, e.EventType, e.Topic, e.Payload, e.PublishedAt,
		); err != nil {
			return fmt.Errorf("clickhouse append: %w", err)
		}
	}

	return tx.Commit()
}

func (r *chEventArchive) ListByAggregate(ctx context.Context, aggregateID string, limit int) ([]ArchivedEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows := []ArchivedEvent{}
	err := r.ch.SelectContext(ctx, &rows, `
		SELECT service, outbox_id, aggregate_id, aggregate_type, event_type, topic, payload, published_at
		  FROM shop.saga_events
		 WHERE aggregate_id = ?
		 ORDER BY published_at ASC
		 LIMIT ?
	`, aggregateID, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ArchivedFromEntry builds the archive row for a published entry.
func ArchivedFromEntry(service, topic string, e model.OutboxEntry, at time.Time) ArchivedEvent {
	return ArchivedEvent{
		Service:       service,
		OutboxID:      e.ID,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     e.EventType.String(),
		Topic:         topic,
		Payload:       string(e.Payload),
		PublishedAt:   at,
	}
}
