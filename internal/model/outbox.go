package model

import "time"

const (
	AggregateOrder   = "Order"
	AggregatePayment = "Payment"
)

// OutboxEntry is a not-yet-published domain event stored next to the state
// change it announces. ID is monotonic and defines publish order.
type OutboxEntry struct {
	ID            int64     `db:"id"`
	AggregateID   string    `db:"aggregate_id"`
	AggregateType string    `db:"aggregate_type"`
	EventType     EventType `db:"event_type"`
	Payload       []byte    `db:"payload"`
	CreatedAt     time.Time `db:"created_at"`
	Processed     bool      `db:"processed"`
}
