package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderCreated   OrderStatus = "CREATED"
	OrderFinished  OrderStatus = "FINISHED"
	OrderCancelled OrderStatus = "CANCELLED"
)

func (s OrderStatus) String() string {
	return string(s)
}

func (s OrderStatus) Valid() bool {
	return s == OrderCreated || s == OrderFinished || s == OrderCancelled
}

// Terminal reports whether no further transition is allowed out of s.
func (s OrderStatus) Terminal() bool {
	return s == OrderFinished || s == OrderCancelled
}

// CanTransitionTo allows only CREATED -> FINISHED and CREATED -> CANCELLED.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return s == OrderCreated && next.Terminal()
}

// ParseOrderStatus normalizes input; returns (status, false) when it is not a known status.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	s := OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Order is the DB entity persisted in the orders table.
type Order struct {
	ID            string          `db:"id"            json:"id"`
	UserID        int64           `db:"user_id"       json:"userId"`
	Amount        decimal.Decimal `db:"amount"        json:"amount"`
	Status        OrderStatus     `db:"status"        json:"status"`
	StatusMessage string          `db:"status_message" json:"statusMessage,omitempty"`
	CreatedAt     time.Time       `db:"created_at"    json:"createdAt"`
	UpdatedAt     time.Time       `db:"updated_at"    json:"updatedAt"`
}
