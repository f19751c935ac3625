package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a user's balance on the payments side.
// Version is bumped by every mutation and guards writes (compare-and-swap).
type Account struct {
	ID        int64           `db:"id"         json:"id"`
	UserID    int64           `db:"user_id"    json:"userId"`
	Balance   decimal.Decimal `db:"balance"    json:"balance"`
	Version   int64           `db:"version"    json:"-"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}
