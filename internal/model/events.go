package model

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventOrderCreated  EventType = "OrderCreated"
	EventPaymentStatus EventType = "PaymentStatus"
)

func (t EventType) String() string { return string(t) }

// Outcome messages carried by PaymentStatus.
const (
	MsgPaymentSuccessful = "Payment successful"
	MsgAccountNotFound   = "Account not found"
	MsgInsufficientFunds = "Insufficient funds"
	MsgInternalError     = "Internal payment processing error"
)

// OrderCreatedEvent is published by the orders side and asks payments to debit.
type OrderCreatedEvent struct {
	OrderID string          `json:"orderId"`
	UserID  int64           `json:"userId"`
	Amount  decimal.Decimal `json:"amount"`
}

// PaymentStatus is the payments side's answer to an OrderCreated.
type PaymentStatus struct {
	OrderID string      `json:"orderId"`
	Status  OrderStatus `json:"status"`
	Message string      `json:"message"`
}

// DecodeOrderCreated parses and validates a wire payload.
func DecodeOrderCreated(b []byte) (OrderCreatedEvent, error) {
	var ev OrderCreatedEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return OrderCreatedEvent{}, err
	}
	if ev.OrderID == "" {
		return OrderCreatedEvent{}, fmt.Errorf("missing orderId")
	}
	if !ev.Amount.IsPositive() {
		return OrderCreatedEvent{}, fmt.Errorf("non-positive amount %s", ev.Amount)
	}
	return ev, nil
}

// DecodePaymentStatus parses and validates a wire payload.
func DecodePaymentStatus(b []byte) (PaymentStatus, error) {
	var ev PaymentStatus
	if err := json.Unmarshal(b, &ev); err != nil {
		return PaymentStatus{}, err
	}
	if ev.OrderID == "" {
		return PaymentStatus{}, fmt.Errorf("missing orderId")
	}
	if !ev.Status.Terminal() {
		return PaymentStatus{}, fmt.Errorf("non-terminal status %q", ev.Status)
	}
	return ev, nil
}
