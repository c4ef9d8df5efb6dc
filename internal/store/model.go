package store

import (
	"time"
)

type OrderStatus string

const (
	StatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	StatusConfirmed      OrderStatus = "CONFIRMED"
	StatusCancelled      OrderStatus = "CANCELLED"
	StatusPaymentFailed  OrderStatus = "PAYMENT_FAILED"
)

type Order struct {
	ID         int64       `json:"id"`
	CustomerID int64       `json:"customer_id"`
	Status     OrderStatus `json:"status"`
	Amount     float64     `json:"amount"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

type OrderItem struct {
	ID        int64   `json:"id"`
	OrderID   int64   `json:"order_id"`
	ProductID int64   `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Amount    float64 `json:"amount"`
}

type Product struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Amount    float64   `json:"amount"`
	Stock     int       `json:"stock"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderLine is one requested line of a new order.
type OrderLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// OutboxEvent is a durable record of an event emitted by a business
// transaction. Rows are never deleted; the publisher flips published once.
type OutboxEvent struct {
	ID          int64      `json:"id"`
	Stream      string     `json:"stream"`
	Type        string     `json:"type"`
	Version     int        `json:"version"`
	Payload     []byte     `json:"payload"`
	Published   bool       `json:"published"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// SettlementOutcome reports what the stock-settlement transaction did.
type SettlementOutcome int

const (
	SettlementConfirmed SettlementOutcome = iota
	SettlementCancelled
	SettlementSkipped
	SettlementNotFound
)

func (o SettlementOutcome) String() string {
	switch o {
	case SettlementConfirmed:
		return "confirmed"
	case SettlementCancelled:
		return "cancelled"
	case SettlementSkipped:
		return "skipped"
	case SettlementNotFound:
		return "not_found"
	}
	return "unknown"
}
