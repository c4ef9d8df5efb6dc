// Package event defines the streams, event types and the wire envelope the
// outbox and the broker agree on.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	StreamOrderCreated     = "order.created"
	StreamPaymentConfirmed = "payment.confirmed"
	StreamPaymentFailed    = "payment.failed"

	TypeOrderCreated     = "ORDER_CREATED"
	TypePaymentConfirmed = "PAYMENT_CONFIRMED"
	TypePaymentFailed    = "PAYMENT_FAILED"

	GroupPayment       = "payment_group"
	GroupStock         = "stock_group"
	GroupPaymentFailed = "payment_failed_group"
)

// Envelope is what an outbox row's payload column holds and what gets
// flattened into stream message fields on publication.
type Envelope struct {
	Type    string          `json:"type"`
	Version int             `json:"version"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data"`
}

// OrderPayload is the data carried by every event in the saga chain.
type OrderPayload struct {
	OrderID int64 `json:"order_id"`
}

func New(eventType string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal event data: %w", err)
	}
	return Envelope{
		Type:    eventType,
		Version: 1,
		At:      time.Now().UTC(),
		Data:    raw,
	}, nil
}

func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version == 0 {
		env.Version = 1
	}
	return env, nil
}
