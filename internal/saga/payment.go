// Package saga holds the business reactions to pipeline events. Each
// handler opens its own transaction through the store and tolerates
// duplicate and out-of-order delivery.
package saga

import (
	"context"
	"encoding/json"

	"orderflow/internal/broker"
	"orderflow/internal/event"
	"orderflow/internal/log"

	"go.uber.org/zap"
)

// PaymentRecorder appends the payment.confirmed or payment.failed outbox
// event in its own transaction. *store.Store implements it.
type PaymentRecorder interface {
	RecordPaymentOutcome(ctx context.Context, orderID int64, approved bool) error
}

// PaymentHandler reacts to order.created: it charges the gateway and records
// the verdict as a follow-up event. It never mutates the order row.
type PaymentHandler struct {
	gateway PaymentGateway
	store   PaymentRecorder
	logger  *log.Logger
}

func NewPaymentHandler(gateway PaymentGateway, store PaymentRecorder, logger *log.Logger) *PaymentHandler {
	return &PaymentHandler{gateway: gateway, store: store, logger: logger}
}

func (h *PaymentHandler) Handle(ctx context.Context, msg broker.Message) error {
	var payload event.OrderPayload
	if err := json.Unmarshal(msg.Data(), &payload); err != nil || payload.OrderID <= 0 {
		// Malformed payloads never become processable; drop instead of
		// cycling them through the retry ceiling.
		h.logger.Error("Invalid order.created payload, dropping",
			zap.String("id", msg.ID), zap.ByteString("data", msg.Data()), zap.Error(err))
		return nil
	}

	outcome, err := h.gateway.Charge(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if outcome == OutcomeTransientError {
		return ErrGatewayUnavailable
	}

	approved := outcome == OutcomeApproved
	if err := h.store.RecordPaymentOutcome(ctx, payload.OrderID, approved); err != nil {
		return err
	}
	h.logger.Info("Payment processed",
		zap.Int64("order_id", payload.OrderID), zap.Bool("approved", approved))
	return nil
}
