package saga

import (
	"context"
	"encoding/json"

	"orderflow/internal/broker"
	"orderflow/internal/event"
	"orderflow/internal/log"

	"go.uber.org/zap"
)

// FailureMarker conditionally moves an order to PAYMENT_FAILED.
// *store.Store implements it.
type FailureMarker interface {
	MarkPaymentFailed(ctx context.Context, orderID int64) (bool, error)
}

// PaymentFailedHandler reacts to payment.failed. The transition is guarded
// by the order's current status, so duplicates and late arrivals after a
// terminal state are warnings, not errors.
type PaymentFailedHandler struct {
	store  FailureMarker
	logger *log.Logger
}

func NewPaymentFailedHandler(store FailureMarker, logger *log.Logger) *PaymentFailedHandler {
	return &PaymentFailedHandler{store: store, logger: logger}
}

func (h *PaymentFailedHandler) Handle(ctx context.Context, msg broker.Message) error {
	var payload event.OrderPayload
	if err := json.Unmarshal(msg.Data(), &payload); err != nil || payload.OrderID <= 0 {
		h.logger.Error("Invalid payment.failed payload, dropping",
			zap.String("id", msg.ID), zap.ByteString("data", msg.Data()), zap.Error(err))
		return nil
	}

	updated, err := h.store.MarkPaymentFailed(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if !updated {
		h.logger.Warn("Order missing or not in PENDING_PAYMENT, skipping",
			zap.Int64("order_id", payload.OrderID))
		return nil
	}
	h.logger.Info("Order marked payment failed", zap.Int64("order_id", payload.OrderID))
	return nil
}
