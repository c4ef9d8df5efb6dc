package saga

import (
	"context"
	"encoding/json"

	"orderflow/internal/broker"
	"orderflow/internal/event"
	"orderflow/internal/log"
	"orderflow/internal/store"

	"go.uber.org/zap"
)

// StockSettler runs the settlement transaction. *store.Store implements it.
type StockSettler interface {
	SettleOrderStock(ctx context.Context, orderID int64) (store.SettlementOutcome, error)
}

// StockHandler reacts to payment.confirmed: decrement stock and confirm the
// order, or cancel it when stock cannot cover the items. Replays on an order
// already past PENDING_PAYMENT do nothing.
type StockHandler struct {
	store  StockSettler
	logger *log.Logger
}

func NewStockHandler(store StockSettler, logger *log.Logger) *StockHandler {
	return &StockHandler{store: store, logger: logger}
}

func (h *StockHandler) Handle(ctx context.Context, msg broker.Message) error {
	var payload event.OrderPayload
	if err := json.Unmarshal(msg.Data(), &payload); err != nil || payload.OrderID <= 0 {
		h.logger.Error("Invalid payment.confirmed payload, dropping",
			zap.String("id", msg.ID), zap.ByteString("data", msg.Data()), zap.Error(err))
		return nil
	}

	outcome, err := h.store.SettleOrderStock(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	switch outcome {
	case store.SettlementNotFound:
		h.logger.Warn("Order not found for settlement", zap.Int64("order_id", payload.OrderID))
	case store.SettlementSkipped:
		h.logger.Info("Order already settled, skipping", zap.Int64("order_id", payload.OrderID))
	default:
		h.logger.Info("Order settled",
			zap.Int64("order_id", payload.OrderID), zap.String("outcome", outcome.String()))
	}
	return nil
}
