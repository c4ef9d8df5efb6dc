package saga

import (
	"context"
	"errors"
	"math/rand/v2"
)

// Outcome is a payment gateway's verdict on a charge.
type Outcome int

const (
	OutcomeApproved Outcome = iota
	OutcomeDeclined
	OutcomeTransientError
)

// ErrGatewayUnavailable is what a gateway returns alongside
// OutcomeTransientError; the payment handler propagates it so the delivery
// is retried.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// PaymentGateway decides whether an order's payment goes through. The saga
// only depends on this interface; the default implementation is a stand-in
// for a real provider call.
type PaymentGateway interface {
	Charge(ctx context.Context, orderID int64) (Outcome, error)
}

// RandomGateway approves a configurable fraction of charges and declines
// the rest. It never reports transient errors.
type RandomGateway struct {
	ApprovalRate float64
}

func (g *RandomGateway) Charge(_ context.Context, _ int64) (Outcome, error) {
	if rand.Float64() < g.ApprovalRate {
		return OutcomeApproved, nil
	}
	return OutcomeDeclined, nil
}
