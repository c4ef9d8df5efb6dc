package consumer

import (
	"context"
	"fmt"

	"orderflow/internal/broker"
)

// Mux dispatches messages to a typed handler keyed by the message's event
// type field. A type nobody registered is a handler failure, so it follows
// the normal retry and dead-letter path.
type Mux struct {
	handlers map[string]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

func (m *Mux) On(eventType string, h Handler) {
	m.handlers[eventType] = h
}

func (m *Mux) Handle(ctx context.Context, msg broker.Message) error {
	h, ok := m.handlers[msg.Type()]
	if !ok {
		return fmt.Errorf("no handler for event type %q", msg.Type())
	}
	return h.Handle(ctx, msg)
}
