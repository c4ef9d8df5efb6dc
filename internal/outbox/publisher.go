// Package outbox moves durably recorded events from the relational outbox
// to the broker, at least once.
package outbox

import (
	"context"
	"time"

	"orderflow/internal/event"
	"orderflow/internal/log"
	"orderflow/internal/metrics"
	"orderflow/internal/store"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Source claims unpublished rows and marks the ones fn accepted.
// *store.Store implements it.
type Source interface {
	ForEachUnpublished(ctx context.Context, limit int, fn func(store.OutboxEvent) error) (int, error)
}

// Sink appends an envelope to a stream. *broker.Broker implements it.
type Sink interface {
	Append(ctx context.Context, stream string, env event.Envelope) (string, error)
}

type Publisher struct {
	source  Source
	sink    Sink
	logger  *log.Logger
	metrics *metrics.PipelineMetrics
	cb      *gobreaker.CircuitBreaker

	batch    int
	interval time.Duration
	backoff  time.Duration
}

func NewPublisher(source Source, sink Sink, m *metrics.PipelineMetrics, logger *log.Logger, batch int, interval, backoff time.Duration) *Publisher {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-publisher",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Publisher{
		source:   source,
		sink:     sink,
		logger:   logger,
		metrics:  m,
		cb:       cb,
		batch:    batch,
		interval: interval,
		backoff:  backoff,
	}
}

// Run polls the outbox until ctx is cancelled. A row whose broker append
// fails stays unpublished and is retried on a later cycle; duplicates on the
// stream are possible and handlers tolerate them. Unexpected errors back off
// longer; the loop itself never stops silently.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("Starting outbox publisher",
		zap.Int("batch", p.batch), zap.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox publisher shutting down")
			return ctx.Err()
		default:
		}

		published, err := p.source.ForEachUnpublished(ctx, p.batch, func(ev store.OutboxEvent) error {
			env, err := event.Decode(ev.Payload)
			if err != nil {
				return err
			}
			id, err := p.cb.Execute(func() (interface{}, error) {
				return p.sink.Append(ctx, ev.Stream, env)
			})
			if err != nil {
				return err
			}
			p.logger.Info("Published outbox event",
				zap.Int64("id", ev.ID), zap.String("stream", ev.Stream),
				zap.String("message_id", id.(string)))
			p.metrics.PublishedTotal.WithLabelValues(ev.Stream).Inc()
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error("Outbox cycle failed", zap.Error(err))
			p.metrics.PublishErrorsTotal.Inc()
			p.sleep(ctx, p.backoff)
			continue
		}
		if published == 0 {
			p.sleep(ctx, p.interval)
		}
	}
}

func (p *Publisher) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
