// Package consumer is a generic at-least-once delivery loop over a
// consumer-group stream. Every message ends up acknowledged, redelivered or
// dead-lettered; none is silently lost.
package consumer

import (
	"context"
	"time"

	"orderflow/internal/broker"
	"orderflow/internal/log"
	"orderflow/internal/metrics"

	"go.uber.org/zap"
)

// Handler processes one delivered message. Returning an error counts the
// delivery toward the retry ceiling; the framework does not distinguish
// retry-worthy failures from permanent ones.
type Handler interface {
	Handle(ctx context.Context, msg broker.Message) error
}

type HandlerFunc func(ctx context.Context, msg broker.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg broker.Message) error {
	return f(ctx, msg)
}

// Broker is the slice of broker capabilities the loop needs. *broker.Broker
// satisfies it; tests substitute an in-memory fake.
type Broker interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]broker.Message, error)
	ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]broker.Message, error)
	Ack(ctx context.Context, stream, group, id string) error
	DeliveryCount(ctx context.Context, stream, group, id string) (int64, error)
	DeadLetter(ctx context.Context, stream string, msg broker.Message, cause error, attempts int64) (string, error)
}

type Options struct {
	Stream     string
	Group      string
	Consumer   string
	Handler    Handler
	MaxRetries int
	Batch      int64
	Block      time.Duration
}

type Consumer struct {
	broker  Broker
	opts    Options
	logger  *log.Logger
	metrics *metrics.PipelineMetrics
}

func New(b Broker, opts Options, m *metrics.PipelineMetrics, logger *log.Logger) *Consumer {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Batch <= 0 {
		opts.Batch = 10
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	return &Consumer{broker: b, opts: opts, logger: logger, metrics: m}
}

// Run loops until ctx is cancelled. Each iteration reprocesses this
// consumer's own pending entries first (crash recovery), then block-reads
// new messages. The bounded block is the only pacing between retries.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.broker.EnsureGroup(ctx, c.opts.Stream, c.opts.Group); err != nil {
		return err
	}
	c.logger.Info("Starting consumer",
		zap.String("stream", c.opts.Stream), zap.String("group", c.opts.Group),
		zap.String("consumer", c.opts.Consumer), zap.Int("max_retries", c.opts.MaxRetries))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer shutting down",
				zap.String("stream", c.opts.Stream), zap.String("group", c.opts.Group))
			return ctx.Err()
		default:
		}

		pending, err := c.broker.ReadPending(ctx, c.opts.Stream, c.opts.Group, c.opts.Consumer, c.opts.Batch)
		if err != nil {
			c.recoverGroup(ctx, err)
		}
		for _, msg := range pending {
			c.process(ctx, msg)
		}

		fresh, err := c.broker.ReadNew(ctx, c.opts.Stream, c.opts.Group, c.opts.Consumer, c.opts.Batch, c.opts.Block)
		if err != nil {
			c.recoverGroup(ctx, err)
			continue
		}
		for _, msg := range fresh {
			c.process(ctx, msg)
		}
	}
}

// process drives one message through the delivery state machine:
// acknowledged, left pending for redelivery, or dead-lettered and
// acknowledged once the ceiling is hit.
func (c *Consumer) process(ctx context.Context, msg broker.Message) {
	if err := c.opts.Handler.Handle(ctx, msg); err != nil {
		c.fail(ctx, msg, err)
		return
	}
	if err := c.broker.Ack(ctx, c.opts.Stream, c.opts.Group, msg.ID); err != nil {
		// The message stays pending and is reprocessed; handlers are
		// idempotent for exactly this reason.
		c.logger.Error("Failed to ack message",
			zap.String("stream", c.opts.Stream), zap.String("id", msg.ID), zap.Error(err))
		return
	}
	c.metrics.ConsumedTotal.WithLabelValues(c.opts.Stream, c.opts.Group, "ack").Inc()
}

func (c *Consumer) fail(ctx context.Context, msg broker.Message, cause error) {
	count, err := c.broker.DeliveryCount(ctx, c.opts.Stream, c.opts.Group, msg.ID)
	if err != nil {
		c.logger.Warn("Could not read delivery count, leaving message pending",
			zap.String("stream", c.opts.Stream), zap.String("id", msg.ID), zap.Error(err))
		c.metrics.ConsumedTotal.WithLabelValues(c.opts.Stream, c.opts.Group, "retry").Inc()
		return
	}
	nextAttempt := count + 1

	if nextAttempt < int64(c.opts.MaxRetries) {
		// Unacked: a future pending pass, here or on another member of
		// the group, redelivers it.
		c.logger.Error("Handler failed, will retry",
			zap.String("stream", c.opts.Stream), zap.String("id", msg.ID),
			zap.Int64("attempt", nextAttempt), zap.Int("max_retries", c.opts.MaxRetries),
			zap.Error(cause))
		c.metrics.ConsumedTotal.WithLabelValues(c.opts.Stream, c.opts.Group, "retry").Inc()
		return
	}

	c.logger.Error("Max retries reached, sending to DLQ",
		zap.String("stream", c.opts.Stream), zap.String("id", msg.ID),
		zap.Int64("attempts", nextAttempt), zap.Error(cause))
	if _, err := c.broker.DeadLetter(ctx, c.opts.Stream, msg, cause, nextAttempt); err != nil {
		// Leave unacked so the message is not lost; next redelivery
		// retries the dead-letter write.
		c.logger.Error("Failed to dead-letter message",
			zap.String("stream", c.opts.Stream), zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if err := c.broker.Ack(ctx, c.opts.Stream, c.opts.Group, msg.ID); err != nil {
		c.logger.Error("Failed to ack dead-lettered message",
			zap.String("stream", c.opts.Stream), zap.String("id", msg.ID), zap.Error(err))
		return
	}
	c.metrics.ConsumedTotal.WithLabelValues(c.opts.Stream, c.opts.Group, "dlq").Inc()
}

// recoverGroup re-creates the group when it vanished under us; any other
// read failure is logged and the loop carries on.
func (c *Consumer) recoverGroup(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if broker.IsNoGroup(err) {
		c.logger.Warn("Consumer group missing, recreating",
			zap.String("stream", c.opts.Stream), zap.String("group", c.opts.Group))
		if err := c.broker.EnsureGroup(ctx, c.opts.Stream, c.opts.Group); err != nil {
			c.logger.Error("Failed to recreate group",
				zap.String("stream", c.opts.Stream), zap.Error(err))
		}
		return
	}
	c.logger.Error("Stream read failed",
		zap.String("stream", c.opts.Stream), zap.String("group", c.opts.Group), zap.Error(err))
	// Keeps a broker outage from spinning the loop hot.
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
}
