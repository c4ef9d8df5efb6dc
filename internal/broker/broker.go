// Package broker wraps the Redis Streams commands the pipeline relies on:
// append, consumer-group reads, pending-entry inspection, acknowledgement
// and dead-lettering.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"orderflow/internal/event"
	"orderflow/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message is one stream entry as delivered to a consumer group.
type Message struct {
	ID     string
	Stream string
	Values map[string]string
}

// Type returns the event type field of the message.
func (m Message) Type() string {
	return m.Values["type"]
}

// Data returns the JSON-encoded event data field.
func (m Message) Data() []byte {
	return []byte(m.Values["data"])
}

type Broker struct {
	rdb    *redis.Client
	logger *log.Logger
}

// New wraps an already-connected client. Lifecycle of the connection is
// owned by the caller.
func New(rdb *redis.Client, logger *log.Logger) *Broker {
	return &Broker{rdb: rdb, logger: logger}
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Append adds the envelope to the stream and returns the broker-assigned,
// monotonically increasing id.
func (b *Broker) Append(ctx context.Context, stream string, env event.Envelope) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"type":    env.Type,
			"version": strconv.Itoa(env.Version),
			"at":      env.At.Format(time.RFC3339Nano),
			"data":    string(env.Data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group from the beginning of the stream,
// creating the stream itself if needed. An existing group is not an error.
func (b *Broker) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !IsBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadNew block-reads messages not yet delivered to any member of the group.
// A block timeout yields an empty result, not an error.
func (b *Broker) ReadNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	return b.readGroup(ctx, stream, group, consumer, ">", count, block)
}

// ReadPending re-reads messages this consumer claimed earlier but never
// acknowledged, e.g. after a crash mid-handler.
func (b *Broker) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]Message, error) {
	return b.readGroup(ctx, stream, group, consumer, "0", count, 0)
}

func (b *Broker) readGroup(ctx context.Context, stream, group, consumer, id string, count int64, block time.Duration) ([]Message, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, id},
		Count:    count,
	}
	if block > 0 {
		args.Block = block
	}
	streams, err := b.rdb.XReadGroup(ctx, args).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var messages []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			messages = append(messages, Message{
				ID:     m.ID,
				Stream: s.Stream,
				Values: stringValues(m.Values),
			})
		}
	}
	return messages, nil
}

func (b *Broker) Ack(ctx context.Context, stream, group, id string) error {
	if err := b.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s/%s id %s: %w", stream, group, id, err)
	}
	return nil
}

// DeliveryCount looks up how many times the broker has delivered the message
// via the group's pending-entries list. A message no longer pending counts
// as zero.
func (b *Broker) DeliveryCount(ctx context.Context, stream, group, id string) (int64, error) {
	entries, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s/%s id %s: %w", stream, group, id, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].RetryCount, nil
}

// DeadLetter copies the message with failure metadata onto the companion
// {stream}:dlq stream for operator inspection.
func (b *Broker) DeadLetter(ctx context.Context, stream string, msg Message, cause error, attempts int64) (string, error) {
	values := map[string]interface{}{
		"original_stream": stream,
		"original_id":     msg.ID,
		"error":           cause.Error(),
		"attempts":        strconv.FormatInt(attempts, 10),
		"failed_at":       time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range msg.Values {
		values["original_"+k] = v
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream(stream),
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd dlq for %s: %w", stream, err)
	}
	b.logger.Warn("Dead-lettered message",
		zap.String("stream", stream), zap.String("id", msg.ID), zap.Int64("attempts", attempts))
	return id, nil
}

// ReadDeadLetters returns the oldest entries of the stream's DLQ. This is
// the manual-intervention queue; reading does not consume.
func (b *Broker) ReadDeadLetters(ctx context.Context, stream string, count int64) ([]Message, error) {
	dlq := DeadLetterStream(stream)
	entries, err := b.rdb.XRangeN(ctx, dlq, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", dlq, err)
	}
	var messages []Message
	for _, m := range entries {
		messages = append(messages, Message{
			ID:     m.ID,
			Stream: dlq,
			Values: stringValues(m.Values),
		})
	}
	return messages, nil
}

func DeadLetterStream(stream string) string {
	return stream + ":dlq"
}

// IsBusyGroup reports whether err is the reply to creating a group that
// already exists.
func IsBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// IsNoGroup reports whether err means the consumer group (or stream) is
// missing and should be lazily re-created.
func IsNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

func stringValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch v := v.(type) {
		case string:
			out[k] = v
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				out[k] = fmt.Sprint(v)
				continue
			}
			out[k] = string(raw)
		}
	}
	return out
}
