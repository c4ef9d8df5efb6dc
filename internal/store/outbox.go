package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"orderflow/internal/event"

	"go.uber.org/zap"
)

// AppendOutbox inserts one outbox row inside the caller's open transaction.
// If the transaction commits the event is durable; if it rolls back the
// event never existed. This is the only way events enter the pipeline.
func (s *Store) AppendOutbox(ctx context.Context, tx *sql.Tx, stream string, env event.Envelope) (int64, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}
	var id int64
	err = tx.QueryRowContext(ctx, `
           INSERT INTO outbox (stream, type, version, payload)
           VALUES ($1, $2, $3, $4::jsonb)
           RETURNING id
       `, stream, env.Type, env.Version, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert outbox row: %w", err)
	}
	return id, nil
}

// ForEachUnpublished claims up to limit unpublished rows oldest-first with
// FOR UPDATE SKIP LOCKED and invokes fn for each. Rows whose fn returned nil
// are marked published; the rest stay claimed until the transaction commits
// and become claimable again afterwards. Concurrent publishers therefore
// never double-claim within a batch.
func (s *Store) ForEachUnpublished(ctx context.Context, limit int, fn func(OutboxEvent) error) (int, error) {
	published := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
               SELECT id, stream, type, version, payload, created_at
               FROM outbox
               WHERE published = FALSE
               ORDER BY created_at ASC, id ASC
               LIMIT $1
               FOR UPDATE SKIP LOCKED
           `, limit)
		if err != nil {
			return fmt.Errorf("claim outbox rows: %w", err)
		}
		var events []OutboxEvent
		for rows.Next() {
			var ev OutboxEvent
			if err := rows.Scan(&ev.ID, &ev.Stream, &ev.Type, &ev.Version, &ev.Payload, &ev.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan outbox row: %w", err)
			}
			events = append(events, ev)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close outbox rows: %w", err)
		}

		for _, ev := range events {
			if err := fn(ev); err != nil {
				// Left unpublished; the next cycle retries it.
				s.logger.Warn("Failed to publish outbox event",
					zap.Int64("id", ev.ID), zap.String("stream", ev.Stream), zap.Error(err))
				continue
			}
			if _, err := tx.ExecContext(ctx, `
                   UPDATE outbox
                   SET published = TRUE, published_at = NOW()
                   WHERE id = $1
               `, ev.ID); err != nil {
				return fmt.Errorf("mark outbox row published: %w", err)
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return published, nil
}

// UnpublishedCount reports the outbox backlog, sampled for metrics.
func (s *Store) UnpublishedCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE published = FALSE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unpublished: %w", err)
	}
	return n, nil
}
