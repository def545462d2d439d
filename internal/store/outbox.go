package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID        int64  `db:"id"`
	Subject   string `db:"subject"`
	EventType string `db:"event_type"`
	Payload   []byte `db:"payload"`
	MsgID     string `db:"msg_id"`
}

// EnqueueOutbox appends an event to the outbox, normally inside the
// transaction that produced it. A repeated msg id is ignored.
func (s *Store) EnqueueOutbox(ctx context.Context, q sqlx.ExtContext, msg OutboxMessage) error {
	now := s.unix()
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (msg_id) DO NOTHING
	`), now, msg.Subject, msg.EventType, msg.Payload, msg.MsgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.DB.SelectContext(ctx, &messages, s.DB.Rebind(`
		SELECT id, subject, event_type, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`), s.unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
		UPDATE outbox SET published_at = ? WHERE id = ?
	`), s.unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, s.DB.Rebind(`
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`), s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
