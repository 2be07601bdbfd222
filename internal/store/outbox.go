package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// OutboxMessage is a pending event waiting to be published to the bus.
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
}

// EnqueueOutboxTx appends an event to the outbox inside the same
// transaction that persisted the data it references. The dispatcher
// publishes it later; a crash between commit and publish only delays
// delivery, never loses it.
func (s *Store) EnqueueOutboxTx(ctx context.Context, tx *sqlx.Tx, subject, eventType string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (subject, event_type, payload, msg_id, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		subject, eventType, payload, msgID, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueueing outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages that are due for delivery.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.db.SelectContext(ctx, &messages, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?`,
		time.Now().Unix(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET published_at = ? WHERE id = ?",
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("marking outbox %d published: %w", id, err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry counter and defers the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1, next_attempt_at = ?
		WHERE id = ?`,
		time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("marking outbox %d for retry: %w", id, err)
	}
	return nil
}

// PendingOutbox counts undelivered outbox entries, exposed for tests and
// the health endpoint.
func (s *Store) PendingOutbox(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM outbox WHERE published_at IS NULL")
	if err != nil {
		return 0, fmt.Errorf("counting pending outbox: %w", err)
	}
	return n, nil
}
