// Package outbox appends transactional outbox messages alongside domain writes.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	TopicTellCreated            = "tell.created"
	TopicResolutionStateChanged = "resolution.state_changed"
	TopicAppealResolved         = "appeal.resolved"

	statusPending   = "pending"
	statusDelivered = "delivered"
)

// ErrNotPending is returned when a message was already delivered by another worker.
var ErrNotPending = errors.New("outbox: message not pending")

// Message represents a transactional outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Writer enqueues messages inside the caller's transaction so the message is
// published if and only if the surrounding write commits.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Enqueue inserts a pending message for topic.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	if payload == nil {
		payload = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload, status)
VALUES ($1, $2::jsonb, $3);
`
	if _, err := tx.Exec(ctx, insertSQL, topic, string(body), statusPending); err != nil {
		return fmt.Errorf("outbox: insert %s: %w", topic, err)
	}
	return nil
}

// Pending lists up to limit undelivered messages, oldest first.
func Pending(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := q.Query(ctx, `
SELECT id::text, topic, payload, status, attempts, created_at
FROM outbox
WHERE status = $1
ORDER BY created_at ASC
LIMIT $2`, statusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: list pending: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

// MarkDelivered records one delivery attempt and flags the message published.
func MarkDelivered(ctx context.Context, exec interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}, id string) error {
	tag, err := exec.Exec(ctx, `
UPDATE outbox
SET status = $2, attempts = attempts + 1
WHERE id = $1::uuid AND status = $3`, id, statusDelivered, statusPending)
	if err != nil {
		return fmt.Errorf("outbox: mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}
