package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals no notification with that id belongs to the user.
var ErrNotFound = errors.New("notification: not found")

// Repository persists notifications.
type Repository interface {
	Insert(ctx context.Context, n Notification) (Notification, error)
	List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, userID, id string) (Notification, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const notificationColumns = `id::text, user_id::text, tell_id::text, message, read_at, created_at`

func (r *PGRepository) Insert(ctx context.Context, n Notification) (Notification, error) {
	query := `
INSERT INTO notifications (id, user_id, tell_id, message)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4)
RETURNING ` + notificationColumns

	created, err := scanNotification(r.pool.QueryRow(ctx, query, n.ID, n.UserID, n.TellID, n.Message))
	if err != nil {
		return Notification{}, fmt.Errorf("notification: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1::uuid`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("notification: list: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("notification: scan: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notification: iterate: %w", err)
	}
	return out, nil
}

// MarkRead stamps read_at once; marking an already read notification keeps
// the first timestamp.
func (r *PGRepository) MarkRead(ctx context.Context, userID, id string) (Notification, error) {
	query := `
UPDATE notifications
SET read_at = COALESCE(read_at, now())
WHERE id = $1::uuid AND user_id = $2::uuid
RETURNING ` + notificationColumns

	n, err := scanNotification(r.pool.QueryRow(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Notification{}, ErrNotFound
		}
		return Notification{}, fmt.Errorf("notification: mark read: %w", err)
	}
	return n, nil
}

func scanNotification(row pgx.Row) (Notification, error) {
	var n Notification
	if err := row.Scan(&n.ID, &n.UserID, &n.TellID, &n.Message, &n.ReadAt, &n.CreatedAt); err != nil {
		return Notification{}, err
	}
	return n, nil
}
