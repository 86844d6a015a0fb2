package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

type notificationsRepo struct {
	db Querier
}

// NewNotificationsRepo creates a new notifications repository.
func NewNotificationsRepo(db Querier) NotificationsRepo {
	return &notificationsRepo{db: db}
}

const notificationColumns = `id, user_id, type, title, message, data, channels, read_at, created_at`

func (r *notificationsRepo) Create(ctx context.Context, n *domain.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now()

	channels := make([]string, len(n.Channels))
	for i, c := range n.Channels {
		channels[i] = string(c)
	}
	var data []byte
	if len(n.Data) > 0 {
		data = n.Data
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, data, channels, n.ReadAt, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *notificationsRepo) ListForUser(ctx context.Context, userID uuid.UUID, f *domain.NotificationFilter) ([]*domain.Notification, error) {
	b := &filter{}
	b.add("user_id = $%d", userID)
	limit, offset := 0, 0
	if f != nil {
		if f.UnreadOnly {
			b.conditions = append(b.conditions, "read_at IS NULL")
		}
		limit, offset = f.Limit, f.Offset
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications`+b.where()+` ORDER BY created_at DESC`+b.page(limit, offset),
		b.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*domain.Notification
	for rows.Next() {
		var n domain.Notification
		var data []byte
		var channels []string
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &channels, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Data = data
		for _, c := range channels {
			n.Channels = append(n.Channels, domain.Channel(c))
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (r *notificationsRepo) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead marks one of userID's notifications read. Marking an already
// read notification is a no-op.
func (r *notificationsRepo) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	result, err := r.db.Exec(ctx,
		`UPDATE notifications SET read_at = COALESCE(read_at, NOW()) WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %w", domain.ErrNotFound)
	}
	return nil
}

func (r *notificationsRepo) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	result, err := r.db.Exec(ctx, `UPDATE notifications SET read_at = NOW() WHERE user_id = $1 AND read_at IS NULL`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return result.RowsAffected(), nil
}
