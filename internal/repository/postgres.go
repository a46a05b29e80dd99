package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opsdesk/backend/internal/domain"
)

// PostgresRepository implements domain.NotificationRepository using PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the notifications schema if it does not exist yet. The
// read flag is derived from read_at, so a record can never claim read
// without a timestamp.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS notifications (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			recipient_id UUID NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			read_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS notifications_recipient_idx
			ON notifications (recipient_id, created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS notifications_unread_idx
			ON notifications (recipient_id) WHERE read_at IS NULL;
	`)
	return err
}

// CreateNotification inserts a notification record.
func (r *PostgresRepository) CreateNotification(ctx context.Context, params domain.CreateNotificationParams) (*domain.Notification, error) {
	query := `
		INSERT INTO notifications (recipient_id, kind, title, body, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, recipient_id, kind, title, body, payload, created_at, read_at
	`
	row := r.db.QueryRow(ctx, query,
		params.RecipientID,
		params.Kind,
		params.Title,
		params.Body,
		params.Payload,
	)
	return scanNotification(row)
}

// ListNotifications returns the recipient's notifications newest-first.
// Ties on created_at are broken by id so paging is deterministic.
func (r *PostgresRepository) ListNotifications(ctx context.Context, recipientID uuid.UUID, offset, limit int, unreadOnly bool) ([]*domain.Notification, error) {
	query := `
		SELECT id, recipient_id, kind, title, body, payload, created_at, read_at
		FROM notifications
		WHERE recipient_id = $1
	`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, recipientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifs := make([]*domain.Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifs = append(notifs, n)
	}
	return notifs, rows.Err()
}

// MarkNotificationRead stamps read_at exactly once. Returns true when the
// record transitioned, false when it was already read, and
// domain.ErrNotFound when the id does not belong to the recipient.
func (r *PostgresRepository) MarkNotificationRead(ctx context.Context, recipientID, notificationID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE notifications SET read_at = NOW()
		WHERE id = $1 AND recipient_id = $2 AND read_at IS NULL
	`, notificationID, recipientID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// No row transitioned: either already read (benign) or not owned.
	var exists bool
	err = r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM notifications WHERE id = $1 AND recipient_id = $2)`,
		notificationID, recipientID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

// MarkAllNotificationsRead stamps every unread record for the recipient
// and reports how many transitioned. Idempotent: a second call affects 0.
func (r *PostgresRepository) MarkAllNotificationsRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE notifications SET read_at = NOW()
		WHERE recipient_id = $1 AND read_at IS NULL
	`, recipientID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) UnreadCount(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND read_at IS NULL`,
		recipientID,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	var readAt *time.Time
	err := row.Scan(
		&n.ID,
		&n.RecipientID,
		&n.Kind,
		&n.Title,
		&n.Body,
		&n.Payload,
		&n.CreatedAt,
		&readAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	n.ReadAt = readAt
	n.Read = readAt != nil
	return &n, nil
}

// CleanupExpiredNotifications removes read notifications older than the
// retention window.
func (r *PostgresRepository) CleanupExpiredNotifications(ctx context.Context, retention time.Duration) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM notifications WHERE read_at IS NOT NULL AND read_at < NOW() - make_interval(secs => $1)`,
		retention.Seconds(),
	)
	return err
}

// StartCleanupWorker starts a background worker that prunes old read
// notifications on an interval until ctx is cancelled.
func (r *PostgresRepository) StartCleanupWorker(ctx context.Context, interval, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.CleanupExpiredNotifications(ctx, retention)
			}
		}
	}()
}
