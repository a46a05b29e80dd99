package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("notification not found")
	ErrNotAuthorized = errors.New("not authorized")
	ErrUnavailable   = errors.New("store unavailable")
)

// Notification kinds. Unknown kinds are still valid records; consumers
// fall back to a generic rendering.
const (
	KindRequestCreated   = "request.created"
	KindStatusUpdated    = "status.updated"
	KindCommentAdded     = "comment.added"
	KindMeetingScheduled = "meeting.scheduled"
)

// Notification is one user-facing event requiring acknowledgment.
// Immutable once created except for its read state.
type Notification struct {
	ID          uuid.UUID  `json:"id"`
	RecipientID uuid.UUID  `json:"recipient_id"`
	Kind        string     `json:"kind"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Payload     Map        `json:"payload,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// Map alias for JSONB payload data
type Map map[string]interface{}

// Before reports whether n sorts ahead of other for display: created_at
// descending, ties broken by id so the order is stable across re-fetches.
func (n *Notification) Before(other *Notification) bool {
	if !n.CreatedAt.Equal(other.CreatedAt) {
		return n.CreatedAt.After(other.CreatedAt)
	}
	return n.ID.String() > other.ID.String()
}

type CreateNotificationParams struct {
	RecipientID uuid.UUID
	Kind        string
	Title       string
	Body        string
	Payload     map[string]interface{}
}

type NotificationRepository interface {
	CreateNotification(ctx context.Context, params CreateNotificationParams) (*Notification, error)
	ListNotifications(ctx context.Context, recipientID uuid.UUID, offset, limit int, unreadOnly bool) ([]*Notification, error)
	// MarkNotificationRead returns true when the record transitioned
	// unread->read, false when it was already read.
	MarkNotificationRead(ctx context.Context, recipientID, notificationID uuid.UUID) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, recipientID uuid.UUID) (int64, error)
	UnreadCount(ctx context.Context, recipientID uuid.UUID) (int64, error)
}
