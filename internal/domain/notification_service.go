package domain

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// Publisher forwards a freshly created notification to the recipient's
// connected clients. Delivery is best effort; an offline recipient picks
// the record up on their next list pull.
type Publisher interface {
	Publish(recipientID uuid.UUID, n *Notification)
}

type NotificationService struct {
	repo      NotificationRepository
	publisher Publisher
	logger    *zap.Logger
}

func NewNotificationService(repo NotificationRepository, publisher Publisher, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

func (s *NotificationService) List(ctx context.Context, recipientID uuid.UUID, offset, limit int, unreadOnly bool) ([]*Notification, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListNotifications(ctx, recipientID, offset, limit, unreadOnly)
}

// MarkRead marks one notification read. Marking an already-read record is
// a no-op that still reports success; only a record the recipient does not
// own is an error.
func (s *NotificationService) MarkRead(ctx context.Context, recipientID, notificationID uuid.UUID) (bool, error) {
	return s.repo.MarkNotificationRead(ctx, recipientID, notificationID)
}

// MarkAllRead returns the number of records that transitioned; a second
// call returns 0 without error.
func (s *NotificationService) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	return s.repo.MarkAllNotificationsRead(ctx, recipientID)
}

func (s *NotificationService) UnreadCount(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	return s.repo.UnreadCount(ctx, recipientID)
}

// Create persists a notification and forwards it to the recipient's
// connected clients. Persistence failures fail the call; delivery never
// does.
func (s *NotificationService) Create(ctx context.Context, params CreateNotificationParams) (*Notification, error) {
	n, err := s.repo.CreateNotification(ctx, params)
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		s.publisher.Publish(n.RecipientID, n)
	}
	return n, nil
}
