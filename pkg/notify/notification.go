// Package notify is the client-side notification core: the REST store
// contract, the websocket delivery channel, the in-memory state manager
// and the reconnection supervisor. The presentation layer reads snapshots
// from the Manager and calls its mutation methods; everything else in
// here is plumbing between the manager and the backend.
package notify

import (
	"time"
)

// Notification kinds the client knows how to render specially. Unrecognized
// kinds degrade to a generic rendering; they are never an error.
const (
	KindRequestCreated   = "request.created"
	KindStatusUpdated    = "status.updated"
	KindCommentAdded     = "comment.added"
	KindMeetingScheduled = "meeting.scheduled"
)

// Notification is the client-side mirror of one server notification
// record. The mirror is disposable; the server copy is authoritative.
type Notification struct {
	ID        string                 `json:"id"`
	Recipient string                 `json:"recipient_id"`
	Kind      string                 `json:"kind"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	Read      bool                   `json:"read"`
	ReadAt    *time.Time             `json:"read_at,omitempty"`
}

// Before reports whether n sorts ahead of other in display order:
// created_at descending, ties broken by id descending, matching the
// server's list ordering so merged and pulled items interleave stably.
func (n *Notification) Before(other *Notification) bool {
	if !n.CreatedAt.Equal(other.CreatedAt) {
		return n.CreatedAt.After(other.CreatedAt)
	}
	return n.ID > other.ID
}
