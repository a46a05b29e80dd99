package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdesk/backend/internal/domain"
	"github.com/opsdesk/backend/internal/middleware"
	"github.com/opsdesk/backend/pkg/response"
	"github.com/opsdesk/backend/pkg/validator"
)

type NotificationHandler struct {
	service *domain.NotificationService
	hub     *StreamHub
	logger  *zap.Logger
}

func NewNotificationHandler(service *domain.NotificationService, hub *StreamHub, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		hub:     hub,
		logger:  logger,
	}
}

// List handles GET /notifications?offset=&limit=&unread=
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	unreadOnly := r.URL.Query().Get("unread") == "true"

	notifs, err := h.service.List(r.Context(), userID, offset, limit, unreadOnly)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		response.InternalError(w, "failed to fetch notifications")
		return
	}

	response.OK(w, notifs)
}

// UnreadCount handles GET /notifications/unread-count
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	count, err := h.service.UnreadCount(r.Context(), userID)
	if err != nil {
		// A transient store failure must stay distinguishable from zero.
		h.logger.Error("failed to count unread notifications", zap.Error(err))
		response.Unavailable(w, "unread count unavailable")
		return
	}

	response.OK(w, map[string]int64{"unread": count})
}

// MarkRead handles POST /notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid notification id")
		return
	}

	marked, err := h.service.MarkRead(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.NotFound(w, "notification not found")
			return
		}
		h.logger.Error("failed to mark notification read", zap.Error(err))
		response.InternalError(w, "failed to update notification")
		return
	}

	// marked == false means it was already read; still a success.
	response.OK(w, map[string]bool{"marked": marked})
}

// MarkAllRead handles POST /notifications/read-all
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	count, err := h.service.MarkAllRead(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to mark all notifications read", zap.Error(err))
		response.InternalError(w, "failed to update notifications")
		return
	}

	response.OK(w, map[string]int64{"marked": count})
}

// Create handles POST /notifications. Business modules (requests,
// meetings, comments) call this to record an event and push it to the
// recipient's open channels.
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetUserID(r.Context()); !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req struct {
		RecipientID string                 `json:"recipient_id"`
		Kind        string                 `json:"kind"`
		Title       string                 `json:"title"`
		Body        string                 `json:"body"`
		Payload     map[string]interface{} `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request")
		return
	}

	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		response.BadRequest(w, "invalid recipient id")
		return
	}

	if errs := validator.ValidateNotificationInput(req.Kind, req.Title, req.Body); errs.HasErrors() {
		response.BadRequest(w, errs.Error())
		return
	}

	n, err := h.service.Create(r.Context(), domain.CreateNotificationParams{
		RecipientID: recipientID,
		Kind:        req.Kind,
		Title:       validator.SanitizeString(req.Title, 200),
		Body:        validator.SanitizeString(req.Body, 2000),
		Payload:     req.Payload,
	})
	if err != nil {
		h.logger.Error("failed to create notification", zap.Error(err))
		response.InternalError(w, "failed to create notification")
		return
	}

	response.Created(w, n)
}

// Stream handles GET /notifications/stream: upgrades to a websocket and
// registers the connection as one of the user's delivery channels.
func (h *NotificationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &streamClient{
		id:     uuid.New(),
		conn:   conn,
		send:   make(chan []byte, h.hub.cfg.SendBuffer),
		userID: userID,
	}

	h.hub.register <- client

	go client.writePump(h.hub.cfg)
	go client.readPump(h.hub)
}
