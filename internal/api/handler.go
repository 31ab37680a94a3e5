package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/phone"
	"github.com/lalithlochan/herald/internal/redis"
)

// Dispatcher sends a request and reports one record per recipient.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request) ([]*db.DeliveryRecord, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger        *zap.Logger
	dispatcher    Dispatcher
	deliveries    db.DeliveryStore
	conversations db.ConversationStore
	normalizer    phone.Normalizer
	idempotency   *redis.IdempotencyService // nil if Redis not configured
	recipients    RecipientLimiter          // nil disables the recipient quota
}

// RecipientLimiter meters sends by recipient count rather than by request.
type RecipientLimiter interface {
	AllowN(ctx context.Context, key string, n int) (*redis.RateLimitResult, error)
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, dispatcher Dispatcher, deliveries db.DeliveryStore, conversations db.ConversationStore) *Handler {
	return &Handler{
		logger:        logger,
		dispatcher:    dispatcher,
		deliveries:    deliveries,
		conversations: conversations,
		normalizer:    phone.Default,
	}
}

// NewHandlerWithIdempotency creates a handler that honours the
// Idempotency-Key header on send endpoints.
func NewHandlerWithIdempotency(logger *zap.Logger, dispatcher Dispatcher, deliveries db.DeliveryStore, conversations db.ConversationStore, idempotency *redis.IdempotencyService) *Handler {
	h := NewHandler(logger, dispatcher, deliveries, conversations)
	h.idempotency = idempotency
	return h
}

// WithRecipientLimiter charges every send against a per-owner recipient
// quota.
func (h *Handler) WithRecipientLimiter(l RecipientLimiter) *Handler {
	h.recipients = l
	return h
}

// WithNormalizer sets the normalizer used for recipient query filters.
func (h *Handler) WithNormalizer(n phone.Normalizer) *Handler {
	h.normalizer = n
	return h
}

// GetDelivery handles GET /v1/deliveries/{id}
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "Invalid delivery ID")
	if !ok {
		return
	}

	rec, err := h.deliveries.Get(r.Context(), id)
	if errors.Is(err, db.ErrDeliveryNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Delivery record not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get delivery record",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get delivery record", "")
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// ListDeliveries handles GET /v1/deliveries?recipient=&channel=&status=&owner_id=&limit=&offset=
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.DeliveryFilter{OwnerID: q.Get("owner_id")}

	if recipient := q.Get("recipient"); recipient != "" {
		if strings.Contains(recipient, "@") {
			filter.Recipient = phone.NormalizeEmail(recipient)
		} else {
			filter.Recipient = h.normalizer.Normalize(recipient)
		}
	}

	if v := q.Get("channel"); v != "" {
		ch, ok := db.ParseChannel(v)
		if !ok {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be email, sms, or whatsapp")
			return
		}
		filter.Channel = ch
	}

	if v := q.Get("status"); v != "" {
		st, ok := db.ParseStatus(v)
		if !ok {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
				"status must be one of: pending, sent, delivered, read, failed")
			return
		}
		filter.Status = st
	}

	filter.Limit, filter.Offset = pagination(r)

	records, err := h.deliveries.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list delivery records", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list delivery records", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   records,
		"limit":  filter.Limit,
		"offset": filter.Offset,
		"count":  len(records),
	})
}

// ListConversations handles GET /v1/conversations?owner_id=&channel=
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing owner_id", "owner_id query parameter is required")
		return
	}

	var ch db.Channel
	if v := r.URL.Query().Get("channel"); v != "" {
		parsed, ok := db.ParseChannel(v)
		if !ok || !parsed.IsPhoneBased() {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be sms or whatsapp")
			return
		}
		ch = parsed
	}

	convs, err := h.conversations.List(r.Context(), ownerID, ch)
	if err != nil {
		h.logger.Error("failed to list conversations",
			zap.Error(err),
			zap.String("owner_id", ownerID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list conversations", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  convs,
		"count": len(convs),
	})
}

// ListMessages handles GET /v1/conversations/{id}/messages?limit=
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}

	limit, _ := pagination(r)
	msgs, err := h.conversations.Messages(r.Context(), conv.ID, limit)
	if err != nil {
		h.logger.Error("failed to list messages",
			zap.Error(err),
			zap.String("conversation_id", conv.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list messages", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"data":         msgs,
		"count":        len(msgs),
	})
}

// MarkConversationRead handles POST /v1/conversations/{id}/read
func (h *Handler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "Invalid conversation ID")
	if !ok {
		return
	}

	err := h.conversations.MarkRead(r.Context(), id)
	if errors.Is(err, db.ErrConversationNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Conversation not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to mark conversation read",
			zap.Error(err),
			zap.String("conversation_id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark conversation read", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           id.String(),
		"unread_count": 0,
	})
}

// conversation loads the conversation named by the {id} path parameter and
// writes the error response when it cannot.
func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) (*db.Conversation, bool) {
	id, ok := h.pathID(w, r, "Invalid conversation ID")
	if !ok {
		return nil, false
	}

	conv, err := h.conversations.Get(r.Context(), id)
	if errors.Is(err, db.ErrConversationNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Conversation not found", "")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get conversation",
			zap.Error(err),
			zap.String("conversation_id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get conversation", "")
		return nil, false
	}
	return conv, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, title string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// pagination parses limit and offset; the stores clamp the limit.
func pagination(r *http.Request) (limit, offset int) {
	limit = db.ClampLimit(0)
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = db.ClampLimit(l)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
