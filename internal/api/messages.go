package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/phone"
	"github.com/lalithlochan/herald/internal/redis"
)

// maxSendBody bounds a send request, attachments included.
const maxSendBody = 10 << 20

// Recipients accepts a single string or an array of strings.
type Recipients []string

func (r *Recipients) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = Recipients{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("to must be a string or an array of strings")
	}
	*r = list
	return nil
}

// SendRequest is the body of POST /v1/messages/{channel}.
type SendRequest struct {
	To             Recipients           `json:"to"`
	Message        string               `json:"message,omitempty"`
	Subject        string               `json:"subject,omitempty"`
	HTML           string               `json:"html,omitempty"`
	MediaURL       string               `json:"mediaUrl,omitempty"`
	Type           string               `json:"type,omitempty"`
	TemplateName   string               `json:"templateName,omitempty"`
	TemplateParams json.RawMessage      `json:"templateParams,omitempty"`
	LanguageCode   string               `json:"languageCode,omitempty"`
	OwnerID        string               `json:"ownerId,omitempty"`
	Attachments    []channel.Attachment `json:"attachments,omitempty"`
}

// SendResult is the outcome for one recipient.
type SendResult struct {
	ID                string    `json:"id"`
	Recipient         string    `json:"recipient"`
	Status            db.Status `json:"status"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	ErrorMessage      string    `json:"errorMessage,omitempty"`
}

// SendResponse reports per-recipient outcomes; there is no batch verdict.
type SendResponse struct {
	Results []SendResult `json:"results"`
	Sent    int          `json:"sent"`
	Failed  int          `json:"failed"`
}

func newSendResponse(records []*db.DeliveryRecord) SendResponse {
	resp := SendResponse{Results: make([]SendResult, 0, len(records))}
	for _, rec := range records {
		res := SendResult{
			ID:        rec.ID.String(),
			Recipient: rec.Recipient,
			Status:    rec.Status,
		}
		if rec.ProviderMessageID != nil {
			res.ProviderMessageID = *rec.ProviderMessageID
		}
		if rec.ErrorMessage != nil {
			res.ErrorMessage = *rec.ErrorMessage
		}
		if rec.Status == db.StatusFailed {
			resp.Failed++
		} else {
			resp.Sent++
		}
		resp.Results = append(resp.Results, res)
	}
	return resp
}

func (req *SendRequest) toDispatch(ch db.Channel) *dispatch.Request {
	return &dispatch.Request{
		Channel:           ch,
		Recipients:        req.To,
		Kind:              channel.Kind(req.Type),
		Text:              req.Message,
		Subject:           req.Subject,
		HTML:              req.HTML,
		MediaURL:          req.MediaURL,
		TemplateName:      req.TemplateName,
		RawTemplateParams: req.TemplateParams,
		LanguageCode:      req.LanguageCode,
		OwnerID:           req.OwnerID,
		Attachments:       req.Attachments,
	}
}

// SendMessage handles POST /v1/messages/{channel}
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ch, ok := db.ParseChannel(chi.URLParam(r, "channel"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "invalid_channel", "Unknown channel", "channel must be email, sms, or whatsapp")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSendBody))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Request body too large", err.Error())
		return
	}

	var req SendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	scope := req.OwnerID
	if scope == "" {
		scope = "anonymous"
	}
	h.send(w, r, scope, fingerprint(string(ch), body), req.toDispatch(ch))
}

// chatSendRequest is the body of POST /v1/conversations/{id}/messages.
type chatSendRequest struct {
	Message        string          `json:"message,omitempty"`
	MediaURL       string          `json:"mediaUrl,omitempty"`
	Type           string          `json:"type,omitempty"`
	TemplateName   string          `json:"templateName,omitempty"`
	TemplateParams json.RawMessage `json:"templateParams,omitempty"`
	LanguageCode   string          `json:"languageCode,omitempty"`
}

// SendToConversation handles POST /v1/conversations/{id}/messages. Owner,
// recipient and channel come from the conversation.
func (h *Handler) SendToConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSendBody))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Request body too large", err.Error())
		return
	}

	var req chatSendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	h.send(w, r, conv.OwnerID, fingerprint(conv.ID.String(), body), &dispatch.Request{
		Channel:           conv.Channel,
		Recipients:        []string{conv.PhoneNumber},
		Kind:              channel.Kind(req.Type),
		Text:              req.Message,
		MediaURL:          req.MediaURL,
		TemplateName:      req.TemplateName,
		RawTemplateParams: req.TemplateParams,
		LanguageCode:      req.LanguageCode,
		OwnerID:           conv.OwnerID,
	})
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request, scope, fp string, req *dispatch.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if h.idempotency == nil {
		idempotencyKey = ""
	}

	if idempotencyKey != "" {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey, fp)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case errors.Is(err, redis.ErrKeyReused):
			h.writeError(w, http.StatusUnprocessableEntity, "idempotency_key_reused",
				"Idempotency key reused",
				"This idempotency key was used with a different request body")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			idempotencyKey = ""
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	if !h.allowRecipients(ctx, w, scope, h.countRecipients(req)) {
		if idempotencyKey != "" {
			h.release(scope, idempotencyKey)
		}
		return
	}

	records, err := h.dispatcher.Dispatch(ctx, req)
	if err != nil {
		if idempotencyKey != "" {
			h.release(scope, idempotencyKey)
		}

		var verr *dispatch.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid send request", verr.Error())
			return
		}
		h.logger.Error("dispatch failed",
			zap.Error(err),
			zap.String("channel", string(req.Channel)),
		)
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to dispatch message", "")
		return
	}

	resp := newSendResponse(records)
	data, err := json.Marshal(resp)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "encode_error", "Failed to encode response", "")
		return
	}

	h.logger.Info("messages dispatched",
		zap.String("channel", string(req.Channel)),
		zap.Int("sent", resp.Sent),
		zap.Int("failed", resp.Failed),
	)

	if idempotencyKey != "" {
		result := &redis.IdempotencyResult{
			Fingerprint: fp,
			StatusCode:  http.StatusOK,
			Body:        data,
		}
		if err := h.idempotency.Store(context.WithoutCancel(ctx), scope, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// allowRecipients charges n recipients to the scope's quota and writes a 429
// when the quota is exhausted. Limiter errors let the send through.
func (h *Handler) allowRecipients(ctx context.Context, w http.ResponseWriter, scope string, n int) bool {
	if h.recipients == nil || n == 0 {
		return true
	}

	result, err := h.recipients.AllowN(ctx, "recipients:"+scope, n)
	if err != nil {
		h.logger.Warn("recipient quota check failed", zap.Error(err))
		return true
	}
	if result.Allowed {
		return true
	}

	metrics.RecordRateLimitRejection("recipients")
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.writeError(w, http.StatusTooManyRequests, "recipient_quota_exceeded",
		"Too Many Recipients",
		fmt.Sprintf("sending to %d recipients exceeds the remaining quota of %d", n, result.Remaining))
	return false
}

// countRecipients returns the number of distinct recipients req can reach.
// Empty and duplicate entries are never sent, so they are not charged.
func (h *Handler) countRecipients(req *dispatch.Request) int {
	kind := phone.KindPhone
	if req.Channel == db.ChannelEmail {
		kind = phone.KindEmail
	}
	seen := make(map[string]struct{}, len(req.Recipients))
	for _, r := range req.Recipients {
		if n := h.normalizer.NormalizeRecipient(kind, r); n != "" {
			seen[n] = struct{}{}
		}
	}
	return len(seen)
}

func (h *Handler) release(scope, key string) {
	if err := h.idempotency.Release(context.Background(), scope, key); err != nil {
		h.logger.Warn("failed to release idempotency key",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
	}
}

// fingerprint identifies a request body so a reused key with a different
// body can be told apart from a retry.
func fingerprint(target string, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(target))
	sum.Write([]byte{0})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}
