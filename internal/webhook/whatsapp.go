package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/reconcile"
)

const sourceWhatsApp = "whatsapp"

// WhatsAppConfig holds the webhook subscription secrets.
type WhatsAppConfig struct {
	// VerifyToken is echoed back by Meta during subscription.
	VerifyToken string
	// AppSecret signs POST bodies. Empty disables signature checks.
	AppSecret string
}

// WhatsAppHandler serves the Cloud API webhook.
type WhatsAppHandler struct {
	cfg        WhatsAppConfig
	reconciler Reconciler
	logger     *zap.Logger
	now        func() time.Time
}

func NewWhatsAppHandler(cfg WhatsAppConfig, reconciler Reconciler, logger *zap.Logger) *WhatsAppHandler {
	return &WhatsAppHandler{cfg: cfg, reconciler: reconciler, logger: logger, now: time.Now}
}

// Verify answers the subscription handshake (GET).
func (h *WhatsAppHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")

	if mode != "subscribe" || h.cfg.VerifyToken == "" ||
		!hmac.Equal([]byte(token), []byte(h.cfg.VerifyToken)) {
		h.logger.Warn("whatsapp webhook verification failed", zap.String("mode", mode))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	h.logger.Info("whatsapp webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// Receive processes status callbacks and inbound messages (POST). Every
// well-formed payload is acknowledged with 200 so Meta does not redeliver
// events that failed on our side.
func (h *WhatsAppHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if h.cfg.AppSecret != "" && !VerifySignature(h.cfg.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		h.logger.Warn("whatsapp webhook signature mismatch")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var payload waPayload
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		h.logger.Warn("whatsapp webhook bad payload", zap.Error(err))
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	statuses, inbound := h.events(&payload)
	ctx := r.Context()
	for _, ev := range statuses {
		if _, err := h.reconciler.OnStatusEvent(ctx, ev); err != nil {
			h.logger.Error("whatsapp status not applied",
				zap.String("provider_message_id", ev.ProviderMessageID),
				zap.Error(err),
			)
		}
	}
	for _, ev := range inbound {
		if _, err := h.reconciler.OnInboundEvent(ctx, ev); err != nil {
			h.logger.Error("whatsapp inbound message not threaded",
				zap.String("provider_message_id", ev.ProviderMessageID),
				zap.Error(err),
			)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// VerifySignature checks an X-Hub-Signature-256 header against body.
func VerifySignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected))
}

// events flattens a webhook payload into reconciler events, in payload order.
func (h *WhatsAppHandler) events(p *waPayload) ([]reconcile.StatusEvent, []reconcile.InboundEvent) {
	var statuses []reconcile.StatusEvent
	var inbound []reconcile.InboundEvent
	now := h.now()

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			for _, s := range v.Statuses {
				statuses = append(statuses, reconcile.StatusEvent{
					Source:            sourceWhatsApp,
					ProviderMessageID: s.ID,
					Status:            waStatus(s.Status),
					At:                unixTime(s.Timestamp, now),
					ErrorMessage:      s.errorMessage(),
				})
			}
			for _, m := range v.Messages {
				msgType, content, meta := m.content()
				ev := reconcile.InboundEvent{
					Source:            sourceWhatsApp,
					Channel:           db.ChannelWhatsApp,
					From:              m.From,
					ProviderMessageID: m.ID,
					ProfileName:       v.profileName(m.From),
					Content:           content,
					MessageType:       msgType,
					At:                unixTime(m.Timestamp, now),
				}
				if len(meta) > 0 {
					ev.Metadata, _ = json.Marshal(meta)
				}
				inbound = append(inbound, ev)
			}
		}
	}
	return statuses, inbound
}

func waStatus(s string) db.Status {
	switch s {
	case "sent":
		return db.StatusSent
	case "delivered":
		return db.StatusDelivered
	case "read":
		return db.StatusRead
	case "failed":
		return db.StatusFailed
	}
	return db.Status(strings.ToUpper(s))
}

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Field string  `json:"field"`
	Value waValue `json:"value"`
}

type waValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []waContact        `json:"contacts"`
	Messages []waInboundMessage `json:"messages"`
	Statuses []waStatusUpdate   `json:"statuses"`
}

func (v waValue) profileName(waID string) string {
	for _, c := range v.Contacts {
		if c.WaID == waID {
			return c.Profile.Name
		}
	}
	if len(v.Contacts) == 1 {
		return v.Contacts[0].Profile.Name
	}
	return ""
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waStatusUpdate struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Timestamp   string    `json:"timestamp"`
	RecipientID string    `json:"recipient_id"`
	Errors      []waError `json:"errors"`
}

func (s waStatusUpdate) errorMessage() string {
	if len(s.Errors) == 0 {
		return ""
	}
	e := s.Errors[0]
	detail := e.Title
	if e.Message != "" && e.Message != e.Title {
		detail = e.Message
	}
	if e.ErrorData.Details != "" {
		detail += " (" + e.ErrorData.Details + ")"
	}
	return fmt.Sprintf("%s: %s", channel.GraphErrorCode(e.Code), detail)
}

type waError struct {
	Code      int    `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type waInboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *waMedia `json:"image"`
	Video    *waMedia `json:"video"`
	Audio    *waMedia `json:"audio"`
	Document *waMedia `json:"document"`
	Sticker  *waMedia `json:"sticker"`
	Button   *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
	} `json:"location"`
	Reaction *struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	} `json:"reaction"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
}

// content returns the stored message type, a readable body and media metadata.
func (m waInboundMessage) content() (string, string, map[string]any) {
	meta := map[string]any{}
	if m.Context != nil && m.Context.ID != "" {
		meta["reply_to"] = m.Context.ID
	}

	media := func(kind string, md *waMedia) (string, string, map[string]any) {
		meta["media_id"] = md.ID
		meta["mime_type"] = md.MimeType
		if md.Filename != "" {
			meta["filename"] = md.Filename
		}
		msgType := db.MessageTypeText
		if kind == "image" {
			msgType = db.MessageTypeImage
		}
		if md.Caption != "" {
			return msgType, md.Caption, meta
		}
		return msgType, "[" + kind + "]", meta
	}

	switch {
	case m.Text != nil:
		return db.MessageTypeText, m.Text.Body, meta
	case m.Image != nil:
		return media("image", m.Image)
	case m.Video != nil:
		return media("video", m.Video)
	case m.Audio != nil:
		return media("audio", m.Audio)
	case m.Document != nil:
		return media("document", m.Document)
	case m.Sticker != nil:
		return media("sticker", m.Sticker)
	case m.Button != nil:
		return db.MessageTypeText, m.Button.Text, meta
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		return db.MessageTypeText, m.Interactive.ButtonReply.Title, meta
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		return db.MessageTypeText, m.Interactive.ListReply.Title, meta
	case m.Location != nil:
		return db.MessageTypeText, fmt.Sprintf("[location] %s %.6f,%.6f", m.Location.Name, m.Location.Latitude, m.Location.Longitude), meta
	case m.Reaction != nil:
		meta["reacted_to"] = m.Reaction.MessageID
		return db.MessageTypeText, m.Reaction.Emoji, meta
	}
	return db.MessageTypeText, "[" + m.Type + "]", meta
}
