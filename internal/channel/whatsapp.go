package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/phone"
	"github.com/lalithlochan/herald/internal/template"
)

// DefaultGraphAPIBase is the Cloud API endpoint root.
const DefaultGraphAPIBase = "https://graph.facebook.com/v21.0"

// WhatsAppConfig configures the Cloud API adapter.
type WhatsAppConfig struct {
	APIBase       string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
}

// WhatsAppAdapter sends text, image and template messages through the
// WhatsApp Cloud API.
type WhatsAppAdapter struct {
	cfg    WhatsAppConfig
	client *http.Client
	media  MediaStore
	logger *zap.Logger
}

// NewWhatsAppAdapter creates an adapter. media resolves data: URLs for image
// sends; when nil such sends fail with MEDIA_UPLOAD_FAILED.
func NewWhatsAppAdapter(cfg WhatsAppConfig, media MediaStore, logger *zap.Logger) *WhatsAppAdapter {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultGraphAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WhatsAppAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		media:  media,
		logger: logger,
	}
}

// SetMediaStore replaces the media store. The Graph media store needs the
// adapter it uploads through, so it is attached after construction.
func (a *WhatsAppAdapter) SetMediaStore(media MediaStore) {
	a.media = media
}

func (a *WhatsAppAdapter) SupportsChannel(ch db.Channel) bool {
	return ch == db.ChannelWhatsApp
}

type waSendRequest struct {
	MessagingProduct string                     `json:"messaging_product"`
	RecipientType    string                     `json:"recipient_type"`
	To               string                     `json:"to"`
	Type             string                     `json:"type"`
	Text             *waText                    `json:"text,omitempty"`
	Image            *waImage                   `json:"image,omitempty"`
	Template         *template.WhatsAppTemplate `json:"template,omitempty"`
}

type waText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type waImage struct {
	ID      string `json:"id,omitempty"`
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type waSendResponse struct {
	Contacts []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type waErrorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		ErrorData    struct {
			Details string `json:"details"`
		} `json:"error_data"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

func (a *WhatsAppAdapter) Send(ctx context.Context, req *Request) (*Outcome, error) {
	if req.To == "" {
		return Failure(CodeInvalidRecipient, "phone number is empty"), nil
	}

	payload := waSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               phone.Digits(req.To),
	}

	switch {
	case req.Kind == KindTemplate || req.Template != nil:
		if req.Template == nil {
			return Failure(CodeTemplateError, "template send without a rendered template"), nil
		}
		wa := req.Template.WhatsApp
		payload.Type = "template"
		payload.Template = &wa

	case req.Kind == KindImage:
		img, out := a.image(ctx, req)
		if out != nil {
			return out, nil
		}
		payload.Type = "image"
		payload.Image = img

	default:
		if strings.TrimSpace(req.Text) == "" {
			return Failure(CodeInvalidRequest, "message text is required"), nil
		}
		payload.Type = "text"
		payload.Text = &waText{Body: req.Text}
	}

	var resp waSendResponse
	if err := a.post(ctx, "/messages", payload, &resp); err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			a.logger.Warn("whatsapp refused message",
				zap.String("recipient", req.To),
				zap.String("code", perr.Code),
				zap.String("reason", perr.Message),
			)
			return perr.Outcome(), nil
		}
		return nil, err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return Failure(CodeProviderError, "response carried no message id"), nil
	}

	id := resp.Messages[0].ID
	meta := map[string]any{"provider": "whatsapp", "type": payload.Type}
	if payload.Template != nil {
		meta["template"] = payload.Template.Name
	}
	if len(resp.Contacts) > 0 {
		meta["wa_id"] = resp.Contacts[0].WaID
	}

	a.logger.Info("whatsapp message sent",
		zap.String("recipient", req.To),
		zap.String("type", payload.Type),
		zap.String("provider_message_id", id),
	)
	return Delivered(id, meta), nil
}

// image resolves the media reference for an image send. A non-nil Outcome is
// a failure to report instead of sending.
func (a *WhatsAppAdapter) image(ctx context.Context, req *Request) (*waImage, *Outcome) {
	if req.MediaURL == "" {
		return nil, Failure(CodeInvalidRequest, "image send requires mediaUrl")
	}
	img := &waImage{Caption: req.Text}

	if !strings.HasPrefix(req.MediaURL, "data:") {
		img.Link = req.MediaURL
		return img, nil
	}

	data, contentType, err := DecodeDataURL(req.MediaURL)
	if err != nil {
		return nil, Failure(CodeInvalidRequest, err.Error())
	}
	if a.media == nil {
		return nil, Failure(CodeMediaUpload, "no media store configured")
	}
	ref, err := a.media.Put(ctx, data, contentType)
	if err != nil {
		a.logger.Warn("media upload failed", zap.Error(err), zap.String("recipient", req.To))
		return nil, Failure(CodeMediaUpload, err.Error())
	}
	img.ID, img.Link = ref.ID, ref.Link
	return img, nil
}

// post sends a JSON body to the phone number's Graph endpoint.
func (a *WhatsAppAdapter) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal whatsapp request: %w", err)
	}

	url := a.cfg.APIBase + "/" + a.cfg.PhoneNumberID + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)

	return a.do(req, out)
}

func (a *WhatsAppAdapter) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read whatsapp response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e waErrorResponse
		if json.Unmarshal(raw, &e) != nil || e.Error.Message == "" {
			return &ProviderError{
				Provider:   "whatsapp",
				StatusCode: resp.StatusCode,
				Code:       CodeProviderError,
				Message:    strings.TrimSpace(string(raw)),
			}
		}
		msg := e.Error.Message
		if e.Error.ErrorData.Details != "" {
			msg += ": " + e.Error.ErrorData.Details
		}
		return &ProviderError{
			Provider:   "whatsapp",
			StatusCode: resp.StatusCode,
			Code:       GraphErrorCode(e.Error.Code),
			Message:    fmt.Sprintf("%s (code %d)", msg, e.Error.Code),
		}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode whatsapp response: %w", err)
		}
	}
	return nil
}

// GraphErrorCode maps a Cloud API error code to a stable error code.
func GraphErrorCode(code int) string {
	switch {
	case code == 131047:
		return CodeWindowExpired
	case code == 4 || code == 80007 || code == 130429 || code == 131048 || code == 131056:
		return CodeRateLimited
	case code == 131026 || code == 131030 || code == 131021:
		return CodeInvalidRecipient
	case code >= 132000 && code < 133000:
		return CodeTemplateError
	}
	return CodeProviderError
}
