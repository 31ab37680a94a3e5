// Package channel holds the provider adapters that put a single message on
// the wire: Amazon SES for email, a pluggable SMS provider, and the WhatsApp
// Cloud API.
//
// Adapters separate two kinds of failure. A provider that answered and refused
// the message (rate limit, bad number, template mismatch, 4xx/5xx with an
// error body) yields an Outcome with Success=false and a stable ErrorCode. A
// call that never got an answer (network fault, cancelled context) returns an
// error.
package channel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/template"
)

// Stable error codes carried in Outcome.ErrorCode and persisted as the prefix
// of DeliveryRecord.ErrorMessage.
const (
	CodeRateLimited      = "RATE_LIMITED"
	CodeInvalidRecipient = "INVALID_RECIPIENT"
	CodeWindowExpired    = "WINDOW_EXPIRED"
	CodeTemplateError    = "TEMPLATE_ERROR"
	CodeProviderError    = "PROVIDER_ERROR"
	CodeCircuitOpen      = "CIRCUIT_OPEN"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeMediaUpload      = "MEDIA_UPLOAD_FAILED"
)

// Kind is the shape of an outbound message.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindTemplate Kind = "template"
)

// Attachment is a file sent along with an email.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

// Request is one message to one recipient.
type Request struct {
	Channel db.Channel
	// To is the normalized recipient: a canonical phone number or a lowercased
	// email address.
	To   string
	Kind Kind

	Text     string
	Subject  string
	HTML     string
	MediaURL string

	// Template is set for template sends; adapters pick the shape they need.
	Template *template.Rendered

	Attachments []Attachment

	// Reference is the delivery record id, passed to providers that accept a
	// client reference.
	Reference string
}

// Outcome is the provider's answer to a send.
type Outcome struct {
	Success           bool
	ProviderMessageID string
	ErrorCode         string
	ErrorMessage      string
	Metadata          map[string]any
}

// Failure builds an unsuccessful outcome.
func Failure(code, message string) *Outcome {
	return &Outcome{ErrorCode: code, ErrorMessage: message}
}

// Delivered builds a successful outcome.
func Delivered(providerMessageID string, metadata map[string]any) *Outcome {
	return &Outcome{Success: true, ProviderMessageID: providerMessageID, Metadata: metadata}
}

// Error renders the outcome as "<CODE>: <detail>" for persistence.
func (o *Outcome) Error() string {
	if o.ErrorMessage == "" {
		return o.ErrorCode
	}
	return o.ErrorCode + ": " + o.ErrorMessage
}

// Adapter sends a message through one provider.
type Adapter interface {
	Send(ctx context.Context, req *Request) (*Outcome, error)
	SupportsChannel(ch db.Channel) bool
}

// ProviderError is an answer from a provider that refused a message. Provider
// clients return it so adapters can tell refusals from transport faults.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (http %d): %s", e.Provider, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

// Outcome converts the refusal into a failed outcome.
func (e *ProviderError) Outcome() *Outcome {
	out := Failure(e.Code, e.Message)
	out.Metadata = map[string]any{"provider": e.Provider}
	if e.StatusCode > 0 {
		out.Metadata["http_status"] = e.StatusCode
	}
	return out
}

// Router sends each request through the first adapter supporting its channel.
type Router struct {
	adapters []Adapter
	logger   *zap.Logger
}

// NewRouter creates a router over adapters, in priority order.
func NewRouter(logger *zap.Logger, adapters ...Adapter) *Router {
	return &Router{adapters: adapters, logger: logger}
}

// Send routes req to the adapter for its channel.
func (r *Router) Send(ctx context.Context, req *Request) (*Outcome, error) {
	for _, a := range r.adapters {
		if a.SupportsChannel(req.Channel) {
			r.logger.Debug("routing message to adapter",
				zap.String("channel", string(req.Channel)),
				zap.String("reference", req.Reference),
			)
			return a.Send(ctx, req)
		}
	}
	return nil, fmt.Errorf("no adapter for channel: %s", req.Channel)
}

// SupportsChannel reports whether any adapter handles ch.
func (r *Router) SupportsChannel(ch db.Channel) bool {
	for _, a := range r.adapters {
		if a.SupportsChannel(ch) {
			return true
		}
	}
	return false
}
