// Package dispatch fans one channel-agnostic send request out to its
// recipients and reports a result per recipient. Every result is published as
// a MessageSent event to a set of independent projections.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/phone"
	"github.com/lalithlochan/herald/internal/template"
)

// DefaultSendTimeout bounds a single adapter call.
const DefaultSendTimeout = 30 * time.Second

// Request is a send to one or more recipients on a single channel.
type Request struct {
	Channel    db.Channel
	Recipients []string
	Kind       channel.Kind

	Text     string
	Subject  string
	HTML     string
	MediaURL string

	TemplateName string
	// TemplateParams takes precedence over RawTemplateParams.
	TemplateParams    template.Params
	RawTemplateParams json.RawMessage
	LanguageCode      string

	// OwnerID carries chat context. Sends without it never touch conversations.
	OwnerID     string
	Attachments []channel.Attachment
}

// WindowPolicy decides whether a WhatsApp recipient can only receive templates.
type WindowPolicy interface {
	RequiresTemplate(ctx context.Context, ownerID, phone string) (bool, error)
}

// Config holds dispatcher tuning.
type Config struct {
	// SMSPacing is the gap between the end of one SMS attempt and the start
	// of the next within a batch. Zero disables pacing.
	SMSPacing   time.Duration
	SendTimeout time.Duration
	Normalizer  phone.Normalizer
}

// Dispatcher sends requests through a channel adapter.
type Dispatcher struct {
	adapter     channel.Adapter
	window      WindowPolicy
	renderer    *template.Renderer
	projections []Projection
	cfg         Config
	logger      *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher. A nil window policy disables the WhatsApp window
// check; a nil renderer uses the built-in template catalog.
func New(adapter channel.Adapter, window WindowPolicy, renderer *template.Renderer, cfg Config, logger *zap.Logger, projections ...Projection) *Dispatcher {
	if cfg.SMSPacing < 0 {
		cfg.SMSPacing = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Normalizer.CountryCode == "" {
		cfg.Normalizer = phone.Default
	}
	if renderer == nil {
		renderer = template.NewRenderer(nil)
	}
	return &Dispatcher{
		adapter:     adapter,
		window:      window,
		renderer:    renderer,
		projections: projections,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// prepared is the request after validation and rendering, shared by every
// recipient of the batch.
type prepared struct {
	req      *Request
	kind     channel.Kind
	rendered *template.Rendered
	// unknownTemplate fails every recipient without calling the adapter.
	unknownTemplate bool
	content         string
}

// Dispatch sends req to each of its recipients in order and returns one record
// per distinct recipient. Provider failures are reported in the records; the
// returned error is only set for request-level validation failures.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) ([]*db.DeliveryRecord, error) {
	p, err := d.prepare(req)
	if err != nil {
		return nil, err
	}

	recipients := d.normalizeRecipients(req.Channel, req.Recipients)
	if len(recipients) == 0 {
		return []*db.DeliveryRecord{}, nil
	}

	d.logger.Info("dispatching message",
		zap.String("channel", string(req.Channel)),
		zap.String("kind", string(p.kind)),
		zap.Int("recipients", len(recipients)),
		zap.Bool("chat", req.OwnerID != ""),
	)

	records := make([]*db.DeliveryRecord, 0, len(recipients))
	var lastAttempt time.Time
	cancelled := false

	for _, to := range recipients {
		ev := d.newEvent(p, to)

		switch {
		case to == "":
			d.fail(ev, CodeEmptyRecipient, "recipient is empty after normalization")
		case p.unknownTemplate:
			d.fail(ev, CodeUnknownTemplate, fmt.Sprintf("template %q is not registered", req.TemplateName))
		case cancelled:
			d.fail(ev, CodeCancelled, "dispatch cancelled before send")
		default:
			if req.Channel == db.ChannelSMS && !lastAttempt.IsZero() && d.cfg.SMSPacing > 0 {
				if wait := d.cfg.SMSPacing - d.now().Sub(lastAttempt); wait > 0 {
					if err := d.sleep(ctx, wait); err != nil {
						cancelled = true
						d.fail(ev, CodeCancelled, "dispatch cancelled before send")
						break
					}
				}
			}
			if ctx.Err() != nil {
				cancelled = true
				d.fail(ev, CodeCancelled, "dispatch cancelled before send")
				break
			}
			if d.windowClosed(ctx, p, to) {
				d.fail(ev, channel.CodeWindowExpired, "24h session window closed; use a template message")
				break
			}
			d.attempt(ctx, p, ev)
			lastAttempt = d.now()
			if ctx.Err() != nil {
				cancelled = true
			}
		}

		d.publish(ctx, ev)
		records = append(records, ev.Record)
	}

	return records, nil
}

func (d *Dispatcher) prepare(req *Request) (*prepared, error) {
	if req == nil {
		return nil, &ValidationError{Reason: "request is required"}
	}
	if ch, ok := db.ParseChannel(string(req.Channel)); !ok || ch != req.Channel {
		return nil, invalid("channel", "unknown channel %q", req.Channel)
	}
	if !d.adapter.SupportsChannel(req.Channel) {
		return nil, invalid("channel", "channel %s is not configured", req.Channel)
	}

	p := &prepared{req: req, kind: req.Kind}
	if p.kind == "" {
		p.kind = channel.KindText
		if req.TemplateName != "" {
			p.kind = channel.KindTemplate
		}
	}

	switch p.kind {
	case channel.KindText:
		if req.Channel == db.ChannelEmail {
			if strings.TrimSpace(req.Subject) == "" {
				return nil, invalid("subject", "required for email")
			}
			if strings.TrimSpace(req.HTML) == "" && strings.TrimSpace(req.Text) == "" {
				return nil, invalid("message", "email needs a message or html body")
			}
			p.content = req.Subject
		} else {
			if strings.TrimSpace(req.Text) == "" {
				return nil, invalid("message", "required for text messages")
			}
			p.content = req.Text
		}
	case channel.KindImage:
		if req.Channel != db.ChannelWhatsApp {
			return nil, invalid("type", "image messages are only supported on WhatsApp")
		}
		if strings.TrimSpace(req.MediaURL) == "" {
			return nil, invalid("mediaUrl", "required for image messages")
		}
		p.content = "[image]"
		if req.Text != "" {
			p.content += " " + req.Text
		}
	case channel.KindTemplate:
		if req.TemplateName == "" {
			return nil, invalid("templateName", "required for template messages")
		}
		if !template.Known(req.TemplateName) {
			p.unknownTemplate = true
			p.content = "[template:" + req.TemplateName + "]"
			return p, nil
		}
		params := req.TemplateParams
		if params == nil {
			decoded, err := template.DecodeParams(req.TemplateName, req.RawTemplateParams)
			if err != nil {
				return nil, invalid("templateParams", "%v", err)
			}
			params = decoded
		}
		rendered, err := d.renderer.Render(req.TemplateName, req.LanguageCode, params)
		if err != nil {
			return nil, invalid("templateParams", "%v", err)
		}
		p.rendered = rendered
		switch req.Channel {
		case db.ChannelEmail:
			p.content = rendered.EmailSubject
		case db.ChannelSMS:
			p.content = rendered.SMS
		default:
			p.content = "[template:" + rendered.WhatsApp.Name + "] " + rendered.SMS
		}
	default:
		return nil, invalid("type", "unknown message type %q", p.kind)
	}
	return p, nil
}

// normalizeRecipients canonicalizes and dedupes recipients, keeping the first
// occurrence. Every empty result is kept so it can be reported.
func (d *Dispatcher) normalizeRecipients(ch db.Channel, raw []string) []string {
	kind := phone.KindPhone
	if ch == db.ChannelEmail {
		kind = phone.KindEmail
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		n := d.cfg.Normalizer.NormalizeRecipient(kind, r)
		if n != "" {
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
		}
		out = append(out, n)
	}
	return out
}

func (d *Dispatcher) newEvent(p *prepared, to string) *MessageSent {
	now := d.now().UTC()
	rec := &db.DeliveryRecord{
		ID:            uuid.New(),
		RecipientType: db.RecipientPhone,
		Recipient:     to,
		Channel:       p.req.Channel,
		Content:       p.content,
		Status:        db.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.req.Channel == db.ChannelEmail {
		rec.RecipientType = db.RecipientEmail
	}
	if p.req.OwnerID != "" {
		owner := p.req.OwnerID
		rec.OwnerID = &owner
	}
	ev := &MessageSent{Record: rec, OwnerID: p.req.OwnerID, Kind: p.kind, At: now}
	if p.kind == channel.KindTemplate {
		ev.setMetadata(map[string]any{"template": p.req.TemplateName})
	}
	return ev
}

func (d *Dispatcher) windowClosed(ctx context.Context, p *prepared, to string) bool {
	if d.window == nil || p.req.Channel != db.ChannelWhatsApp || p.kind == channel.KindTemplate {
		return false
	}
	requires, err := d.window.RequiresTemplate(ctx, p.req.OwnerID, to)
	if err != nil {
		d.logger.Warn("window check failed; treating window as closed",
			zap.String("recipient", to),
			zap.Error(err),
		)
	}
	return requires
}

// attempt calls the adapter for one recipient and records the outcome on ev.
func (d *Dispatcher) attempt(ctx context.Context, p *prepared, ev *MessageSent) {
	rec := ev.Record
	creq := &channel.Request{
		Channel:     rec.Channel,
		To:          rec.Recipient,
		Kind:        p.kind,
		Text:        p.req.Text,
		Subject:     p.req.Subject,
		HTML:        p.req.HTML,
		MediaURL:    p.req.MediaURL,
		Template:    p.rendered,
		Attachments: p.req.Attachments,
		Reference:   rec.ID.String(),
	}

	start := d.now()
	out, err := d.call(ctx, creq)
	ev.Attempted = true
	ev.Duration = d.now().Sub(start)

	if err != nil {
		var te *TransportError
		switch {
		case ctx.Err() != nil:
			d.fail(ev, CodeCancelled, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			d.fail(ev, CodeTimeout, "provider call timed out")
		case errors.As(err, &te):
			d.logger.Error("adapter call failed",
				zap.String("channel", string(rec.Channel)),
				zap.String("recipient", rec.Recipient),
				zap.Bool("panicked", te.Panicked),
				zap.Error(err),
				zap.Stack("stack"),
			)
			d.fail(ev, CodeTransportError, te.Err.Error())
		default:
			d.fail(ev, CodeTransportError, err.Error())
		}
		return
	}

	ev.setMetadata(out.Metadata)
	if !out.Success {
		d.fail(ev, out.ErrorCode, out.ErrorMessage)
		return
	}
	rec.Status = db.StatusSent
	if out.ProviderMessageID != "" {
		id := out.ProviderMessageID
		rec.ProviderMessageID = &id
	}
}

// call runs the adapter under the per-call timeout and turns panics and
// transport faults into *TransportError.
func (d *Dispatcher) call(ctx context.Context, req *channel.Request) (out *channel.Outcome, err error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &TransportError{Channel: req.Channel, Recipient: req.To, Panicked: true, Err: fmt.Errorf("%v", r)}
		}
	}()

	out, err = d.adapter.Send(callCtx, req)
	if err == nil && out == nil {
		err = errors.New("adapter returned no outcome")
	}
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("send to %s: %w", req.To, context.DeadlineExceeded)
		}
		return nil, &TransportError{Channel: req.Channel, Recipient: req.To, Err: err}
	}
	return out, nil
}

func (d *Dispatcher) fail(ev *MessageSent, code, detail string) {
	msg := failureMessage(code, detail)
	ev.Record.Status = db.StatusFailed
	ev.Record.ErrorMessage = &msg
	ev.ErrorCode = code
}

// setMetadata merges fields into the record's metadata bag.
func (ev *MessageSent) setMetadata(fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	bag := map[string]any{}
	if len(ev.Record.Metadata) > 0 {
		_ = json.Unmarshal(ev.Record.Metadata, &bag)
	}
	for k, v := range fields {
		bag[k] = v
	}
	if raw, err := json.Marshal(bag); err == nil {
		ev.Record.Metadata = raw
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
