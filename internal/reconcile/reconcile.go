// Package reconcile applies provider push events to the delivery log and the
// conversation store. Status events are merged monotonically, so callbacks
// may arrive late, twice or out of order.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/phone"
)

// MatchResult is how a status event related to stored state.
type MatchResult string

const (
	// Matched means at least one stored record carries the provider id.
	Matched MatchResult = "matched"
	// Unmatched means no stored record carries the provider id.
	Unmatched MatchResult = "unmatched"
	// Ignored means the event was malformed or carried nothing to merge.
	Ignored MatchResult = "ignored"
)

// StatusEvent is a provider's report on a message it accepted earlier.
type StatusEvent struct {
	Source            string
	ProviderMessageID string
	Status            db.Status
	At                time.Time
	ErrorMessage      string
}

// InboundEvent is a message a contact sent to the platform.
type InboundEvent struct {
	Source            string
	Channel           db.Channel
	From              string
	ProviderMessageID string
	// ProfileName is the display name the provider reports for the sender.
	ProfileName string
	Content     string
	MessageType string
	At          time.Time
	Metadata    json.RawMessage
}

// Contacts resolves owners and display names for inbound senders.
type Contacts interface {
	Resolve(ctx context.Context, phone string) (string, error)
	Name(ctx context.Context, ownerID, phone, providerName string) db.NameCandidate
}

// Reconciler routes provider events into the stores.
type Reconciler struct {
	deliveries    db.DeliveryStore
	conversations db.ConversationStore
	contacts      Contacts
	normalizer    phone.Normalizer
	logger        *zap.Logger
	now           func() time.Time
}

// New creates a reconciler.
func New(deliveries db.DeliveryStore, conversations db.ConversationStore, contacts Contacts, normalizer phone.Normalizer, logger *zap.Logger) *Reconciler {
	if normalizer.CountryCode == "" {
		normalizer = phone.Default
	}
	return &Reconciler{
		deliveries:    deliveries,
		conversations: conversations,
		contacts:      contacts,
		normalizer:    normalizer,
		logger:        logger,
		now:           time.Now,
	}
}

// OnStatusEvent merges ev into every record carrying its provider id. An id
// no store knows is reported as Unmatched without an error.
func (r *Reconciler) OnStatusEvent(ctx context.Context, ev StatusEvent) (MatchResult, error) {
	if ev.ProviderMessageID == "" || !ev.Status.Valid() {
		r.logger.Debug("ignoring status event",
			zap.String("source", ev.Source),
			zap.String("provider_message_id", ev.ProviderMessageID),
			zap.String("status", string(ev.Status)),
		)
		metrics.RecordWebhookEvent(ev.Source, string(Ignored))
		return Ignored, nil
	}
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	ev.At = ev.At.UTC()

	delivery, dErr := r.deliveries.RecordStatus(ctx, ev.ProviderMessageID, ev.Status, ev.At, ev.ErrorMessage)
	if dErr != nil {
		dErr = fmt.Errorf("record delivery status: %w", dErr)
	}
	message, mErr := r.conversations.RecordMessageStatus(ctx, ev.ProviderMessageID, ev.Status, ev.At, ev.ErrorMessage)
	if mErr != nil {
		mErr = fmt.Errorf("record message status: %w", mErr)
	}
	if err := errors.Join(dErr, mErr); err != nil {
		r.logger.Error("status reconciliation failed",
			zap.String("source", ev.Source),
			zap.String("provider_message_id", ev.ProviderMessageID),
			zap.Error(err),
		)
		return "", err
	}

	if !delivery.Found && !message.Found {
		r.logger.Warn("unmatched status event",
			zap.String("source", ev.Source),
			zap.String("provider_message_id", ev.ProviderMessageID),
			zap.String("status", string(ev.Status)),
		)
		metrics.RecordWebhookEvent(ev.Source, string(Unmatched))
		return Unmatched, nil
	}

	r.logger.Debug("status event reconciled",
		zap.String("source", ev.Source),
		zap.String("provider_message_id", ev.ProviderMessageID),
		zap.String("status", string(ev.Status)),
		zap.Bool("delivery_applied", delivery.Applied),
		zap.Bool("message_applied", message.Applied),
	)
	metrics.RecordWebhookEvent(ev.Source, string(Matched))
	return Matched, nil
}

// OnInboundEvent threads an inbound message into the sender's conversation and
// bumps its unread count. A provider id seen before returns (nil, nil).
func (r *Reconciler) OnInboundEvent(ctx context.Context, ev InboundEvent) (*db.Message, error) {
	from := r.normalizer.Normalize(ev.From)
	if from == "" {
		metrics.RecordWebhookEvent(ev.Source, string(Ignored))
		return nil, fmt.Errorf("inbound event from %q: sender is not a phone number", ev.From)
	}
	if ev.Channel == "" {
		ev.Channel = db.ChannelWhatsApp
	}
	if ev.MessageType == "" {
		ev.MessageType = db.MessageTypeText
	}
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	at := ev.At.UTC()

	owner, err := r.contacts.Resolve(ctx, from)
	if err != nil {
		metrics.RecordWebhookEvent(ev.Source, string(Ignored))
		return nil, fmt.Errorf("resolve owner for %s: %w", from, err)
	}

	conv, err := r.conversations.Upsert(ctx, db.ConversationKey{
		OwnerID:     owner,
		PhoneNumber: from,
		Channel:     ev.Channel,
	}, r.contacts.Name(ctx, owner, from, ev.ProfileName))
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}

	msg := &db.Message{
		ConversationID: conv.ID,
		Direction:      db.DirectionInbound,
		Content:        ev.Content,
		MessageType:    ev.MessageType,
		Status:         db.StatusDelivered,
		SentAt:         at,
		DeliveredAt:    &at,
		Metadata:       ev.Metadata,
	}
	if ev.ProviderMessageID != "" {
		id := ev.ProviderMessageID
		msg.ProviderMessageID = &id
	}

	inserted, err := r.conversations.AppendMessage(ctx, msg, db.AppendOptions{
		IncrementUnread:  true,
		TouchLastMessage: true,
	})
	if err != nil {
		return nil, fmt.Errorf("append inbound message: %w", err)
	}
	if !inserted {
		r.logger.Debug("duplicate inbound message ignored",
			zap.String("source", ev.Source),
			zap.String("provider_message_id", ev.ProviderMessageID),
		)
		metrics.RecordWebhookEvent(ev.Source, string(Ignored))
		return nil, nil
	}

	r.logger.Info("inbound message threaded",
		zap.String("source", ev.Source),
		zap.String("conversation_id", conv.ID.String()),
		zap.String("owner_id", owner),
		zap.String("channel", string(ev.Channel)),
	)
	metrics.RecordWebhookEvent(ev.Source, "inbound")
	return msg, nil
}
