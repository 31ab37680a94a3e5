package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

// MessageSent describes one per-recipient dispatch result. Every result,
// including ones that never reached a provider, produces exactly one event.
type MessageSent struct {
	Record    *db.DeliveryRecord
	OwnerID   string
	Kind      channel.Kind
	ErrorCode string
	// Attempted is true when a provider call was made.
	Attempted bool
	Duration  time.Duration
	At        time.Time
}

// Projection applies a MessageSent event to one view of the world. Projections
// are independent: one failing does not stop the others.
type Projection interface {
	Name() string
	Project(ctx context.Context, ev *MessageSent) error
}

// DeliveryLogProjection appends every result to the delivery log.
type DeliveryLogProjection struct {
	store db.DeliveryStore
}

func NewDeliveryLogProjection(store db.DeliveryStore) *DeliveryLogProjection {
	return &DeliveryLogProjection{store: store}
}

func (p *DeliveryLogProjection) Name() string { return "delivery_log" }

func (p *DeliveryLogProjection) Project(ctx context.Context, ev *MessageSent) error {
	return p.store.Insert(ctx, ev.Record)
}

// ContactNamer offers the best known display name for an owner's contact.
type ContactNamer interface {
	Name(ctx context.Context, ownerID, phone, providerName string) db.NameCandidate
}

// ConversationProjection threads chat-originated SMS and WhatsApp sends into
// the owner's conversation with the recipient.
type ConversationProjection struct {
	store db.ConversationStore
	names ContactNamer
}

// NewConversationProjection creates the projection. names may be nil, in
// which case conversations are named after the phone number until the
// contact replies.
func NewConversationProjection(store db.ConversationStore, names ContactNamer) *ConversationProjection {
	return &ConversationProjection{store: store, names: names}
}

func (p *ConversationProjection) Name() string { return "conversation" }

func (p *ConversationProjection) Project(ctx context.Context, ev *MessageSent) error {
	rec := ev.Record
	if ev.OwnerID == "" || !rec.Channel.IsPhoneBased() || rec.Recipient == "" {
		return nil
	}

	var name db.NameCandidate
	if p.names != nil {
		name = p.names.Name(ctx, ev.OwnerID, rec.Recipient, "")
	}

	conv, err := p.store.Upsert(ctx, db.ConversationKey{
		OwnerID:     ev.OwnerID,
		PhoneNumber: rec.Recipient,
		Channel:     rec.Channel,
	}, name)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	recordID := rec.ID
	msg := &db.Message{
		ConversationID:    conv.ID,
		DeliveryRecordID:  &recordID,
		Direction:         db.DirectionOutbound,
		ProviderMessageID: rec.ProviderMessageID,
		Content:           rec.Content,
		MessageType:       string(ev.Kind),
		Status:            rec.Status,
		SentAt:            ev.At,
		ErrorMessage:      rec.ErrorMessage,
		Metadata:          rec.Metadata,
	}
	// A refused or failed send must not reopen the WhatsApp window.
	opts := db.AppendOptions{TouchLastMessage: rec.Status == db.StatusSent}
	if _, err := p.store.AppendMessage(ctx, msg, opts); err != nil {
		return fmt.Errorf("append outbound message: %w", err)
	}
	return nil
}

// MetricsProjection exports dispatch results to Prometheus.
type MetricsProjection struct{}

func (MetricsProjection) Name() string { return "metrics" }

func (MetricsProjection) Project(_ context.Context, ev *MessageSent) error {
	ch := string(ev.Record.Channel)
	metrics.RecordDispatch(ch, string(ev.Record.Status), ev.ErrorCode)
	if ev.Attempted {
		metrics.RecordProviderLatency(ch, ev.Duration)
	}
	if ev.ErrorCode == channel.CodeWindowExpired && !ev.Attempted {
		metrics.RecordWindowRejection()
	}
	return nil
}

// publish runs every projection. Projections see a context that outlives
// the caller's cancellation so results of a cancelled batch are still stored.
func (d *Dispatcher) publish(ctx context.Context, ev *MessageSent) {
	ctx = context.WithoutCancel(ctx)
	for _, p := range d.projections {
		if err := p.Project(ctx, ev); err != nil {
			metrics.RecordProjectionFailure(p.Name())
			d.logger.Error("projection failed",
				zap.String("projection", p.Name()),
				zap.String("delivery_id", ev.Record.ID.String()),
				zap.String("channel", string(ev.Record.Channel)),
				zap.Error(err),
			)
		}
	}
}
