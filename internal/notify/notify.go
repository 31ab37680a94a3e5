// Package notify exposes typed entry points for callers that send
// notifications without a chat context: event reminders, payment
// confirmations and invitations. These sends are logged in the delivery log
// but never threaded into a conversation.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/template"
)

// Sender is the part of the dispatcher the notifier needs.
type Sender interface {
	Dispatch(ctx context.Context, req *dispatch.Request) ([]*db.DeliveryRecord, error)
}

// Summary counts the outcome of one notification batch.
type Summary struct {
	Records []*db.DeliveryRecord
	Sent    int
	Failed  int
}

// Notifier sends templated notifications.
type Notifier struct {
	sender   Sender
	language string
	logger   *zap.Logger
}

// New creates a notifier. An empty language uses each template's default.
func New(sender Sender, language string, logger *zap.Logger) *Notifier {
	return &Notifier{sender: sender, language: language, logger: logger}
}

// EventReminder reminds guests of an upcoming event.
func (n *Notifier) EventReminder(ctx context.Context, ch db.Channel, recipients []string, p template.EventReminderParams) (*Summary, error) {
	return n.send(ctx, ch, recipients, p)
}

// PaymentConfirmation confirms a payment to the payer.
func (n *Notifier) PaymentConfirmation(ctx context.Context, ch db.Channel, recipient string, p template.PaymentConfirmationParams) (*Summary, error) {
	return n.send(ctx, ch, []string{recipient}, p)
}

// Invitation sends an event invitation to guests.
func (n *Notifier) Invitation(ctx context.Context, ch db.Channel, recipients []string, p template.InvitationParams) (*Summary, error) {
	return n.send(ctx, ch, recipients, p)
}

func (n *Notifier) send(ctx context.Context, ch db.Channel, recipients []string, p template.Params) (*Summary, error) {
	name := p.TemplateName()
	records, err := n.sender.Dispatch(ctx, &dispatch.Request{
		Channel:        ch,
		Recipients:     recipients,
		Kind:           channel.KindTemplate,
		TemplateName:   name,
		TemplateParams: p,
		LanguageCode:   n.language,
	})
	if err != nil {
		return nil, fmt.Errorf("notify %s: %w", name, err)
	}

	s := &Summary{Records: records}
	for _, rec := range records {
		if rec.Status == db.StatusFailed {
			s.Failed++
		} else {
			s.Sent++
		}
	}

	n.logger.Info("notification dispatched",
		zap.String("template", name),
		zap.String("channel", string(ch)),
		zap.Int("sent", s.Sent),
		zap.Int("failed", s.Failed),
	)
	return s, nil
}
