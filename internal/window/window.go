// Package window decides whether a free-form WhatsApp message may still be
// sent to a contact or whether only a pre-approved template is allowed.
package window

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// DefaultWindow is WhatsApp's customer service window.
const DefaultWindow = 24 * time.Hour

// ConversationFinder is the conversation lookup the policy needs.
type ConversationFinder interface {
	Find(ctx context.Context, key db.ConversationKey) (*db.Conversation, error)
}

// OwnerResolver finds the owner for a contact when the caller has none.
type OwnerResolver interface {
	Resolve(ctx context.Context, phone string) (string, error)
}

// Policy is the WhatsApp session window gate.
type Policy struct {
	conversations ConversationFinder
	owners        OwnerResolver
	window        time.Duration
	now           func() time.Time
	logger        *zap.Logger
}

// Option customizes a Policy.
type Option func(*Policy)

// WithWindow overrides the window length.
func WithWindow(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.window = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// WithOwnerResolver resolves owners for sends made without one.
func WithOwnerResolver(r OwnerResolver) Option {
	return func(p *Policy) { p.owners = r }
}

// New creates a policy over the conversation store.
func New(conversations ConversationFinder, logger *zap.Logger, opts ...Option) *Policy {
	p := &Policy{
		conversations: conversations,
		window:        DefaultWindow,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Window returns the configured window length.
func (p *Policy) Window() time.Duration {
	return p.window
}

// RequiresTemplate reports whether a message to phone must be a template. It
// is true when no conversation or activity is known and when the last
// activity is strictly older than the window. Lookup failures are reported
// together with true so callers that ignore the error still fail safe.
func (p *Policy) RequiresTemplate(ctx context.Context, ownerID, phone string) (bool, error) {
	if ownerID == "" {
		if p.owners == nil {
			return true, nil
		}
		owner, err := p.owners.Resolve(ctx, phone)
		if err != nil || owner == "" {
			p.logger.Debug("no owner for window check, template required",
				zap.String("phone", phone),
				zap.Error(err),
			)
			return true, nil
		}
		ownerID = owner
	}

	conv, err := p.conversations.Find(ctx, db.ConversationKey{
		OwnerID:     ownerID,
		PhoneNumber: phone,
		Channel:     db.ChannelWhatsApp,
	})
	if errors.Is(err, db.ErrConversationNotFound) {
		return true, nil
	}
	if err != nil {
		p.logger.Warn("window lookup failed, template required",
			zap.Error(err),
			zap.String("owner_id", ownerID),
			zap.String("phone", phone),
		)
		return true, err
	}
	if conv.LastMessageAt == nil {
		return true, nil
	}

	return p.now().Sub(*conv.LastMessageAt) > p.window, nil
}
