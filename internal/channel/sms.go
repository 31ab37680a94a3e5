package channel

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// SMSResult is a provider's acceptance of one SMS.
type SMSResult struct {
	MessageID string
	Reference string
	Cost      string
}

// SMSProvider is a concrete SMS backend. Send returns a *ProviderError when the
// provider refused the message and any other error for transport faults.
type SMSProvider interface {
	Name() string
	// FormatNumber converts a canonical "+<digits>" number into the form the
	// provider expects.
	FormatNumber(canonical string) string
	Send(ctx context.Context, to, message, reference string) (*SMSResult, error)
}

// SMSAdapter sends text messages through an SMSProvider. Template sends use
// the rendered SMS text.
type SMSAdapter struct {
	provider SMSProvider
	logger   *zap.Logger
}

// NewSMSAdapter wraps provider.
func NewSMSAdapter(provider SMSProvider, logger *zap.Logger) *SMSAdapter {
	return &SMSAdapter{provider: provider, logger: logger}
}

func (a *SMSAdapter) SupportsChannel(ch db.Channel) bool {
	return ch == db.ChannelSMS
}

func (a *SMSAdapter) Send(ctx context.Context, req *Request) (*Outcome, error) {
	text := req.Text
	if req.Template != nil {
		text = req.Template.SMS
	}
	if req.To == "" {
		return Failure(CodeInvalidRecipient, "phone number is empty"), nil
	}
	if text == "" {
		return Failure(CodeInvalidRequest, "sms text is required"), nil
	}

	to := a.provider.FormatNumber(req.To)
	res, err := a.provider.Send(ctx, to, text, req.Reference)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			a.logger.Warn("sms provider refused message",
				zap.String("provider", a.provider.Name()),
				zap.String("recipient", req.To),
				zap.String("code", perr.Code),
				zap.String("reason", perr.Message),
			)
			return perr.Outcome(), nil
		}
		return nil, fmt.Errorf("%s send: %w", a.provider.Name(), err)
	}

	meta := map[string]any{"provider": a.provider.Name()}
	if res.Reference != "" {
		meta["reference"] = res.Reference
	}
	if res.Cost != "" {
		meta["cost"] = res.Cost
	}

	a.logger.Info("sms sent",
		zap.String("provider", a.provider.Name()),
		zap.String("recipient", req.To),
		zap.String("provider_message_id", res.MessageID),
	)
	return Delivered(res.MessageID, meta), nil
}
