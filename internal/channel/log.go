package channel

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// LogAdapter stands in for real providers during development. It logs the
// message and reports success with a synthetic provider id.
type LogAdapter struct {
	channels map[db.Channel]bool
	logger   *zap.Logger
}

// NewLogAdapter handles the given channels, or every channel when none are
// given.
func NewLogAdapter(logger *zap.Logger, channels ...db.Channel) *LogAdapter {
	if len(channels) == 0 {
		channels = []db.Channel{db.ChannelEmail, db.ChannelSMS, db.ChannelWhatsApp}
	}
	set := make(map[db.Channel]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	return &LogAdapter{channels: set, logger: logger}
}

func (a *LogAdapter) Send(_ context.Context, req *Request) (*Outcome, error) {
	id := "log." + uuid.NewString()

	fields := []zap.Field{
		zap.String("channel", string(req.Channel)),
		zap.String("recipient", req.To),
		zap.String("kind", string(req.Kind)),
		zap.String("provider_message_id", id),
	}
	switch {
	case req.Template != nil:
		fields = append(fields, zap.String("template", req.Template.Name))
	case req.Subject != "":
		fields = append(fields, zap.String("subject", req.Subject))
	default:
		fields = append(fields, zap.Int("text_len", len(req.Text)))
	}
	a.logger.Info("message sent via log adapter", fields...)

	return Delivered(id, map[string]any{"provider": "log"}), nil
}

func (a *LogAdapter) SupportsChannel(ch db.Channel) bool {
	return a.channels[ch]
}
