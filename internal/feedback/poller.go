// Package feedback turns SES delivery notifications queued in SQS into
// delivery status updates.
package feedback

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/reconcile"
	"github.com/lalithlochan/herald/internal/sqs"
	"github.com/lalithlochan/herald/internal/webhook"
)

// Source is the queue the poller drains.
type Source interface {
	Receive(ctx context.Context) ([]sqs.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Reconciler applies status events.
type Reconciler interface {
	OnStatusEvent(ctx context.Context, ev reconcile.StatusEvent) (reconcile.MatchResult, error)
}

type Config struct {
	// IdleInterval is the pause after an empty receive.
	IdleInterval time.Duration
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// Poller drains SES notifications from a queue.
type Poller struct {
	source     Source
	reconciler Reconciler
	config     Config
	logger     *zap.Logger
}

func New(source Source, reconciler Reconciler, cfg Config, logger *zap.Logger) *Poller {
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	return &Poller{
		source:     source,
		reconciler: reconciler,
		config:     cfg,
		logger:     logger,
	}
}

// Start polls until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	p.logger.Info("feedback poller started")
	for {
		n, err := p.PollOnce(ctx)

		var wait time.Duration
		switch {
		case ctx.Err() != nil:
			p.logger.Info("feedback poller stopping")
			return nil
		case err != nil:
			p.logger.Error("failed to receive feedback", zap.Error(err))
			wait = p.config.ErrorBackoff
		case n == 0:
			wait = p.config.IdleInterval
		}

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				p.logger.Info("feedback poller stopping")
				return nil
			case <-t.C:
			}
		}
	}
}

// PollOnce receives one batch and handles every message in it. Messages are
// deleted once handled, whatever the outcome: a notification that cannot be
// applied is logged, not redelivered.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	msgs, err := p.source.Receive(ctx)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	metrics.SetFeedbackInFlight(len(msgs))
	defer metrics.SetFeedbackInFlight(0)

	for _, msg := range msgs {
		p.handle(ctx, msg)
		if err := p.source.Delete(ctx, msg.ReceiptHandle); err != nil {
			p.logger.Warn("failed to delete feedback message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	return len(msgs), nil
}

func (p *Poller) handle(ctx context.Context, msg sqs.Message) {
	ev, ok, err := webhook.ParseSESNotification([]byte(msg.Body))
	if err != nil {
		p.logger.Warn("discarding unreadable feedback message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		metrics.RecordWebhookEvent("ses", string(reconcile.Ignored))
		return
	}
	if !ok {
		metrics.RecordWebhookEvent("ses", string(reconcile.Ignored))
		return
	}

	result, err := p.reconciler.OnStatusEvent(ctx, ev)
	if err != nil {
		p.logger.Error("feedback not applied",
			zap.String("message_id", msg.ID),
			zap.String("provider_message_id", ev.ProviderMessageID),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("feedback applied",
		zap.String("provider_message_id", ev.ProviderMessageID),
		zap.String("status", string(ev.Status)),
		zap.String("result", string(result)),
	)
}
