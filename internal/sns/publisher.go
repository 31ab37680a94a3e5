// Package sns publishes delivery events to an SNS topic for downstream
// consumers (analytics, the dashboard's live feed).
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/lalithlochan/herald/internal/dispatch"
)

// Event types carried in the "event_type" message attribute.
const (
	EventMessageSent   = "message.sent"
	EventMessageFailed = "message.failed"
)

// API is the subset of the SNS client the publisher calls.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes one event per dispatch result.
type Publisher struct {
	client   API
	topicARN string
}

// Event is the JSON body of a published delivery event.
type Event struct {
	Type              string    `json:"type"`
	DeliveryID        string    `json:"delivery_id"`
	OwnerID           string    `json:"owner_id,omitempty"`
	Channel           string    `json:"channel"`
	Recipient         string    `json:"recipient"`
	Status            string    `json:"status"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	ErrorCode         string    `json:"error_code,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN), nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return NewPublisherWithClient(client, topicARN), nil
}

// NewPublisherWithClient wraps an existing client.
func NewPublisherWithClient(client API, topicARN string) *Publisher {
	return &Publisher{client: client, topicARN: topicARN}
}

var _ dispatch.Projection = (*Publisher)(nil)

func (p *Publisher) Name() string { return "sns_events" }

// Project publishes ev. Subscribers can filter on the channel and event_type
// message attributes.
func (p *Publisher) Project(ctx context.Context, ev *dispatch.MessageSent) error {
	_, err := p.Publish(ctx, NewEvent(ev))
	return err
}

// NewEvent builds the published form of a dispatch result.
func NewEvent(ev *dispatch.MessageSent) Event {
	rec := ev.Record
	out := Event{
		Type:       EventMessageSent,
		DeliveryID: rec.ID.String(),
		OwnerID:    ev.OwnerID,
		Channel:    string(rec.Channel),
		Recipient:  rec.Recipient,
		Status:     string(rec.Status),
		ErrorCode:  ev.ErrorCode,
		OccurredAt: ev.At,
	}
	if ev.ErrorCode != "" {
		out.Type = EventMessageFailed
	}
	if rec.ProviderMessageID != nil {
		out.ProviderMessageID = *rec.ProviderMessageID
	}
	return out
}

// Publish sends one event to the topic and returns the SNS message id.
func (p *Publisher) Publish(ctx context.Context, ev Event) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Channel),
			},
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Type),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return aws.ToString(result.MessageId), nil
}
