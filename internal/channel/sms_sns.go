package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"
)

// SNSAPI is the subset of the SNS client used for SMS.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSConfig configures the SNS SMS provider.
type SNSConfig struct {
	Region   string
	SenderID string
	// MaxPrice caps the per-message price in USD; empty uses the account default.
	MaxPrice string
}

// SNSProvider sends SMS as transactional SNS messages.
type SNSProvider struct {
	client   SNSAPI
	senderID string
	maxPrice string
}

// NewSNSProvider loads the default AWS configuration and builds a provider.
func NewSNSProvider(ctx context.Context, cfg SNSConfig) (*SNSProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS: %w", err)
	}
	return &SNSProvider{
		client:   sns.NewFromConfig(awsCfg),
		senderID: cfg.SenderID,
		maxPrice: cfg.MaxPrice,
	}, nil
}

// NewSNSProviderWithClient builds a provider over an existing client.
func NewSNSProviderWithClient(client SNSAPI, senderID string) *SNSProvider {
	return &SNSProvider{client: client, senderID: senderID}
}

func (p *SNSProvider) Name() string { return "sns" }

// FormatNumber keeps the canonical form, which is already E.164.
func (p *SNSProvider) FormatNumber(canonical string) string { return canonical }

func (p *SNSProvider) Send(ctx context.Context, to, message, _ string) (*SMSResult, error) {
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if p.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(p.senderID),
		}
	}
	if p.maxPrice != "" {
		attrs["AWS.SNS.SMS.MaxPrice"] = types.MessageAttributeValue{
			DataType:    aws.String("Number"),
			StringValue: aws.String(p.maxPrice),
		}
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(to),
		Message:           aws.String(message),
		MessageAttributes: attrs,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{
				Provider: "sns",
				Code:     snsErrorCode(apiErr.ErrorCode()),
				Message:  apiErr.ErrorMessage(),
			}
		}
		return nil, err
	}

	return &SMSResult{MessageID: aws.ToString(out.MessageId)}, nil
}

func snsErrorCode(code string) string {
	switch code {
	case "Throttled", "ThrottlingException":
		return CodeRateLimited
	case "InvalidParameter", "InvalidParameterValue", "OptedOut":
		return CodeInvalidRecipient
	}
	return CodeProviderError
}
