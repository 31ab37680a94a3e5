package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// SESAPI is the subset of the SES client the email adapter uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
	SendRawEmail(ctx context.Context, in *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// SESConfig configures the email adapter.
type SESConfig struct {
	Region           string
	FromEmail        string
	ConfigurationSet string
}

// EmailAdapter sends email through Amazon SES, one call per recipient.
type EmailAdapter struct {
	client    SESAPI
	from      string
	configSet string
	policy    *bluemonday.Policy
	markdown  *converter.Converter
	logger    *zap.Logger
}

// NewSESAdapter loads the default AWS configuration and builds an adapter.
func NewSESAdapter(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*EmailAdapter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SES: %w", err)
	}
	a := NewEmailAdapter(ses.NewFromConfig(awsCfg), cfg.FromEmail, logger)
	a.configSet = cfg.ConfigurationSet
	return a, nil
}

// NewEmailAdapter builds an adapter over an existing SES client.
func NewEmailAdapter(client SESAPI, from string, logger *zap.Logger) *EmailAdapter {
	return &EmailAdapter{
		client: client,
		from:   from,
		policy: bluemonday.UGCPolicy(),
		markdown: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
		logger: logger,
	}
}

func (a *EmailAdapter) SupportsChannel(ch db.Channel) bool {
	return ch == db.ChannelEmail
}

// Send delivers one email. Caller-supplied HTML is sanitized; rendered
// templates are sent as produced. A plain-text alternative is always included.
func (a *EmailAdapter) Send(ctx context.Context, req *Request) (*Outcome, error) {
	subject, htmlBody, textBody := req.Subject, req.HTML, req.Text
	if req.Template != nil {
		if subject == "" {
			subject = req.Template.EmailSubject
		}
		htmlBody = req.Template.EmailHTML
	} else if htmlBody != "" {
		htmlBody = a.policy.Sanitize(htmlBody)
	}

	if req.To == "" {
		return Failure(CodeInvalidRecipient, "email recipient is empty"), nil
	}
	if subject == "" {
		return Failure(CodeInvalidRequest, "email subject is required"), nil
	}
	if htmlBody == "" && textBody == "" {
		return Failure(CodeInvalidRequest, "email body is required"), nil
	}
	if htmlBody != "" && textBody == "" {
		md, err := a.markdown.ConvertString(htmlBody)
		if err != nil {
			a.logger.Warn("plain-text alternative conversion failed", zap.Error(err))
		} else {
			textBody = strings.TrimSpace(md)
		}
	}

	var (
		messageID string
		err       error
	)
	if len(req.Attachments) > 0 {
		messageID, err = a.sendRaw(ctx, req.To, subject, htmlBody, textBody, req.Attachments)
	} else {
		messageID, err = a.sendSimple(ctx, req.To, subject, htmlBody, textBody)
	}
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			a.logger.Warn("SES refused email",
				zap.String("recipient", req.To),
				zap.String("code", apiErr.ErrorCode()),
				zap.String("reason", apiErr.ErrorMessage()),
			)
			return (&ProviderError{
				Provider: "ses",
				Code:     sesErrorCode(apiErr.ErrorCode()),
				Message:  apiErr.ErrorMessage(),
			}).Outcome(), nil
		}
		return nil, fmt.Errorf("ses send: %w", err)
	}

	a.logger.Info("email sent via SES",
		zap.String("recipient", req.To),
		zap.String("reference", req.Reference),
		zap.String("provider_message_id", messageID),
	)
	return Delivered(messageID, map[string]any{
		"provider":       "ses",
		"ses_message_id": messageID,
	}), nil
}

func (a *EmailAdapter) sendSimple(ctx context.Context, to, subject, htmlBody, textBody string) (string, error) {
	body := &types.Body{}
	if htmlBody != "" {
		body.Html = &types.Content{Data: aws.String(htmlBody), Charset: aws.String("UTF-8")}
	}
	if textBody != "" {
		body.Text = &types.Content{Data: aws.String(textBody), Charset: aws.String("UTF-8")}
	}

	input := &ses.SendEmailInput{
		Source:      aws.String(a.from),
		Destination: &types.Destination{ToAddresses: []string{to}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	}
	if a.configSet != "" {
		input.ConfigurationSetName = aws.String(a.configSet)
	}

	out, err := a.client.SendEmail(ctx, input)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

func (a *EmailAdapter) sendRaw(ctx context.Context, to, subject, htmlBody, textBody string, attachments []Attachment) (string, error) {
	raw, err := buildMIME(a.from, to, subject, htmlBody, textBody, attachments)
	if err != nil {
		return "", fmt.Errorf("build mime message: %w", err)
	}

	input := &ses.SendRawEmailInput{
		Source:       aws.String(a.from),
		Destinations: []string{to},
		RawMessage:   &types.RawMessage{Data: raw},
	}
	if a.configSet != "" {
		input.ConfigurationSetName = aws.String(a.configSet)
	}

	out, err := a.client.SendRawEmail(ctx, input)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

// buildMIME assembles a multipart/mixed message: a multipart/alternative body
// followed by base64 attachments.
func buildMIME(from, to, subject, htmlBody, textBody string, attachments []Attachment) ([]byte, error) {
	var buf bytes.Buffer
	mixed := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mixed.Boundary())

	var alt bytes.Buffer
	altWriter := multipart.NewWriter(&alt)
	if textBody != "" {
		if err := writePart(altWriter, "text/plain; charset=UTF-8", "", []byte(textBody)); err != nil {
			return nil, err
		}
	}
	if htmlBody != "" {
		if err := writePart(altWriter, "text/html; charset=UTF-8", "", []byte(htmlBody)); err != nil {
			return nil, err
		}
	}
	if err := altWriter.Close(); err != nil {
		return nil, err
	}

	altPart, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type": {fmt.Sprintf("multipart/alternative; boundary=%q", altWriter.Boundary())},
	})
	if err != nil {
		return nil, err
	}
	if _, err := altPart.Write(alt.Bytes()); err != nil {
		return nil, err
	}

	for _, att := range attachments {
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		disposition := mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename})
		if err := writePart(mixed, ct, disposition, att.Data); err != nil {
			return nil, err
		}
	}
	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(w *multipart.Writer, contentType, disposition string, data []byte) error {
	h := textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"base64"},
	}
	if disposition != "" {
		h.Set("Content-Disposition", disposition)
	}
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}

	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := part.Write([]byte(enc[:76] + "\r\n")); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err = part.Write([]byte(enc + "\r\n"))
	return err
}

func sesErrorCode(code string) string {
	switch code {
	case "Throttling", "ThrottlingException":
		return CodeRateLimited
	case "MessageRejected", "InvalidParameterValue":
		return CodeInvalidRecipient
	}
	return CodeProviderError
}
