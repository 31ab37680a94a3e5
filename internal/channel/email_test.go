package channel

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/template"
)

type fakeSES struct {
	simple *ses.SendEmailInput
	raw    *ses.SendRawEmailInput
	err    error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.simple = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func (f *fakeSES) SendRawEmail(_ context.Context, in *ses.SendRawEmailInput, _ ...func(*ses.Options)) (*ses.SendRawEmailOutput, error) {
	f.raw = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendRawEmailOutput{MessageId: aws.String("ses-raw-1")}, nil
}

func TestEmailSendSanitizesHTML(t *testing.T) {
	fake := &fakeSES{}
	a := NewEmailAdapter(fake, "events@example.com", zap.NewNop())

	out, err := a.Send(context.Background(), &Request{
		Channel: db.ChannelEmail,
		To:      "guest@example.com",
		Subject: "Seating",
		HTML:    `<p>Table <b>4</b></p><script>alert(1)</script>`,
	})
	if err != nil || !out.Success || out.ProviderMessageID != "ses-1" {
		t.Fatalf("Send = %+v, %v", out, err)
	}
	if out.Metadata["ses_message_id"] != "ses-1" {
		t.Errorf("metadata = %v", out.Metadata)
	}

	body := fake.simple.Message.Body
	if strings.Contains(aws.ToString(body.Html.Data), "<script>") {
		t.Errorf("script survived sanitization: %s", aws.ToString(body.Html.Data))
	}
	if body.Text == nil || !strings.Contains(aws.ToString(body.Text.Data), "**4**") {
		t.Errorf("text alternative = %v", body.Text)
	}
	if aws.ToString(fake.simple.Source) != "events@example.com" {
		t.Errorf("source = %s", aws.ToString(fake.simple.Source))
	}
}

func TestEmailSendTemplate(t *testing.T) {
	fake := &fakeSES{}
	a := NewEmailAdapter(fake, "events@example.com", zap.NewNop())

	rendered, _ := template.Render(template.NamePaymentConfirmation, "", template.PaymentConfirmationParams{
		PayerName: "Juma", Amount: "50,000", Currency: "TZS", Reference: "MP1",
	})
	out, err := a.Send(context.Background(), &Request{Channel: db.ChannelEmail, To: "juma@example.com", Template: rendered})
	if err != nil || !out.Success {
		t.Fatalf("Send = %+v, %v", out, err)
	}
	if got := aws.ToString(fake.simple.Message.Subject.Data); got != "Payment received (MP1)" {
		t.Errorf("subject = %q", got)
	}
}

func TestEmailSendWithAttachment(t *testing.T) {
	fake := &fakeSES{}
	a := NewEmailAdapter(fake, "events@example.com", zap.NewNop())

	out, err := a.Send(context.Background(), &Request{
		Channel:     db.ChannelEmail,
		To:          "guest@example.com",
		Subject:     "Your ticket",
		Text:        "Ticket attached.",
		Attachments: []Attachment{{Filename: "ticket.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")}},
	})
	if err != nil || out.ProviderMessageID != "ses-raw-1" {
		t.Fatalf("Send = %+v, %v", out, err)
	}
	if fake.simple != nil {
		t.Error("attachment send used SendEmail")
	}
	raw := string(fake.raw.RawMessage.Data)
	for _, want := range []string{"multipart/mixed", "multipart/alternative", `filename=ticket.pdf`, "Subject: Your ticket"} {
		if !strings.Contains(raw, want) {
			t.Errorf("raw message missing %q", want)
		}
	}
}

func TestEmailRefusalAndValidation(t *testing.T) {
	fake := &fakeSES{err: &smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified."}}
	a := NewEmailAdapter(fake, "events@example.com", zap.NewNop())

	out, err := a.Send(context.Background(), &Request{Channel: db.ChannelEmail, To: "x@example.com", Subject: "s", Text: "t"})
	if err != nil || out.Success || out.ErrorCode != CodeInvalidRecipient {
		t.Errorf("refusal = %+v, %v", out, err)
	}

	out, _ = a.Send(context.Background(), &Request{Channel: db.ChannelEmail, To: "x@example.com", Text: "t"})
	if out.ErrorCode != CodeInvalidRequest {
		t.Errorf("missing subject = %+v", out)
	}
}
