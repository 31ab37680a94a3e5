package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lalithlochan/herald/internal/channel"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/reconcile"
)

const sourceSES = "ses"

// ErrNotSESEvent is returned for payloads that carry no SES event.
var ErrNotSESEvent = errors.New("not an SES notification")

// snsEnvelope wraps messages delivered through an SNS subscription without
// raw message delivery.
type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	TopicArn  string `json:"TopicArn"`
	Message   string `json:"Message"`
}

type sesEvent struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID   string   `json:"messageId"`
		Timestamp   string   `json:"timestamp"`
		Destination []string `json:"destination"`
	} `json:"mail"`
	Delivery *struct {
		Timestamp string `json:"timestamp"`
	} `json:"delivery"`
	Open *struct {
		Timestamp string `json:"timestamp"`
	} `json:"open"`
	Click *struct {
		Timestamp string `json:"timestamp"`
	} `json:"click"`
	Bounce *struct {
		BounceType        string `json:"bounceType"`
		BounceSubType     string `json:"bounceSubType"`
		Timestamp         string `json:"timestamp"`
		BouncedRecipients []struct {
			EmailAddress   string `json:"emailAddress"`
			DiagnosticCode string `json:"diagnosticCode"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint *struct {
		ComplaintFeedbackType string `json:"complaintFeedbackType"`
		Timestamp             string `json:"timestamp"`
	} `json:"complaint"`
	Reject *struct {
		Reason string `json:"reason"`
	} `json:"reject"`
	Failure *struct {
		ErrorMessage string `json:"errorMessage"`
		TemplateName string `json:"templateName"`
	} `json:"failure"`
}

// ParseSESNotification decodes an SES event, wrapped in an SNS envelope or
// raw, into a status event. ok is false for event types that do not move a
// delivery status (transient bounces, delivery delays, subscription notices).
func ParseSESNotification(body []byte) (ev reconcile.StatusEvent, ok bool, err error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ev, false, fmt.Errorf("decode notification: %w", err)
	}
	payload := body
	if env.Message != "" {
		if env.Type != "" && env.Type != "Notification" {
			return ev, false, nil
		}
		payload = []byte(env.Message)
	}

	var e sesEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return ev, false, fmt.Errorf("decode ses event: %w", err)
	}
	kind := e.EventType
	if kind == "" {
		kind = e.NotificationType
	}
	if kind == "" || e.Mail.MessageID == "" {
		return ev, false, ErrNotSESEvent
	}

	ev = reconcile.StatusEvent{
		Source:            sourceSES,
		ProviderMessageID: e.Mail.MessageID,
		At:                sesTime(e.Mail.Timestamp),
	}

	switch kind {
	case "Send":
		ev.Status = db.StatusSent
	case "Delivery":
		ev.Status = db.StatusDelivered
		if e.Delivery != nil {
			ev.At = sesTime(e.Delivery.Timestamp)
		}
	case "Open":
		ev.Status = db.StatusRead
		if e.Open != nil {
			ev.At = sesTime(e.Open.Timestamp)
		}
	case "Click":
		ev.Status = db.StatusRead
		if e.Click != nil {
			ev.At = sesTime(e.Click.Timestamp)
		}
	case "Bounce":
		if e.Bounce == nil || e.Bounce.BounceType != "Permanent" {
			return ev, false, nil
		}
		ev.Status = db.StatusFailed
		ev.At = sesTime(e.Bounce.Timestamp)
		detail := "bounce: " + e.Bounce.BounceSubType
		if len(e.Bounce.BouncedRecipients) > 0 && e.Bounce.BouncedRecipients[0].DiagnosticCode != "" {
			detail += " (" + e.Bounce.BouncedRecipients[0].DiagnosticCode + ")"
		}
		ev.ErrorMessage = channel.CodeInvalidRecipient + ": " + detail
	case "Complaint":
		ev.Status = db.StatusFailed
		detail := "complaint"
		if e.Complaint != nil {
			ev.At = sesTime(e.Complaint.Timestamp)
			if e.Complaint.ComplaintFeedbackType != "" {
				detail += ": " + e.Complaint.ComplaintFeedbackType
			}
		}
		ev.ErrorMessage = channel.CodeProviderError + ": " + detail
	case "Reject":
		ev.Status = db.StatusFailed
		reason := "rejected"
		if e.Reject != nil && e.Reject.Reason != "" {
			reason = "rejected: " + e.Reject.Reason
		}
		ev.ErrorMessage = channel.CodeProviderError + ": " + reason
	case "Rendering Failure":
		ev.Status = db.StatusFailed
		detail := "rendering failure"
		if e.Failure != nil {
			detail = strings.TrimSpace(e.Failure.TemplateName + " " + e.Failure.ErrorMessage)
		}
		ev.ErrorMessage = channel.CodeTemplateError + ": " + detail
	default:
		return ev, false, nil
	}
	return ev, true, nil
}

func sesTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
