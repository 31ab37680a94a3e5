package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Registered template names.
const (
	NameInvitation          = "event_invitation"
	NameEventReminder       = "event_reminder"
	NamePaymentConfirmation = "payment_confirmation"
	NameRSVPConfirmation    = "rsvp_confirmation"
	NameCheckIn             = "guest_checkin"
)

// ErrUnknownTemplate is returned for names no renderer is registered for.
var ErrUnknownTemplate = errors.New("unknown template")

// Params is the typed parameter set of one template. Each variant belongs to
// exactly one template name.
type Params interface {
	TemplateName() string
	Validate() error
}

// InvitationParams fill the event invitation.
type InvitationParams struct {
	GuestName string `json:"guestName"`
	HostName  string `json:"hostName"`
	EventName string `json:"eventName"`
	EventDate string `json:"eventDate"`
	Venue     string `json:"venue"`
	RSVPLink  string `json:"rsvpLink"`
}

func (InvitationParams) TemplateName() string { return NameInvitation }

func (p InvitationParams) Validate() error {
	return required(map[string]string{"guestName": p.GuestName, "eventName": p.EventName, "eventDate": p.EventDate})
}

// EventReminderParams fill the day-before reminder.
type EventReminderParams struct {
	GuestName string `json:"guestName"`
	EventName string `json:"eventName"`
	EventDate string `json:"eventDate"`
	EventTime string `json:"eventTime"`
	Venue     string `json:"venue"`
}

func (EventReminderParams) TemplateName() string { return NameEventReminder }

func (p EventReminderParams) Validate() error {
	return required(map[string]string{"guestName": p.GuestName, "eventName": p.EventName, "eventDate": p.EventDate})
}

// PaymentConfirmationParams fill the contribution receipt.
type PaymentConfirmationParams struct {
	PayerName string `json:"payerName"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
	EventName string `json:"eventName"`
}

func (PaymentConfirmationParams) TemplateName() string { return NamePaymentConfirmation }

func (p PaymentConfirmationParams) Validate() error {
	return required(map[string]string{"payerName": p.PayerName, "amount": p.Amount, "reference": p.Reference})
}

// RSVPConfirmationParams acknowledge a guest's reply.
type RSVPConfirmationParams struct {
	GuestName string `json:"guestName"`
	EventName string `json:"eventName"`
	Attending bool   `json:"attending"`
	Guests    int    `json:"guests"`
}

func (RSVPConfirmationParams) TemplateName() string { return NameRSVPConfirmation }

func (p RSVPConfirmationParams) Validate() error {
	if p.Guests < 0 {
		return fmt.Errorf("guests must not be negative")
	}
	return required(map[string]string{"guestName": p.GuestName, "eventName": p.EventName})
}

// CheckInParams carry the code a guest shows at the gate.
type CheckInParams struct {
	GuestName   string `json:"guestName"`
	EventName   string `json:"eventName"`
	CheckInCode string `json:"checkInCode"`
	Gate        string `json:"gate"`
}

func (CheckInParams) TemplateName() string { return NameCheckIn }

func (p CheckInParams) Validate() error {
	return required(map[string]string{"guestName": p.GuestName, "eventName": p.EventName, "checkInCode": p.CheckInCode})
}

// Names lists every registered template.
func Names() []string {
	return []string{NameInvitation, NameEventReminder, NamePaymentConfirmation, NameRSVPConfirmation, NameCheckIn}
}

// DecodeParams turns a raw JSON object into the parameter variant registered
// for name. Unknown names yield ErrUnknownTemplate; malformed or incomplete
// parameters yield a descriptive error.
func DecodeParams(name string, raw json.RawMessage) (Params, error) {
	var p Params
	switch name {
	case NameInvitation:
		p = &InvitationParams{}
	case NameEventReminder:
		p = &EventReminderParams{}
	case NamePaymentConfirmation:
		p = &PaymentConfirmationParams{}
	case NameRSVPConfirmation:
		p = &RSVPConfirmationParams{}
	case NameCheckIn:
		p = &CheckInParams{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}

	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", name, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s params: %w", name, err)
	}
	return deref(p), nil
}

func deref(p Params) Params {
	switch v := p.(type) {
	case *InvitationParams:
		return *v
	case *EventReminderParams:
		return *v
	case *PaymentConfirmationParams:
		return *v
	case *RSVPConfirmationParams:
		return *v
	case *CheckInParams:
		return *v
	}
	return p
}

func required(fields map[string]string) error {
	var missing []string
	for k, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("missing %s", strings.Join(missing, ", "))
}
