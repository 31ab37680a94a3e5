// Package template renders the platform's notification templates into the
// shape each channel needs: SMS text, an email subject and HTML body, and the
// component parameters of a pre-approved WhatsApp template.
package template

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strconv"
)

// DefaultLanguage is used when neither the caller nor the catalog names one.
const DefaultLanguage = "en"

// Rendered is the channel-specific output of one template.
type Rendered struct {
	Name         string
	SMS          string
	EmailSubject string
	EmailHTML    string
	WhatsApp     WhatsAppTemplate
}

// WhatsAppTemplate is the template object of a Cloud API template message.
type WhatsAppTemplate struct {
	Name       string      `json:"name"`
	Language   Language    `json:"language"`
	Components []Component `json:"components,omitempty"`
}

// Language selects the approved translation of a template.
type Language struct {
	Code string `json:"code"`
}

// Component fills the parameters of one template section.
type Component struct {
	Type       string      `json:"type"`
	SubType    string      `json:"sub_type,omitempty"`
	Index      string      `json:"index,omitempty"`
	Parameters []Parameter `json:"parameters"`
}

// Parameter is a single positional template variable.
type Parameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func text(values ...string) []Parameter {
	out := make([]Parameter, len(values))
	for i, v := range values {
		out[i] = Parameter{Type: "text", Text: v}
	}
	return out
}

type emailBody struct {
	Title    string
	Lines    []string
	Link     string
	LinkText string
}

var emailLayout = htmltemplate.Must(htmltemplate.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #222; max-width: 560px; margin: 0 auto;">
<h2>{{.Title}}</h2>
{{range .Lines}}<p>{{.}}</p>
{{end}}{{if .Link}}<p><a href="{{.Link}}">{{.LinkText}}</a></p>
{{end}}</body>
</html>`))

// Renderer renders templates, applying catalog overrides for the WhatsApp
// template name and default language.
type Renderer struct {
	catalog Catalog
}

// NewRenderer returns a renderer. A nil catalog applies no overrides.
func NewRenderer(catalog Catalog) *Renderer {
	return &Renderer{catalog: catalog}
}

var defaultRenderer = NewRenderer(nil)

// Render renders name with the default renderer.
func Render(name, languageCode string, p Params) (*Rendered, error) {
	return defaultRenderer.Render(name, languageCode, p)
}

// Render produces every channel shape of template name.
func (r *Renderer) Render(name, languageCode string, p Params) (*Rendered, error) {
	if !Known(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	if p == nil || p.TemplateName() != name {
		return nil, fmt.Errorf("template %s: parameters do not belong to this template", name)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}

	out := &Rendered{Name: name}
	var body emailBody
	var components []Component

	switch v := deref(p).(type) {
	case InvitationParams:
		host := orDefault(v.HostName, "Your host")
		out.SMS = fmt.Sprintf("Hello %s, %s invites you to %s on %s%s.", v.GuestName, host, v.EventName, v.EventDate, at(v.Venue))
		if v.RSVPLink != "" {
			out.SMS += " RSVP: " + v.RSVPLink
		}
		out.EmailSubject = "You're invited: " + v.EventName
		body = emailBody{
			Title: v.EventName,
			Lines: []string{
				"Hello " + v.GuestName + ",",
				host + " invites you to " + v.EventName + " on " + v.EventDate + at(v.Venue) + ".",
			},
			Link:     v.RSVPLink,
			LinkText: "Reply to this invitation",
		}
		components = []Component{
			{Type: "header", Parameters: text(v.EventName)},
			{Type: "body", Parameters: text(v.GuestName, host, v.EventDate, orDefault(v.Venue, "-"))},
		}
		if v.RSVPLink != "" {
			components = append(components, Component{Type: "button", SubType: "url", Index: "0", Parameters: text(v.RSVPLink)})
		}

	case EventReminderParams:
		when := v.EventDate
		if v.EventTime != "" {
			when += " at " + v.EventTime
		}
		out.SMS = fmt.Sprintf("Reminder: %s is on %s%s. See you there, %s!", v.EventName, when, at(v.Venue), v.GuestName)
		out.EmailSubject = "Reminder: " + v.EventName
		body = emailBody{
			Title: v.EventName,
			Lines: []string{
				"Hello " + v.GuestName + ",",
				"This is a reminder that " + v.EventName + " is on " + when + at(v.Venue) + ".",
			},
		}
		components = []Component{
			{Type: "body", Parameters: text(v.GuestName, v.EventName, when, orDefault(v.Venue, "-"))},
		}

	case PaymentConfirmationParams:
		amount := v.Amount
		if v.Currency != "" {
			amount = v.Currency + " " + v.Amount
		}
		out.SMS = fmt.Sprintf("Dear %s, we received your payment of %s%s. Ref: %s. Thank you!", v.PayerName, amount, forEvent(v.EventName), v.Reference)
		out.EmailSubject = "Payment received (" + v.Reference + ")"
		body = emailBody{
			Title: "Payment received",
			Lines: []string{
				"Dear " + v.PayerName + ",",
				"We received your payment of " + amount + forEvent(v.EventName) + ".",
				"Reference: " + v.Reference,
			},
		}
		components = []Component{
			{Type: "body", Parameters: text(v.PayerName, amount, v.Reference)},
		}

	case RSVPConfirmationParams:
		var reply string
		if v.Attending {
			reply = "we look forward to seeing you"
			if v.Guests > 1 {
				reply += " and your party of " + strconv.Itoa(v.Guests)
			}
		} else {
			reply = "we are sorry you cannot make it"
		}
		out.SMS = fmt.Sprintf("Thank you %s, your RSVP for %s is recorded: %s.", v.GuestName, v.EventName, reply)
		out.EmailSubject = "RSVP received: " + v.EventName
		body = emailBody{
			Title: v.EventName,
			Lines: []string{
				"Thank you " + v.GuestName + ",",
				"Your RSVP is recorded: " + reply + ".",
			},
		}
		components = []Component{
			{Type: "body", Parameters: text(v.GuestName, v.EventName, reply)},
		}

	case CheckInParams:
		out.SMS = fmt.Sprintf("Hello %s, your check-in code for %s is %s.", v.GuestName, v.EventName, v.CheckInCode)
		if v.Gate != "" {
			out.SMS += " Please use " + v.Gate + "."
		}
		out.EmailSubject = "Your check-in code for " + v.EventName
		lines := []string{
			"Hello " + v.GuestName + ",",
			"Your check-in code is " + v.CheckInCode + ".",
		}
		if v.Gate != "" {
			lines = append(lines, "Please use "+v.Gate+".")
		}
		body = emailBody{Title: v.EventName, Lines: lines}
		components = []Component{
			{Type: "body", Parameters: text(v.GuestName, v.EventName, v.CheckInCode)},
		}
	}

	var buf bytes.Buffer
	if err := emailLayout.Execute(&buf, body); err != nil {
		return nil, fmt.Errorf("render %s email: %w", name, err)
	}
	out.EmailHTML = buf.String()

	entry := r.catalog.entry(name)
	lang := languageCode
	if lang == "" {
		lang = orDefault(entry.Language, DefaultLanguage)
	}
	out.WhatsApp = WhatsAppTemplate{
		Name:       orDefault(entry.WhatsAppName, name),
		Language:   Language{Code: lang},
		Components: components,
	}
	return out, nil
}

// Known reports whether name has a registered renderer.
func Known(name string) bool {
	for _, n := range Names() {
		if n == name {
			return true
		}
	}
	return false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func at(venue string) string {
	if venue == "" {
		return ""
	}
	return " at " + venue
}

func forEvent(event string) string {
	if event == "" {
		return ""
	}
	return " for " + event
}
