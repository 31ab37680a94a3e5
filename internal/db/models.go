package db

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel is a provider integration a message can travel through.
type Channel string

// Channel constants
const (
	ChannelEmail    Channel = "EMAIL"
	ChannelSMS      Channel = "SMS"
	ChannelWhatsApp Channel = "WHATSAPP"
)

// ParseChannel accepts the upper- or lower-case channel name.
func ParseChannel(s string) (Channel, bool) {
	switch Channel(strings.ToUpper(strings.TrimSpace(s))) {
	case ChannelEmail:
		return ChannelEmail, true
	case ChannelSMS:
		return ChannelSMS, true
	case ChannelWhatsApp:
		return ChannelWhatsApp, true
	}
	return "", false
}

// IsPhoneBased reports whether recipients on this channel are phone numbers.
func (c Channel) IsPhoneBased() bool {
	return c == ChannelSMS || c == ChannelWhatsApp
}

// RecipientType constants
const (
	RecipientPhone = "phone"
	RecipientEmail = "email"
)

// Direction of a conversation message.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// MessageType constants
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeTemplate = "template"
)

// DeliveryRecord is one send attempt, written for every dispatch whether or not
// it belongs to a conversation.
type DeliveryRecord struct {
	ID                uuid.UUID       `json:"id"`
	OwnerID           *string         `json:"owner_id,omitempty"`
	RecipientType     string          `json:"recipient_type"`
	Recipient         string          `json:"recipient"`
	Channel           Channel         `json:"channel"`
	Content           string          `json:"content"`
	Status            Status          `json:"status"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	ReadAt            *time.Time      `json:"read_at,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Conversation is the thread for one (owner, phone, channel) key.
type Conversation struct {
	ID                uuid.UUID  `json:"id"`
	OwnerID           string     `json:"owner_id"`
	PhoneNumber       string     `json:"phone_number"`
	Channel           Channel    `json:"channel"`
	ContactName       string     `json:"contact_name"`
	ContactNameSource NameSource `json:"contact_name_source"`
	UnreadCount       int        `json:"unread_count"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ConversationKey identifies a conversation.
type ConversationKey struct {
	OwnerID     string
	PhoneNumber string
	Channel     Channel
}

// Message is one entry inside a Conversation.
type Message struct {
	ID                uuid.UUID       `json:"id"`
	ConversationID    uuid.UUID       `json:"conversation_id"`
	DeliveryRecordID  *uuid.UUID      `json:"delivery_record_id,omitempty"`
	Direction         Direction       `json:"direction"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	Content           string          `json:"content"`
	MessageType       string          `json:"message_type"`
	Status            Status          `json:"status"`
	SentAt            time.Time       `json:"sent_at"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	ReadAt            *time.Time      `json:"read_at,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
}

// StatusUpdate reports the outcome of a monotonic status merge.
type StatusUpdate struct {
	Found    bool
	Applied  bool
	Previous Status
	Current  Status
}

// DeliveryFilter narrows delivery log listings.
type DeliveryFilter struct {
	Recipient string
	Channel   Channel
	Status    Status
	OwnerID   string
	Limit     int
	Offset    int
}

// AppendOptions control the conversation side effects of AppendMessage.
type AppendOptions struct {
	// IncrementUnread bumps unread_count by one when the message is inserted.
	IncrementUnread bool
	// TouchLastMessage moves last_message_at forward to the message's SentAt.
	TouchLastMessage bool
}
