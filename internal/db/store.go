package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Lookup errors shared by every store backend.
var (
	ErrDeliveryNotFound     = errors.New("delivery record not found")
	ErrConversationNotFound = errors.New("conversation not found")
)

// DeliveryStore is the append-only log of send attempts.
type DeliveryStore interface {
	Insert(ctx context.Context, rec *DeliveryRecord) error
	// RecordStatus merges status into the record carrying providerMessageID.
	// A miss is reported through StatusUpdate.Found, not as an error.
	RecordStatus(ctx context.Context, providerMessageID string, status Status, at time.Time, errorMessage string) (StatusUpdate, error)
	Get(ctx context.Context, id uuid.UUID) (*DeliveryRecord, error)
	List(ctx context.Context, filter DeliveryFilter) ([]*DeliveryRecord, error)
}

// ConversationStore holds conversations and their messages.
type ConversationStore interface {
	// Upsert returns the conversation for key, creating it when missing and
	// applying name if it outranks the stored contact name.
	Upsert(ctx context.Context, key ConversationKey, name NameCandidate) (*Conversation, error)
	Find(ctx context.Context, key ConversationKey) (*Conversation, error)
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// AppendMessage inserts msg. It reports false without error when a message
	// with the same provider id already exists in the conversation.
	AppendMessage(ctx context.Context, msg *Message, opts AppendOptions) (bool, error)
	RecordMessageStatus(ctx context.Context, providerMessageID string, status Status, at time.Time, errorMessage string) (StatusUpdate, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, ownerID string, channel Channel) ([]*Conversation, error)
	Messages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*Message, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ClampLimit bounds a caller-supplied page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func stringOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
