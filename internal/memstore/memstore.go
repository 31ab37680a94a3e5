// Package memstore keeps delivery records and conversations in process
// memory. It backs development runs without Postgres and the tests of every
// package above the store layer.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/db"
)

// DeliveryLog is an in-memory db.DeliveryStore.
type DeliveryLog struct {
	mu         sync.Mutex
	records    []*db.DeliveryRecord
	byID       map[uuid.UUID]*db.DeliveryRecord
	byProvider map[string]*db.DeliveryRecord
}

// NewDeliveryLog returns an empty delivery log.
func NewDeliveryLog() *DeliveryLog {
	return &DeliveryLog{
		byID:       make(map[uuid.UUID]*db.DeliveryRecord),
		byProvider: make(map[string]*db.DeliveryRecord),
	}
}

var _ db.DeliveryStore = (*DeliveryLog)(nil)

func (l *DeliveryLog) Insert(_ context.Context, rec *db.DeliveryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now

	stored := cloneDelivery(rec)
	l.records = append(l.records, stored)
	l.byID[stored.ID] = stored
	if stored.ProviderMessageID != nil {
		l.byProvider[*stored.ProviderMessageID] = stored
	}
	return nil
}

func (l *DeliveryLog) RecordStatus(_ context.Context, providerMessageID string, status db.Status, at time.Time, errorMessage string) (db.StatusUpdate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byProvider[providerMessageID]
	if !ok {
		return db.StatusUpdate{}, nil
	}

	next, changed := db.MergeStatus(rec.Status, status)
	update := db.StatusUpdate{Found: true, Applied: changed, Previous: rec.Status, Current: next}
	if !changed {
		return update, nil
	}

	rec.Status = next
	rec.DeliveredAt, rec.ReadAt = db.TransitionTimes(next, at, rec.DeliveredAt, rec.ReadAt)
	if next == db.StatusFailed && errorMessage != "" {
		rec.ErrorMessage = &errorMessage
	}
	rec.UpdatedAt = time.Now().UTC()
	return update, nil
}

func (l *DeliveryLog) Get(_ context.Context, id uuid.UUID) (*db.DeliveryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[id]
	if !ok {
		return nil, db.ErrDeliveryNotFound
	}
	return cloneDelivery(rec), nil
}

func (l *DeliveryLog) List(_ context.Context, f db.DeliveryFilter) ([]*db.DeliveryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*db.DeliveryRecord
	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		switch {
		case f.Recipient != "" && rec.Recipient != f.Recipient,
			f.Channel != "" && rec.Channel != f.Channel,
			f.Status != "" && rec.Status != f.Status,
			f.OwnerID != "" && (rec.OwnerID == nil || *rec.OwnerID != f.OwnerID):
			continue
		}
		out = append(out, rec)
	}
	return page(out, f.Offset, db.ClampLimit(f.Limit), cloneDelivery), nil
}

// Conversations is an in-memory db.ConversationStore.
type Conversations struct {
	mu         sync.Mutex
	byKey      map[db.ConversationKey]*db.Conversation
	byID       map[uuid.UUID]*db.Conversation
	messages   map[uuid.UUID][]*db.Message
	byProvider map[string]*db.Message
}

// NewConversations returns an empty conversation store.
func NewConversations() *Conversations {
	return &Conversations{
		byKey:      make(map[db.ConversationKey]*db.Conversation),
		byID:       make(map[uuid.UUID]*db.Conversation),
		messages:   make(map[uuid.UUID][]*db.Message),
		byProvider: make(map[string]*db.Message),
	}
}

var _ db.ConversationStore = (*Conversations)(nil)

func (c *Conversations) Upsert(_ context.Context, key db.ConversationKey, name db.NameCandidate) (*db.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.byKey[key]
	if !ok {
		now := time.Now().UTC()
		conv = &db.Conversation{
			ID:                uuid.New(),
			OwnerID:           key.OwnerID,
			PhoneNumber:       key.PhoneNumber,
			Channel:           key.Channel,
			ContactName:       key.PhoneNumber,
			ContactNameSource: db.NameSourcePhone,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		c.byKey[key] = conv
		c.byID[conv.ID] = conv
	}

	if n, src, changed := db.ResolveContactName(conv.ContactName, conv.ContactNameSource, name); changed {
		conv.ContactName, conv.ContactNameSource = n, src
		conv.UpdatedAt = time.Now().UTC()
	}
	return cloneConversation(conv), nil
}

func (c *Conversations) Find(_ context.Context, key db.ConversationKey) (*db.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.byKey[key]
	if !ok {
		return nil, db.ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (c *Conversations) Get(_ context.Context, id uuid.UUID) (*db.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.byID[id]
	if !ok {
		return nil, db.ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (c *Conversations) AppendMessage(_ context.Context, msg *db.Message, opts db.AppendOptions) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.byID[msg.ConversationID]
	if !ok {
		return false, db.ErrConversationNotFound
	}
	if msg.ProviderMessageID != nil {
		for _, m := range c.messages[conv.ID] {
			if m.ProviderMessageID != nil && *m.ProviderMessageID == *msg.ProviderMessageID {
				return false, nil
			}
		}
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	stored := cloneMessage(msg)
	c.messages[conv.ID] = append(c.messages[conv.ID], stored)
	if stored.ProviderMessageID != nil {
		c.byProvider[*stored.ProviderMessageID] = stored
	}

	if opts.IncrementUnread {
		conv.UnreadCount++
	}
	if opts.TouchLastMessage && (conv.LastMessageAt == nil || stored.SentAt.After(*conv.LastMessageAt)) {
		t := stored.SentAt
		conv.LastMessageAt = &t
	}
	conv.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (c *Conversations) RecordMessageStatus(_ context.Context, providerMessageID string, status db.Status, at time.Time, errorMessage string) (db.StatusUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, ok := c.byProvider[providerMessageID]
	if !ok {
		return db.StatusUpdate{}, nil
	}

	next, changed := db.MergeStatus(msg.Status, status)
	update := db.StatusUpdate{Found: true, Applied: changed, Previous: msg.Status, Current: next}
	if !changed {
		return update, nil
	}

	msg.Status = next
	msg.DeliveredAt, msg.ReadAt = db.TransitionTimes(next, at, msg.DeliveredAt, msg.ReadAt)
	if next == db.StatusFailed && errorMessage != "" {
		msg.ErrorMessage = &errorMessage
	}
	return update, nil
}

func (c *Conversations) MarkRead(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.byID[id]
	if !ok {
		return db.ErrConversationNotFound
	}
	conv.UnreadCount = 0
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (c *Conversations) List(_ context.Context, ownerID string, channel db.Channel) ([]*db.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*db.Conversation
	for _, conv := range c.byID {
		if conv.OwnerID != ownerID || (channel != "" && conv.Channel != channel) {
			continue
		}
		out = append(out, cloneConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].CreatedAt.After(out[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
	return out, nil
}

func (c *Conversations) Messages(_ context.Context, conversationID uuid.UUID, limit int) ([]*db.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := append([]*db.Message(nil), c.messages[conversationID]...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })
	if limit = db.ClampLimit(limit); len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*db.Message, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

func page[T any](items []*T, offset, limit int, clone func(*T) *T) []*T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]*T, len(items))
	for i, it := range items {
		out[i] = clone(it)
	}
	return out
}

func cloneDelivery(r *db.DeliveryRecord) *db.DeliveryRecord {
	cp := *r
	cp.Metadata = append([]byte(nil), r.Metadata...)
	return &cp
}

func cloneConversation(c *db.Conversation) *db.Conversation {
	cp := *c
	return &cp
}

func cloneMessage(m *db.Message) *db.Message {
	cp := *m
	cp.Metadata = append([]byte(nil), m.Metadata...)
	return &cp
}
