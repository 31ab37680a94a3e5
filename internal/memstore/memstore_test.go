package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/db"
)

func strPtr(s string) *string { return &s }

func TestDeliveryLogRecordStatus(t *testing.T) {
	ctx := context.Background()
	log := NewDeliveryLog()

	rec := &db.DeliveryRecord{
		Recipient:         "+255712345678",
		Channel:           db.ChannelWhatsApp,
		Status:            db.StatusSent,
		ProviderMessageID: strPtr("wamid.123"),
	}
	if err := log.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	upd, err := log.RecordStatus(ctx, "wamid.123", db.StatusDelivered, at, "")
	if err != nil {
		t.Fatalf("RecordStatus: %v", err)
	}
	if !upd.Found || !upd.Applied || upd.Current != db.StatusDelivered {
		t.Fatalf("unexpected update %+v", upd)
	}

	got, _ := log.Get(ctx, rec.ID)
	if got.DeliveredAt == nil || !got.DeliveredAt.Equal(at) {
		t.Errorf("deliveredAt = %v, want %v", got.DeliveredAt, at)
	}

	upd, _ = log.RecordStatus(ctx, "wamid.123", db.StatusSent, at, "")
	if upd.Applied {
		t.Error("regression to SENT applied")
	}

	upd, err = log.RecordStatus(ctx, "wamid.999", db.StatusDelivered, at, "")
	if err != nil || upd.Found {
		t.Errorf("unknown id: update=%+v err=%v", upd, err)
	}
}

func TestDeliveryLogList(t *testing.T) {
	ctx := context.Background()
	log := NewDeliveryLog()
	for _, r := range []string{"a@example.com", "b@example.com", "a@example.com"} {
		_ = log.Insert(ctx, &db.DeliveryRecord{Recipient: r, Channel: db.ChannelEmail, Status: db.StatusSent})
	}

	got, _ := log.List(ctx, db.DeliveryFilter{Recipient: "a@example.com"})
	if len(got) != 2 {
		t.Errorf("filtered list has %d records, want 2", len(got))
	}
	got, _ = log.List(ctx, db.DeliveryFilter{Limit: 1, Offset: 1})
	if len(got) != 1 || got[0].Recipient != "b@example.com" {
		t.Errorf("paged list = %+v", got)
	}

	if _, err := log.Get(ctx, uuid.New()); !errors.Is(err, db.ErrDeliveryNotFound) {
		t.Errorf("Get missing = %v", err)
	}
}

func TestConcurrentInboundUnread(t *testing.T) {
	ctx := context.Background()
	store := NewConversations()
	key := db.ConversationKey{OwnerID: "owner-1", PhoneNumber: "+255712345678", Channel: db.ChannelWhatsApp}

	conv, err := store.Upsert(ctx, key, db.NameCandidate{})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range []string{"wamid.in.1", "wamid.in.2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c, err := store.Upsert(ctx, key, db.NameCandidate{})
			if err != nil {
				t.Errorf("Upsert: %v", err)
				return
			}
			_, err = store.AppendMessage(ctx, &db.Message{
				ConversationID:    c.ID,
				Direction:         db.DirectionInbound,
				ProviderMessageID: strPtr(id),
				Status:            db.StatusDelivered,
			}, db.AppendOptions{IncrementUnread: true, TouchLastMessage: true})
			if err != nil {
				t.Errorf("AppendMessage: %v", err)
			}
		}(id)
	}
	wg.Wait()

	got, _ := store.Get(ctx, conv.ID)
	if got.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", got.UnreadCount)
	}

	inserted, err := store.AppendMessage(ctx, &db.Message{
		ConversationID:    conv.ID,
		Direction:         db.DirectionInbound,
		ProviderMessageID: strPtr("wamid.in.1"),
	}, db.AppendOptions{IncrementUnread: true})
	if err != nil || inserted {
		t.Errorf("duplicate append: inserted=%v err=%v", inserted, err)
	}
	got, _ = store.Get(ctx, conv.ID)
	if got.UnreadCount != 2 {
		t.Errorf("duplicate incremented unread to %d", got.UnreadCount)
	}

	if err := store.MarkRead(ctx, conv.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	got, _ = store.Get(ctx, conv.ID)
	if got.UnreadCount != 0 {
		t.Errorf("unread after MarkRead = %d", got.UnreadCount)
	}
}

func TestLastMessageAtMovesForward(t *testing.T) {
	ctx := context.Background()
	store := NewConversations()
	key := db.ConversationKey{OwnerID: "o", PhoneNumber: "+255700000001", Channel: db.ChannelSMS}
	conv, _ := store.Upsert(ctx, key, db.NameCandidate{})

	late := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	early := late.Add(-time.Hour)
	opts := db.AppendOptions{TouchLastMessage: true}
	_, _ = store.AppendMessage(ctx, &db.Message{ConversationID: conv.ID, SentAt: late}, opts)
	_, _ = store.AppendMessage(ctx, &db.Message{ConversationID: conv.ID, SentAt: early}, opts)

	got, _ := store.Find(ctx, key)
	if got.LastMessageAt == nil || !got.LastMessageAt.Equal(late) {
		t.Errorf("lastMessageAt = %v, want %v", got.LastMessageAt, late)
	}

	msgs, _ := store.Messages(ctx, conv.ID, 0)
	if len(msgs) != 2 || !msgs[0].SentAt.Equal(early) {
		t.Errorf("messages not in chronological order: %+v", msgs)
	}
}

func TestUpsertNamePrecedence(t *testing.T) {
	ctx := context.Background()
	store := NewConversations()
	key := db.ConversationKey{OwnerID: "o", PhoneNumber: "+255712345678", Channel: db.ChannelWhatsApp}

	conv, _ := store.Upsert(ctx, key, db.NameCandidate{})
	if conv.ContactName != key.PhoneNumber || conv.ContactNameSource != db.NameSourcePhone {
		t.Fatalf("new conversation named %q (%s)", conv.ContactName, conv.ContactNameSource)
	}

	conv, _ = store.Upsert(ctx, key, db.NameCandidate{Name: "Asha Mwita", Source: db.NameSourceAuthoritative})
	if conv.ContactName != "Asha Mwita" {
		t.Errorf("authoritative name not applied: %q", conv.ContactName)
	}

	conv, _ = store.Upsert(ctx, key, db.NameCandidate{Name: "asha", Source: db.NameSourceProvider})
	if conv.ContactName != "Asha Mwita" {
		t.Errorf("provider name overwrote authoritative: %q", conv.ContactName)
	}
}
