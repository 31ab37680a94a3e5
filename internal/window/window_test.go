package window

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/memstore"
)

type brokenFinder struct{}

func (brokenFinder) Find(context.Context, db.ConversationKey) (*db.Conversation, error) {
	return nil, errors.New("connection refused")
}

type staticOwner string

func (s staticOwner) Resolve(context.Context, string) (string, error) {
	if s == "" {
		return "", errors.New("no owner")
	}
	return string(s), nil
}

const testPhone = "+255712345678"

func seed(t *testing.T, last *time.Time) *memstore.Conversations {
	t.Helper()
	store := memstore.NewConversations()
	conv, err := store.Upsert(context.Background(), db.ConversationKey{
		OwnerID: "owner-1", PhoneNumber: testPhone, Channel: db.ChannelWhatsApp,
	}, db.NameCandidate{})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if last != nil {
		_, err = store.AppendMessage(context.Background(), &db.Message{
			ConversationID: conv.ID,
			Direction:      db.DirectionInbound,
			SentAt:         *last,
		}, db.AppendOptions{TouchLastMessage: true})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	return store
}

func TestRequiresTemplateBoundary(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name string
		last time.Duration
		want bool
	}{
		{"just past the window", 24*time.Hour + time.Second, true},
		{"exactly at the window", 24 * time.Hour, false},
		{"inside the window", 23*time.Hour + 59*time.Minute, false},
		{"recent", time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := now.Add(-tt.last)
			p := New(seed(t, &last), zap.NewNop(), WithClock(clock))
			got, err := p.RequiresTemplate(context.Background(), "owner-1", testPhone)
			if err != nil {
				t.Fatalf("RequiresTemplate: %v", err)
			}
			if got != tt.want {
				t.Errorf("RequiresTemplate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequiresTemplateFailsSafe(t *testing.T) {
	ctx := context.Background()

	p := New(memstore.NewConversations(), zap.NewNop())
	if got, _ := p.RequiresTemplate(ctx, "owner-1", testPhone); !got {
		t.Error("no conversation must require a template")
	}

	p = New(seed(t, nil), zap.NewNop())
	if got, _ := p.RequiresTemplate(ctx, "owner-1", testPhone); !got {
		t.Error("conversation without activity must require a template")
	}

	p = New(brokenFinder{}, zap.NewNop())
	got, err := p.RequiresTemplate(ctx, "owner-1", testPhone)
	if !got || err == nil {
		t.Errorf("store failure = (%v, %v), want (true, error)", got, err)
	}
}

func TestRequiresTemplateResolvesOwner(t *testing.T) {
	now := time.Now()
	last := now.Add(-time.Hour)
	store := seed(t, &last)

	p := New(store, zap.NewNop(), WithOwnerResolver(staticOwner("owner-1")))
	if got, _ := p.RequiresTemplate(context.Background(), "", testPhone); got {
		t.Error("resolved owner inside window should allow free-form")
	}

	p = New(store, zap.NewNop(), WithOwnerResolver(staticOwner("")))
	if got, _ := p.RequiresTemplate(context.Background(), "", testPhone); !got {
		t.Error("unresolvable owner must require a template")
	}

	p = New(store, zap.NewNop())
	if got, _ := p.RequiresTemplate(context.Background(), "", testPhone); !got {
		t.Error("ownerless check without resolver must require a template")
	}
}

func TestWithWindow(t *testing.T) {
	now := time.Now()
	last := now.Add(-2 * time.Hour)
	p := New(seed(t, &last), zap.NewNop(), WithWindow(time.Hour), WithClock(func() time.Time { return now }))
	if got, _ := p.RequiresTemplate(context.Background(), "owner-1", testPhone); !got {
		t.Error("custom window not applied")
	}
	if p.Window() != time.Hour {
		t.Errorf("Window = %v", p.Window())
	}
}
