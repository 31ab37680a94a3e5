package contacts

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

type failingDirectory struct{ StaticDirectory }

func (*failingDirectory) GuestName(context.Context, string, string) (string, error) {
	return "", errors.New("connection reset")
}

func TestResolveOwner(t *testing.T) {
	ctx := context.Background()
	dir := NewStaticDirectory("latest-owner",
		Invitation{OwnerID: "owner-a", Phone: "+255712345678", GuestName: "Asha"},
	)

	tests := []struct {
		name     string
		fallback FallbackPolicy
		phone    string
		want     string
		wantErr  error
	}{
		{"invited number", LatestEventOwner, "+255712345678", "owner-a", nil},
		{"fallback to latest event", LatestEventOwner, "+255700000000", "latest-owner", nil},
		{"no fallback", nil, "+255700000000", "", ErrNoOwner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewOwnerResolver(dir, tt.fallback, zap.NewNop())
			got, err := r.Resolve(ctx, tt.phone)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("owner = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestName(t *testing.T) {
	ctx := context.Background()
	dir := NewStaticDirectory("",
		Invitation{OwnerID: "owner-a", Phone: "+255712345678", GuestName: "Asha Mwita"},
	)
	r := NewOwnerResolver(dir, nil, zap.NewNop())

	got := r.Name(ctx, "owner-a", "+255712345678", "asha")
	if got.Source != db.NameSourceAuthoritative || got.Name != "Asha Mwita" {
		t.Errorf("invited guest: %+v", got)
	}

	got = r.Name(ctx, "owner-b", "+255712345678", "asha")
	if got.Source != db.NameSourceProvider || got.Name != "asha" {
		t.Errorf("other owner should fall back to provider name: %+v", got)
	}

	got = r.Name(ctx, "owner-b", "+255700000000", "")
	if got.Source != db.NameSourcePhone || got.Name != "+255700000000" {
		t.Errorf("unknown contact: %+v", got)
	}

	r = NewOwnerResolver(&failingDirectory{}, nil, zap.NewNop())
	got = r.Name(ctx, "owner-a", "+255712345678", "asha")
	if got.Source != db.NameSourceProvider {
		t.Errorf("directory error should downgrade to provider name: %+v", got)
	}
}
