// Package contacts answers who a phone number belongs to: the owner whose
// conversation it lands in and the name it should be shown under.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// ErrNoOwner is returned when neither the directory nor the fallback policy
// yields an owner.
var ErrNoOwner = errors.New("no owner for phone number")

// Directory is the read-only view of the invitation system.
type Directory interface {
	GuestName(ctx context.Context, ownerID, phone string) (string, error)
	InvitationOwner(ctx context.Context, phone string) (string, error)
	LatestEventOwner(ctx context.Context) (string, error)
}

var _ Directory = (*db.Directory)(nil)

// FallbackPolicy picks an owner for a number no invitation mentions.
type FallbackPolicy func(ctx context.Context, dir Directory) (string, error)

// LatestEventOwner attributes unknown numbers to the owner of the most
// recently created event.
func LatestEventOwner(ctx context.Context, dir Directory) (string, error) {
	return dir.LatestEventOwner(ctx)
}

// NoFallback leaves unknown numbers unowned.
func NoFallback(context.Context, Directory) (string, error) {
	return "", nil
}

// OwnerResolver maps a phone number to the owner whose conversation list it
// belongs to.
type OwnerResolver struct {
	dir      Directory
	fallback FallbackPolicy
	logger   *zap.Logger
}

// NewOwnerResolver creates a resolver. A nil fallback means NoFallback.
func NewOwnerResolver(dir Directory, fallback FallbackPolicy, logger *zap.Logger) *OwnerResolver {
	if fallback == nil {
		fallback = NoFallback
	}
	return &OwnerResolver{dir: dir, fallback: fallback, logger: logger}
}

// Resolve returns the owner for phone. The invitation that mentions the number
// wins; otherwise the fallback policy decides.
func (r *OwnerResolver) Resolve(ctx context.Context, phone string) (string, error) {
	owner, err := r.dir.InvitationOwner(ctx, phone)
	if err != nil {
		return "", fmt.Errorf("resolve invitation owner: %w", err)
	}
	if owner != "" {
		return owner, nil
	}

	owner, err = r.fallback(ctx, r.dir)
	if err != nil {
		return "", fmt.Errorf("resolve fallback owner: %w", err)
	}
	if owner == "" {
		return "", ErrNoOwner
	}

	r.logger.Debug("owner resolved by fallback policy",
		zap.String("phone", phone),
		zap.String("owner_id", owner),
	)
	return owner, nil
}

// Name picks the best name candidate for phone: the invited guest name when
// there is one, else the provider's profile name, else the number itself.
// Directory errors downgrade to the next candidate.
func (r *OwnerResolver) Name(ctx context.Context, ownerID, phone, providerName string) db.NameCandidate {
	guest, err := r.dir.GuestName(ctx, ownerID, phone)
	if err != nil {
		r.logger.Warn("guest name lookup failed",
			zap.Error(err),
			zap.String("owner_id", ownerID),
		)
	}
	switch {
	case guest != "":
		return db.NameCandidate{Name: guest, Source: db.NameSourceAuthoritative}
	case providerName != "":
		return db.NameCandidate{Name: providerName, Source: db.NameSourceProvider}
	}
	return db.NameCandidate{Name: phone, Source: db.NameSourcePhone}
}

// Invitation is one guest entry held by a StaticDirectory.
type Invitation struct {
	OwnerID   string
	Phone     string
	GuestName string
}

// StaticDirectory is an in-memory Directory for development and tests.
// Phones must already be canonical.
type StaticDirectory struct {
	mu          sync.RWMutex
	invitations []Invitation
	latestOwner string
}

// NewStaticDirectory returns a directory holding invitations. latestOwner is
// reported as the owner of the most recent event.
func NewStaticDirectory(latestOwner string, invitations ...Invitation) *StaticDirectory {
	return &StaticDirectory{invitations: invitations, latestOwner: latestOwner}
}

// Add records another invitation; later entries take precedence.
func (d *StaticDirectory) Add(inv Invitation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invitations = append(d.invitations, inv)
}

func (d *StaticDirectory) GuestName(_ context.Context, ownerID, phone string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for i := len(d.invitations) - 1; i >= 0; i-- {
		inv := d.invitations[i]
		if inv.OwnerID == ownerID && inv.Phone == phone && inv.GuestName != "" {
			return inv.GuestName, nil
		}
	}
	return "", nil
}

func (d *StaticDirectory) InvitationOwner(_ context.Context, phone string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for i := len(d.invitations) - 1; i >= 0; i-- {
		if d.invitations[i].Phone == phone {
			return d.invitations[i].OwnerID, nil
		}
	}
	return "", nil
}

func (d *StaticDirectory) LatestEventOwner(context.Context) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.latestOwner, nil
}
