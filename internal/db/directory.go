package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/phone"
)

// Directory reads the invitation system's tables. It never writes.
//
// Invitation phone numbers are entered by hand upstream, so they are matched on
// their last nine digits rather than on the canonical form.
type Directory struct {
	db     *DB
	logger *zap.Logger
}

// NewDirectory creates a read-only invitation directory.
func NewDirectory(db *DB, logger *zap.Logger) *Directory {
	return &Directory{db: db, logger: logger}
}

const phoneTailMatch = `right(regexp_replace(i.phone_number, '[^0-9]', '', 'g'), 9) = right($1, 9)`

// GuestName returns the invited guest name for number among ownerID's events,
// or "" when the number was never invited.
func (d *Directory) GuestName(ctx context.Context, ownerID, number string) (string, error) {
	var name string
	err := d.db.Pool().QueryRow(ctx, `
		SELECT i.guest_name
		FROM invitations i
		JOIN events e ON e.id = i.event_id
		WHERE e.owner_id = $2 AND `+phoneTailMatch+` AND i.guest_name <> ''
		ORDER BY i.created_at DESC
		LIMIT 1
	`, phone.DigitsOnly(number), ownerID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query guest name: %w", err)
	}
	return name, nil
}

// InvitationOwner returns the owner of the most recent event that invited
// number, or "" when there is none.
func (d *Directory) InvitationOwner(ctx context.Context, number string) (string, error) {
	var owner string
	err := d.db.Pool().QueryRow(ctx, `
		SELECT e.owner_id
		FROM invitations i
		JOIN events e ON e.id = i.event_id
		WHERE `+phoneTailMatch+`
		ORDER BY i.created_at DESC
		LIMIT 1
	`, phone.DigitsOnly(number)).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query invitation owner: %w", err)
	}
	return owner, nil
}

// LatestEventOwner returns the owner of the most recently created event, or ""
// when no event exists.
func (d *Directory) LatestEventOwner(ctx context.Context) (string, error) {
	var owner string
	err := d.db.Pool().QueryRow(ctx, `
		SELECT owner_id FROM events ORDER BY created_at DESC LIMIT 1
	`).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query latest event owner: %w", err)
	}
	return owner, nil
}
