package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// DeliveryLog is the Postgres-backed DeliveryStore.
type DeliveryLog struct {
	db     *DB
	logger *zap.Logger
}

// NewDeliveryLog creates a delivery log repository.
func NewDeliveryLog(db *DB, logger *zap.Logger) *DeliveryLog {
	return &DeliveryLog{db: db, logger: logger}
}

const deliveryColumns = `
	id, owner_id, recipient_type, recipient, channel, content, status,
	provider_message_id, error_message, delivered_at, read_at, metadata,
	created_at, updated_at`

// Insert writes a new delivery record.
func (l *DeliveryLog) Insert(ctx context.Context, rec *DeliveryRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	query := `
		INSERT INTO delivery_records (
			id, owner_id, recipient_type, recipient, channel, content, status,
			provider_message_id, error_message, delivered_at, read_at, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		RETURNING created_at, updated_at
	`

	err := l.db.Pool().QueryRow(
		ctx,
		query,
		rec.ID,
		rec.OwnerID,
		rec.RecipientType,
		rec.Recipient,
		rec.Channel,
		rec.Content,
		rec.Status,
		rec.ProviderMessageID,
		rec.ErrorMessage,
		rec.DeliveredAt,
		rec.ReadAt,
		rec.Metadata,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		l.logger.Error("failed to insert delivery record",
			zap.Error(err),
			zap.String("delivery_id", rec.ID.String()),
			zap.String("channel", string(rec.Channel)),
		)
		return fmt.Errorf("insert delivery record: %w", err)
	}

	return nil
}

// RecordStatus merges status into the record with the given provider id. The
// row is locked while the merge is computed so concurrent callbacks for the
// same message serialize.
func (l *DeliveryLog) RecordStatus(
	ctx context.Context,
	providerMessageID string,
	status Status,
	at time.Time,
	errorMessage string,
) (StatusUpdate, error) {
	tx, err := l.db.Pool().Begin(ctx)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		id          uuid.UUID
		current     Status
		deliveredAt *time.Time
		readAt      *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT id, status, delivered_at, read_at
		FROM delivery_records
		WHERE provider_message_id = $1
		FOR UPDATE
	`, providerMessageID).Scan(&id, &current, &deliveredAt, &readAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StatusUpdate{}, nil
	}
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("lock delivery record: %w", err)
	}

	next, changed := MergeStatus(current, status)
	update := StatusUpdate{Found: true, Applied: changed, Previous: current, Current: next}
	if !changed {
		return update, nil
	}

	deliveredAt, readAt = TransitionTimes(next, at, deliveredAt, readAt)
	var errMsg *string
	if next == StatusFailed {
		errMsg = stringOrNil(errorMessage)
	}

	_, err = tx.Exec(ctx, `
		UPDATE delivery_records
		SET status = $2, delivered_at = $3, read_at = $4,
			error_message = COALESCE($5, error_message), updated_at = NOW()
		WHERE id = $1
	`, id, next, deliveredAt, readAt, errMsg)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("update delivery status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return StatusUpdate{}, fmt.Errorf("commit delivery status: %w", err)
	}

	l.logger.Debug("delivery status merged",
		zap.String("provider_message_id", providerMessageID),
		zap.String("from", string(current)),
		zap.String("to", string(next)),
	)
	return update, nil
}

// Get returns the record with the given id.
func (l *DeliveryLog) Get(ctx context.Context, id uuid.UUID) (*DeliveryRecord, error) {
	row := l.db.Pool().QueryRow(ctx, `SELECT `+deliveryColumns+` FROM delivery_records WHERE id = $1`, id)
	rec, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery record: %w", err)
	}
	return rec, nil
}

// List returns records matching filter, newest first.
func (l *DeliveryLog) List(ctx context.Context, filter DeliveryFilter) ([]*DeliveryRecord, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Recipient != "" {
		add("recipient = $%d", filter.Recipient)
	}
	if filter.Channel != "" {
		add("channel = $%d", filter.Channel)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.OwnerID != "" {
		add("owner_id = $%d", filter.OwnerID)
	}

	query := `SELECT ` + deliveryColumns + ` FROM delivery_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, ClampLimit(filter.Limit), max(filter.Offset, 0))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := l.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query delivery records: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanDelivery(row pgx.Row) (*DeliveryRecord, error) {
	var rec DeliveryRecord
	err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.RecipientType,
		&rec.Recipient,
		&rec.Channel,
		&rec.Content,
		&rec.Status,
		&rec.ProviderMessageID,
		&rec.ErrorMessage,
		&rec.DeliveredAt,
		&rec.ReadAt,
		&rec.Metadata,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
