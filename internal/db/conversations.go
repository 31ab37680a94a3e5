package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Conversations is the Postgres-backed ConversationStore.
type Conversations struct {
	db     *DB
	logger *zap.Logger
}

// NewConversations creates a conversation repository.
func NewConversations(db *DB, logger *zap.Logger) *Conversations {
	return &Conversations{db: db, logger: logger}
}

const conversationColumns = `
	id, owner_id, phone_number, channel, contact_name, contact_name_source,
	unread_count, last_message_at, created_at, updated_at`

const messageColumns = `
	id, conversation_id, delivery_record_id, direction, provider_message_id,
	content, message_type, status, sent_at, delivered_at, read_at,
	error_message, metadata`

// Upsert returns the conversation for key, creating it on first contact. The
// contact name is only replaced when name outranks the stored source.
func (c *Conversations) Upsert(ctx context.Context, key ConversationKey, name NameCandidate) (*Conversation, error) {
	initial := NameCandidate{Name: key.PhoneNumber, Source: NameSourcePhone}
	if n, src, ok := ResolveContactName(initial.Name, initial.Source, name); ok {
		initial = NameCandidate{Name: n, Source: src}
	}

	tx, err := c.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, owner_id, phone_number, channel, contact_name, contact_name_source)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, phone_number, channel) DO NOTHING
	`, uuid.New(), key.OwnerID, key.PhoneNumber, key.Channel, initial.Name, initial.Source)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	row := tx.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE owner_id = $1 AND phone_number = $2 AND channel = $3
		FOR UPDATE
	`, key.OwnerID, key.PhoneNumber, key.Channel)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("lock conversation: %w", err)
	}

	if n, src, ok := ResolveContactName(conv.ContactName, conv.ContactNameSource, name); ok {
		err = tx.QueryRow(ctx, `
			UPDATE conversations
			SET contact_name = $2, contact_name_source = $3, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`, conv.ID, n, src).Scan(&conv.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("update contact name: %w", err)
		}
		conv.ContactName, conv.ContactNameSource = n, src
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit conversation: %w", err)
	}
	return conv, nil
}

// Find looks up the conversation for key.
func (c *Conversations) Find(ctx context.Context, key ConversationKey) (*Conversation, error) {
	row := c.db.Pool().QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE owner_id = $1 AND phone_number = $2 AND channel = $3
	`, key.OwnerID, key.PhoneNumber, key.Channel)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return conv, nil
}

// Get returns the conversation with the given id.
func (c *Conversations) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := c.db.Pool().QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return conv, nil
}

// AppendMessage inserts msg and applies the counter side effects in the same
// transaction. Duplicate provider ids are skipped without touching counters.
func (c *Conversations) AppendMessage(ctx context.Context, msg *Message, opts AppendOptions) (bool, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	tx, err := c.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (conversation_id, provider_message_id) DO NOTHING
	`,
		msg.ID,
		msg.ConversationID,
		msg.DeliveryRecordID,
		msg.Direction,
		msg.ProviderMessageID,
		msg.Content,
		msg.MessageType,
		msg.Status,
		msg.SentAt,
		msg.DeliveredAt,
		msg.ReadAt,
		msg.ErrorMessage,
		msg.Metadata,
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		c.logger.Debug("duplicate message ignored",
			zap.String("conversation_id", msg.ConversationID.String()),
			zap.Stringp("provider_message_id", msg.ProviderMessageID),
		)
		return false, nil
	}

	if opts.IncrementUnread || opts.TouchLastMessage {
		_, err = tx.Exec(ctx, `
			UPDATE conversations
			SET unread_count = unread_count + CASE WHEN $2 THEN 1 ELSE 0 END,
				last_message_at = CASE WHEN $3 THEN GREATEST(last_message_at, $4) ELSE last_message_at END,
				updated_at = NOW()
			WHERE id = $1
		`, msg.ConversationID, opts.IncrementUnread, opts.TouchLastMessage, msg.SentAt)
		if err != nil {
			return false, fmt.Errorf("update conversation counters: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit message: %w", err)
	}
	return true, nil
}

// RecordMessageStatus merges status into the newest message carrying
// providerMessageID.
func (c *Conversations) RecordMessageStatus(
	ctx context.Context,
	providerMessageID string,
	status Status,
	at time.Time,
	errorMessage string,
) (StatusUpdate, error) {
	tx, err := c.db.Pool().Begin(ctx)
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
		FROM messages
		WHERE provider_message_id = $1
		ORDER BY sent_at DESC
		LIMIT 1
		FOR UPDATE
	`, providerMessageID).Scan(&id, &current, &deliveredAt, &readAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StatusUpdate{}, nil
	}
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("lock message: %w", err)
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
		UPDATE messages
		SET status = $2, delivered_at = $3, read_at = $4,
			error_message = COALESCE($5, error_message)
		WHERE id = $1
	`, id, next, deliveredAt, readAt, errMsg)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("update message status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return StatusUpdate{}, fmt.Errorf("commit message status: %w", err)
	}
	return update, nil
}

// MarkRead resets the unread counter.
func (c *Conversations) MarkRead(ctx context.Context, id uuid.UUID) error {
	tag, err := c.db.Pool().Exec(ctx, `
		UPDATE conversations SET unread_count = 0, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// List returns an owner's conversations, most recently active first. An empty
// channel matches every channel.
func (c *Conversations) List(ctx context.Context, ownerID string, channel Channel) ([]*Conversation, error) {
	rows, err := c.db.Pool().Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE owner_id = $1 AND ($2 = '' OR channel = $2)
		ORDER BY last_message_at DESC NULLS LAST, created_at DESC
	`, ownerID, string(channel))
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// Messages returns up to limit of the newest messages, oldest first.
func (c *Conversations) Messages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*Message, error) {
	rows, err := c.db.Pool().Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`, conversationID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		err := rows.Scan(
			&m.ID,
			&m.ConversationID,
			&m.DeliveryRecordID,
			&m.Direction,
			&m.ProviderMessageID,
			&m.Content,
			&m.MessageType,
			&m.Status,
			&m.SentAt,
			&m.DeliveredAt,
			&m.ReadAt,
			&m.ErrorMessage,
			&m.Metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var conv Conversation
	err := row.Scan(
		&conv.ID,
		&conv.OwnerID,
		&conv.PhoneNumber,
		&conv.Channel,
		&conv.ContactName,
		&conv.ContactNameSource,
		&conv.UnreadCount,
		&conv.LastMessageAt,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}
