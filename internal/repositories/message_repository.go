package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"conversation-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	// Create persists msg. The store assigns CreatedAt, which orders messages within a conversation.
	// It fails with ErrConversationClosed once the conversation has ended.
	Create(ctx context.Context, msg models.Message) (models.Message, error)
	Get(ctx context.Context, messageID string) (models.Message, error)
	MarkDelivered(ctx context.Context, messageIDs []string, at time.Time) ([]string, error)
	// MarkRead marks messages addressed to reader as read and returns the ids it
	// matched. An empty messageIDs selects every unread message addressed to reader.
	MarkRead(ctx context.Context, conversationID string, reader models.Identity, messageIDs []string, at time.Time) ([]string, error)
	// History returns one page of non-deleted messages, newest first, and the total count.
	History(ctx context.Context, conversationID string, offset, limit int) ([]models.Message, int, error)
	SoftDelete(ctx context.Context, messageID string, sender models.Identity) error
	ListUndelivered(ctx context.Context, receiver models.Identity) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, sender_kind, receiver_id, receiver_kind,
        content, message_type, media_url, is_delivered, delivered_at, is_read, read_at, is_deleted, created_at`

// Create stores a message. The conversation row is share-locked for the
// insert, so a concurrent end either waits for it or makes it fail with
// ErrConversationClosed.
func (r *MessageRepo) Create(ctx context.Context, msg models.Message) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var status string
	err = tx.GetContext(ctx, &status, `SELECT status FROM conversations WHERE conversation_id=$1 FOR SHARE`, msg.ConversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	if models.ConversationStatus(status) == models.StatusEnded {
		err = ErrConversationClosed
		return models.Message{}, err
	}

	var stored models.Message
	if err = tx.GetContext(ctx, &stored, `INSERT INTO messages
        (id, conversation_id, sender_id, sender_kind, receiver_id, receiver_kind, content, message_type, media_url)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING `+messageColumns,
		msg.ID, msg.ConversationID, msg.SenderID, msg.SenderKind, msg.ReceiverID, msg.ReceiverKind,
		msg.Content, msg.MessageType, msg.MediaURL); err != nil {
		return models.Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return stored, nil
}

// Get retrieves a single message.
func (r *MessageRepo) Get(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// MarkDelivered flips is_delivered on the given messages. Already delivered
// messages keep their original delivered_at.
func (r *MessageRepo) MarkDelivered(ctx context.Context, messageIDs []string, at time.Time) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `UPDATE messages
        SET is_delivered=TRUE, delivered_at=COALESCE(delivered_at, $2)
        WHERE id = ANY($1) AND is_delivered=FALSE
        RETURNING id`, pq.Array(messageIDs), at)
	return ids, err
}

// MarkRead also marks the messages delivered; a read message has necessarily reached its receiver.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID string, reader models.Identity, messageIDs []string, at time.Time) ([]string, error) {
	var ids []string
	if len(messageIDs) == 0 {
		err := r.db.SelectContext(ctx, &ids, `UPDATE messages
            SET is_read=TRUE, read_at=$4, is_delivered=TRUE, delivered_at=COALESCE(delivered_at, $4)
            WHERE conversation_id=$1 AND receiver_id=$2 AND receiver_kind=$3 AND is_read=FALSE
            RETURNING id`, conversationID, reader.ID, reader.Kind, at)
		return ids, err
	}

	err := r.db.SelectContext(ctx, &ids, `UPDATE messages
        SET is_read=TRUE, read_at=COALESCE(read_at, $5), is_delivered=TRUE, delivered_at=COALESCE(delivered_at, $5)
        WHERE conversation_id=$1 AND receiver_id=$2 AND receiver_kind=$3 AND id = ANY($4)
        RETURNING id`, conversationID, reader.ID, reader.Kind, pq.Array(messageIDs), at)
	return ids, err
}

// History returns messages newest first; seq breaks ties between equal timestamps.
func (r *MessageRepo) History(ctx context.Context, conversationID string, offset, limit int) ([]models.Message, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM messages WHERE conversation_id=$1 AND is_deleted=FALSE`, conversationID); err != nil {
		return nil, 0, err
	}

	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND is_deleted=FALSE
        ORDER BY created_at DESC, seq DESC
        OFFSET $2 LIMIT $3`, conversationID, offset, limit)
	return msgs, total, err
}

// SoftDelete hides a message. Only its sender may delete it.
func (r *MessageRepo) SoftDelete(ctx context.Context, messageID string, sender models.Identity) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET is_deleted=TRUE
        WHERE id=$1 AND sender_id=$2 AND sender_kind=$3`, messageID, sender.ID, sender.Kind)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrMessageNotFound)
}

// ListUndelivered returns messages waiting for receiver, oldest first.
func (r *MessageRepo) ListUndelivered(ctx context.Context, receiver models.Identity) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE receiver_id=$1 AND receiver_kind=$2 AND is_delivered=FALSE AND is_deleted=FALSE
        ORDER BY created_at ASC, seq ASC`, receiver.ID, receiver.Kind)
	return msgs, err
}
