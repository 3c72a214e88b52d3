package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"conversation-service/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationClosed is returned when a transition is attempted on an ended conversation.
	ErrConversationClosed = errors.New("conversation already ended")
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	// FindOrCreate returns the conversation for the pair, creating it in pending
	// status when absent. created reports whether this call inserted it.
	FindOrCreate(ctx context.Context, partnerID, userID string) (conv models.Conversation, created bool, err error)
	Get(ctx context.Context, conversationID string) (models.Conversation, error)
	UpdateStatus(ctx context.Context, conversationID string, status models.ConversationStatus, at time.Time) (models.Conversation, error)
	RecordMessage(ctx context.Context, conversationID string, last models.LastMessage, receiverKind models.Kind) error
	ResetUnread(ctx context.Context, conversationID string, kind models.Kind) error
	ListForIdentity(ctx context.Context, identity models.Identity) ([]models.Conversation, error)
	UnreadTotal(ctx context.Context, identity models.Identity) (int, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

type conversationRow struct {
	ConversationID        string         `db:"conversation_id"`
	PartnerID             string         `db:"partner_id"`
	UserID                string         `db:"user_id"`
	Status                string         `db:"status"`
	LastMessageContent    sql.NullString `db:"last_message_content"`
	LastMessageSenderID   sql.NullString `db:"last_message_sender_id"`
	LastMessageSenderKind sql.NullString `db:"last_message_sender_kind"`
	LastMessageAt         sql.NullTime   `db:"last_message_at"`
	UnreadPartner         int            `db:"unread_partner"`
	UnreadUser            int            `db:"unread_user"`
	StartedAt             time.Time      `db:"started_at"`
	EndedAt               sql.NullTime   `db:"ended_at"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

const conversationColumns = `conversation_id, partner_id, user_id, status,
        last_message_content, last_message_sender_id, last_message_sender_kind, last_message_at,
        unread_partner, unread_user, started_at, ended_at, created_at, updated_at`

func (row conversationRow) toModel() models.Conversation {
	conv := models.Conversation{
		ConversationID: row.ConversationID,
		PartnerID:      row.PartnerID,
		UserID:         row.UserID,
		Status:         models.ConversationStatus(row.Status),
		UnreadCount: models.UnreadCount{
			Partner: row.UnreadPartner,
			User:    row.UnreadUser,
		},
		StartedAt: row.StartedAt,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.LastMessageAt.Valid {
		at := row.LastMessageAt.Time
		conv.LastMessageAt = &at
		conv.LastMessage = &models.LastMessage{
			Content:    row.LastMessageContent.String,
			SenderID:   row.LastMessageSenderID.String,
			SenderKind: models.Kind(row.LastMessageSenderKind.String),
			Timestamp:  at,
		}
	}
	if row.EndedAt.Valid {
		ended := row.EndedAt.Time
		conv.EndedAt = &ended
	}
	return conv
}

// FindOrCreate relies on the primary key to keep concurrent starts for the same pair idempotent.
func (r *ConversationRepo) FindOrCreate(ctx context.Context, partnerID, userID string) (models.Conversation, bool, error) {
	id := models.DeriveConversationID(partnerID, userID)
	res, err := r.db.ExecContext(ctx, `INSERT INTO conversations (conversation_id, partner_id, user_id, status)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (conversation_id) DO NOTHING`, id, partnerID, userID, models.StatusPending)
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Conversation{}, false, err
	}

	conv, err := r.Get(ctx, id)
	return conv, affected == 1, err
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	var row conversationRow
	err := r.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE conversation_id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return row.toModel(), nil
}

// UpdateStatus moves a non-ended conversation to status. Moving to ended stamps ended_at.
func (r *ConversationRepo) UpdateStatus(ctx context.Context, conversationID string, status models.ConversationStatus, at time.Time) (models.Conversation, error) {
	var endedAt sql.NullTime
	if status == models.StatusEnded {
		endedAt = sql.NullTime{Time: at, Valid: true}
	}

	var row conversationRow
	err := r.db.GetContext(ctx, &row, `UPDATE conversations
        SET status=$2, ended_at=COALESCE($3, ended_at), updated_at=$4
        WHERE conversation_id=$1 AND status <> 'ended'
        RETURNING `+conversationColumns, conversationID, status, endedAt, at)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, conversationID); getErr != nil {
			return models.Conversation{}, getErr
		}
		return models.Conversation{}, ErrConversationClosed
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return row.toModel(), nil
}

// RecordMessage refreshes the last-message snapshot and bumps the receiver's unread counter.
func (r *ConversationRepo) RecordMessage(ctx context.Context, conversationID string, last models.LastMessage, receiverKind models.Kind) error {
	column, err := unreadColumn(receiverKind)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE conversations
        SET last_message_content=$2, last_message_sender_id=$3, last_message_sender_kind=$4,
            last_message_at=$5, `+column+`=`+column+`+1, updated_at=NOW()
        WHERE conversation_id=$1`, conversationID, last.Content, last.SenderID, last.SenderKind, last.Timestamp)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrConversationNotFound)
}

// ResetUnread zeroes the unread counter of one side.
func (r *ConversationRepo) ResetUnread(ctx context.Context, conversationID string, kind models.Kind) error {
	column, err := unreadColumn(kind)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE conversations SET `+column+`=0, updated_at=NOW() WHERE conversation_id=$1`, conversationID)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrConversationNotFound)
}

// ListForIdentity returns the identity's conversations, most recently active first.
func (r *ConversationRepo) ListForIdentity(ctx context.Context, identity models.Identity) ([]models.Conversation, error) {
	column, err := participantColumn(identity.Kind)
	if err != nil {
		return nil, err
	}
	var rows []conversationRow
	query := `SELECT ` + conversationColumns + ` FROM conversations
        WHERE ` + column + `=$1
        ORDER BY COALESCE(last_message_at, created_at) DESC`
	if err := r.db.SelectContext(ctx, &rows, query, identity.ID); err != nil {
		return nil, err
	}

	result := make([]models.Conversation, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}

// UnreadTotal sums the identity's unread counters across its conversations.
func (r *ConversationRepo) UnreadTotal(ctx context.Context, identity models.Identity) (int, error) {
	column, err := participantColumn(identity.Kind)
	if err != nil {
		return 0, err
	}
	unread, _ := unreadColumn(identity.Kind)

	var total int
	err = r.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(`+unread+`), 0) FROM conversations WHERE `+column+`=$1`, identity.ID)
	return total, err
}

func unreadColumn(kind models.Kind) (string, error) {
	switch kind {
	case models.KindPartner:
		return "unread_partner", nil
	case models.KindUser:
		return "unread_user", nil
	}
	return "", fmt.Errorf("unknown identity kind %q", kind)
}

func participantColumn(kind models.Kind) (string, error) {
	switch kind {
	case models.KindPartner:
		return "partner_id", nil
	case models.KindUser:
		return "user_id", nil
	}
	return "", fmt.Errorf("unknown identity kind %q", kind)
}

func expectAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
