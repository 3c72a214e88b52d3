package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"conversation-service/internal/models"
	"conversation-service/internal/observability"
	"conversation-service/internal/realtime"
	"conversation-service/internal/repositories"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// MessageRouter persists messages, maintains conversation summaries and fans
// events out to live participants. Both transports call into it.
type MessageRouter struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	registry      *realtime.Registry
	log           zerolog.Logger
	now           func() time.Time
}

func NewMessageRouter(conversations repositories.ConversationRepository, messages repositories.MessageRepository, registry *realtime.Registry, log zerolog.Logger) *MessageRouter {
	return &MessageRouter{
		conversations: conversations,
		messages:      messages,
		registry:      registry,
		log:           log.With().Str("component", "message_router").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SendInput is one outgoing message. Conn is the sender's live connection,
// nil when the message arrives over HTTP.
type SendInput struct {
	ConversationID string
	Sender         models.Identity
	Content        string
	MessageType    models.MessageType
	MediaURL       string
	Conn           realtime.Conn
}

// Pagination describes one page of history.
type Pagination struct {
	Page          int  `json:"page"`
	Limit         int  `json:"limit"`
	TotalMessages int  `json:"totalMessages"`
	TotalPages    int  `json:"totalPages"`
	HasMore       bool `json:"hasMore"`
}

type HistoryPage struct {
	Messages   []models.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

func (in *SendInput) validate() error {
	if strings.TrimSpace(in.ConversationID) == "" {
		return validation("conversationId is required")
	}
	if in.MessageType == "" {
		in.MessageType = models.MessageTypeText
	}
	if !in.MessageType.Valid() {
		return validation("messageType must be text or media")
	}
	in.MediaURL = strings.TrimSpace(in.MediaURL)
	if in.MessageType == models.MessageTypeMedia && in.MediaURL == "" {
		return validation("mediaUrl is required for media messages")
	}
	if strings.TrimSpace(in.Content) == "" && in.MessageType == models.MessageTypeText {
		return validation("content is required")
	}
	return nil
}

// Send persists a message, updates the conversation summary and pushes it to
// live participants. A receiver holding a live connection marks it delivered.
func (r *MessageRouter) Send(ctx context.Context, in SendInput) (models.Message, error) {
	ctx, span := tracer.Start(ctx, "message.send")
	defer span.End()

	if err := in.validate(); err != nil {
		return models.Message{}, err
	}
	conv, err := loadForParticipant(ctx, r.conversations, in.Sender, in.ConversationID)
	if err != nil {
		return models.Message{}, err
	}
	if conv.Ended() {
		return models.Message{}, ErrConversationEnded
	}
	receiver := conv.Other(in.Sender)

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ConversationID,
		SenderID:       in.Sender.ID,
		SenderKind:     in.Sender.Kind,
		ReceiverID:     receiver.ID,
		ReceiverKind:   receiver.Kind,
		Content:        in.Content,
		MessageType:    in.MessageType,
	}
	if in.MediaURL != "" {
		mediaURL := in.MediaURL
		msg.MediaURL = &mediaURL
	}
	msg, err = r.messages.Create(ctx, msg)
	if err != nil {
		return models.Message{}, persistence("failed to save message", err)
	}
	span.SetAttributes(attribute.String("message.id", msg.ID), attribute.String("conversation.id", msg.ConversationID))

	last := models.LastMessage{
		Content:    msg.Content,
		SenderID:   msg.SenderID,
		SenderKind: msg.SenderKind,
		Timestamp:  msg.CreatedAt,
	}
	if err := r.conversations.RecordMessage(ctx, conv.ConversationID, last, receiver.Kind); err != nil {
		r.log.Warn().Err(err).Str("conversation_id", conv.ConversationID).Str("message_id", msg.ID).Msg("conversation summary update failed")
	}

	transport := "http"
	if in.Conn != nil {
		transport = "ws"
		if err := joinRoom(ctx, r.conversations, r.registry, conv.ConversationID, in.Conn); err != nil {
			r.log.Debug().Err(err).Str("conversation_id", conv.ConversationID).Msg("sender not joined to room")
		}
	}
	observability.IncMessageSent(string(in.Sender.Kind), transport)

	emit(r.registry, conv.ConversationID, models.Event{
		Event: models.EventMessageNew,
		Data: models.MessageNewPayload{
			ConversationID: conv.ConversationID,
			Message:        msg,
		},
	}, conv.Partner(), conv.User())

	if !r.registry.IsOnline(receiver) {
		publishDomainEvent(ctx, r.log, observability.RoutingMessageEvents, "message_events", "message.queued", msg)
		return msg, nil
	}

	at := r.now()
	if _, err := r.messages.MarkDelivered(ctx, []string{msg.ID}, at); err != nil {
		r.log.Warn().Err(err).Str("message_id", msg.ID).Msg("mark delivered failed")
		return msg, nil
	}
	msg.IsDelivered = true
	msg.DeliveredAt = &at
	observability.IncMessageDelivered("online")

	emit(r.registry, conv.ConversationID, models.Event{
		Event: models.EventMessageDelivered,
		Data: models.MessageRefPayload{
			ConversationID: conv.ConversationID,
			MessageID:      msg.ID,
		},
	}, conv.Partner(), conv.User())
	return msg, nil
}

// MarkRead marks messages addressed to reader as read and resets the reader's
// unread counter. An empty messageIDs means every unread message.
func (r *MessageRouter) MarkRead(ctx context.Context, conversationID string, reader models.Identity, messageIDs []string) (models.ReadStatusPayload, error) {
	ctx, span := tracer.Start(ctx, "message.read")
	defer span.End()

	conv, err := loadForParticipant(ctx, r.conversations, reader, conversationID)
	if err != nil {
		return models.ReadStatusPayload{}, err
	}

	marked, err := r.messages.MarkRead(ctx, conversationID, reader, messageIDs, r.now())
	if err != nil {
		return models.ReadStatusPayload{}, persistence("failed to mark messages read", err)
	}
	if len(messageIDs) > 0 && len(marked) == 0 {
		return models.ReadStatusPayload{}, notFound("no matching messages addressed to reader")
	}
	if marked == nil {
		marked = []string{}
	}

	if err := r.conversations.ResetUnread(ctx, conversationID, reader.Kind); err != nil {
		r.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("unread counter reset failed")
	}

	receipt := models.ReadStatusPayload{
		ConversationID: conversationID,
		MessageIDs:     marked,
		ReadBy:         reader,
	}
	if len(marked) > 0 {
		emit(r.registry, conversationID, models.Event{
			Event: models.EventMessageReadStatus,
			Data:  receipt,
		}, conv.Partner(), conv.User())
	}
	return receipt, nil
}

// History returns one page of the conversation in ascending creation order.
func (r *MessageRouter) History(ctx context.Context, caller models.Identity, conversationID string, page, limit int) (HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	if _, err := loadForParticipant(ctx, r.conversations, caller, conversationID); err != nil {
		return HistoryPage{}, err
	}

	offset := (page - 1) * limit
	msgs, total, err := r.messages.History(ctx, conversationID, offset, limit)
	if err != nil {
		return HistoryPage{}, persistence("failed to load messages", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	return HistoryPage{
		Messages: msgs,
		Pagination: Pagination{
			Page:          page,
			Limit:         limit,
			TotalMessages: total,
			TotalPages:    (total + limit - 1) / limit,
			HasMore:       offset+len(msgs) < total,
		},
	}, nil
}

// Delete soft-deletes a message. Only its sender may delete it.
func (r *MessageRouter) Delete(ctx context.Context, caller models.Identity, conversationID, messageID string) error {
	conv, err := loadForParticipant(ctx, r.conversations, caller, conversationID)
	if err != nil {
		return err
	}

	msg, err := r.messages.Get(ctx, messageID)
	if err != nil {
		return persistence("failed to load message", err)
	}
	if msg.ConversationID != conversationID || msg.IsDeleted {
		return notFound("message not found")
	}
	if msg.Sender() != caller {
		return forbidden("only the sender can delete a message")
	}

	if err := r.messages.SoftDelete(ctx, messageID, caller); err != nil {
		return persistence("failed to delete message", err)
	}

	emit(r.registry, conversationID, models.Event{
		Event: models.EventMessageDeleted,
		Data: models.MessageRefPayload{
			ConversationID: conversationID,
			MessageID:      messageID,
		},
	}, conv.Partner(), conv.User())
	publishDomainEvent(ctx, r.log, observability.RoutingMessageEvents, "message_events", "message.deleted", models.MessageRefPayload{
		ConversationID: conversationID,
		MessageID:      messageID,
	})
	return nil
}

// DeliverPending marks every message waiting for identity as delivered and
// tells the senders. It returns how many messages changed state.
func (r *MessageRouter) DeliverPending(ctx context.Context, identity models.Identity) (int, error) {
	pending, err := r.messages.ListUndelivered(ctx, identity)
	if err != nil {
		return 0, persistence("failed to load pending messages", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(pending))
	for _, msg := range pending {
		ids = append(ids, msg.ID)
	}
	delivered, err := r.messages.MarkDelivered(ctx, ids, r.now())
	if err != nil {
		return 0, persistence("failed to mark messages delivered", err)
	}

	changed := make(map[string]struct{}, len(delivered))
	for _, id := range delivered {
		changed[id] = struct{}{}
	}
	for _, msg := range pending {
		if _, ok := changed[msg.ID]; !ok {
			continue
		}
		emit(r.registry, msg.ConversationID, models.Event{
			Event: models.EventMessageDelivered,
			Data: models.MessageRefPayload{
				ConversationID: msg.ConversationID,
				MessageID:      msg.ID,
			},
		}, msg.Sender())
		observability.IncMessageDelivered("reconnect")
	}
	return len(delivered), nil
}
