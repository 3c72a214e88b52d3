package conversation

import (
	"strings"

	"conversation-service/internal/models"
	"conversation-service/internal/realtime"
)

// TypingRelay forwards typing signals to the rest of a conversation room.
// Nothing is stored between calls.
type TypingRelay struct {
	registry *realtime.Registry
}

func NewTypingRelay(registry *realtime.Registry) *TypingRelay {
	return &TypingRelay{registry: registry}
}

func (t *TypingRelay) Start(conversationID string, conn realtime.Conn) error {
	return t.relay(conversationID, conn, true)
}

func (t *TypingRelay) Stop(conversationID string, conn realtime.Conn) error {
	return t.relay(conversationID, conn, false)
}

func (t *TypingRelay) relay(conversationID string, conn realtime.Conn, isTyping bool) error {
	if strings.TrimSpace(conversationID) == "" {
		return validation("conversationId is required")
	}
	if !t.registry.InRoom(conversationID, conn.ID()) {
		return forbidden("connection is not subscribed to this conversation")
	}
	t.registry.BroadcastRoom(conversationID, models.Event{
		Event: models.EventTypingIndicator,
		Data: models.TypingPayload{
			ConversationID: conversationID,
			Identity:       conn.Identity(),
			IsTyping:       isTyping,
		},
	}, conn.ID())
	return nil
}
