package models

import "time"

// MessageType is the payload kind of a message.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeMedia MessageType = "media"
)

func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeMedia
}

// Message represents one message inside a conversation.
type Message struct {
	ID             string      `db:"id" json:"id"`
	ConversationID string      `db:"conversation_id" json:"conversationId"`
	SenderID       string      `db:"sender_id" json:"senderId"`
	SenderKind     Kind        `db:"sender_kind" json:"senderKind"`
	ReceiverID     string      `db:"receiver_id" json:"receiverId"`
	ReceiverKind   Kind        `db:"receiver_kind" json:"receiverKind"`
	Content        string      `db:"content" json:"content"`
	MessageType    MessageType `db:"message_type" json:"messageType"`
	MediaURL       *string     `db:"media_url" json:"mediaUrl,omitempty"`
	IsDelivered    bool        `db:"is_delivered" json:"isDelivered"`
	DeliveredAt    *time.Time  `db:"delivered_at" json:"deliveredAt,omitempty"`
	IsRead         bool        `db:"is_read" json:"isRead"`
	ReadAt         *time.Time  `db:"read_at" json:"readAt,omitempty"`
	IsDeleted      bool        `db:"is_deleted" json:"isDeleted"`
	CreatedAt      time.Time   `db:"created_at" json:"createdAt"`
}

func (m Message) Sender() Identity {
	return Identity{ID: m.SenderID, Kind: m.SenderKind}
}

func (m Message) Receiver() Identity {
	return Identity{ID: m.ReceiverID, Kind: m.ReceiverKind}
}
