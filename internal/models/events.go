package models

import "encoding/json"

// Client to server events.
const (
	EventPartnersGetOnline  = "partners:getOnline"
	EventConversationStart  = "conversation:start"
	EventConversationAccept = "conversation:accept"
	EventConversationJoin   = "conversation:join"
	EventConversationEnd    = "conversation:end"
	EventMessageSend        = "message:send"
	EventMessageRead        = "message:read"
	EventMessagesGet        = "messages:get"
	EventConversationsGet   = "conversations:get"
	EventTypingStart        = "typing:start"
	EventTypingStop         = "typing:stop"
)

// Server to client events.
const (
	EventUserOnline           = "user:online"
	EventUserOffline          = "user:offline"
	EventConversationRequest  = "conversation:request"
	EventConversationAccepted = "conversation:accepted"
	EventConversationEnded    = "conversation:ended"
	EventMessageNew           = "message:new"
	EventMessageDelivered     = "message:delivered"
	EventMessageReadStatus    = "message:readStatus"
	EventMessageDeleted       = "message:deleted"
	EventPartnerStatusChange  = "partner:statusChange"
	EventTypingIndicator      = "typing:indicator"
	EventAck                  = "ack"
	EventConnected            = "connected"
)

// Event is a server push.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Frame is a client request. RequestID is echoed on the acknowledgment.
type Frame struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Ack answers a Frame.
type Ack struct {
	Event     string `json:"event"`
	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
}

type PresencePayload struct {
	Identity Identity `json:"identity"`
}

type StatusChangePayload struct {
	PartnerID string        `json:"partnerId"`
	Status    PartnerStatus `json:"status"`
}

type ConversationRequestPayload struct {
	ConversationID string   `json:"conversationId"`
	From           Identity `json:"from"`
}

type ConversationAcceptedPayload struct {
	ConversationID string       `json:"conversationId"`
	Conversation   Conversation `json:"conversation"`
}

type ConversationEndedPayload struct {
	ConversationID string `json:"conversationId"`
}

type MessageNewPayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

type MessageRefPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type ReadStatusPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	ReadBy         Identity `json:"readBy"`
}

type TypingPayload struct {
	ConversationID string   `json:"conversationId"`
	Identity       Identity `json:"identity"`
	IsTyping       bool     `json:"isTyping"`
}
