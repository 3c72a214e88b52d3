package models

import (
	"sort"
	"strings"
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusPending ConversationStatus = "pending"
	StatusActive  ConversationStatus = "active"
	StatusEnded   ConversationStatus = "ended"
)

// LastMessage is the denormalized snapshot of the most recent message.
type LastMessage struct {
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	SenderKind Kind      `json:"senderKind"`
	Timestamp  time.Time `json:"timestamp"`
}

// UnreadCount holds per-kind unread counters.
type UnreadCount struct {
	Partner int `json:"partner"`
	User    int `json:"user"`
}

// Conversation is one dialogue between exactly one partner and one user.
type Conversation struct {
	ConversationID string             `json:"conversationId"`
	PartnerID      string             `json:"partnerId"`
	UserID         string             `json:"userId"`
	Status         ConversationStatus `json:"status"`
	LastMessage    *LastMessage       `json:"lastMessage,omitempty"`
	LastMessageAt  *time.Time         `json:"lastMessageAt,omitempty"`
	UnreadCount    UnreadCount        `json:"unreadCount"`
	StartedAt      time.Time          `json:"startedAt"`
	EndedAt        *time.Time         `json:"endedAt,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

var idEscaper = strings.NewReplacer("%", "%25", "_", "%5F")

// DeriveConversationID is order independent: DeriveConversationID(a, b) == DeriveConversationID(b, a).
// Each id is escaped before joining so that distinct pairs never share an id;
// ids without '_' or '%' come through unchanged.
func DeriveConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return idEscaper.Replace(ids[0]) + "_" + idEscaper.Replace(ids[1])
}

// Owns reports whether the record belongs to exactly this partner and user.
func (c Conversation) Owns(partnerID, userID string) bool {
	return c.PartnerID == partnerID && c.UserID == userID
}

func (c Conversation) Partner() Identity {
	return Identity{ID: c.PartnerID, Kind: KindPartner}
}

func (c Conversation) User() Identity {
	return Identity{ID: c.UserID, Kind: KindUser}
}

// IsParticipant reports whether id is the partner or the user of the conversation.
func (c Conversation) IsParticipant(id Identity) bool {
	return id == c.Partner() || id == c.User()
}

// Other returns the counterpart of id. The caller must be a participant.
func (c Conversation) Other(id Identity) Identity {
	if id.Kind == KindPartner {
		return c.User()
	}
	return c.Partner()
}

// Unread returns the unread counter for the given kind.
func (c Conversation) Unread(kind Kind) int {
	if kind == KindPartner {
		return c.UnreadCount.Partner
	}
	return c.UnreadCount.User
}

func (c Conversation) Ended() bool {
	return c.Status == StatusEnded
}
