package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"conversation-service/internal/models"
	"conversation-service/internal/observability"
	"conversation-service/internal/realtime"
	"conversation-service/internal/repositories"
)

var tracer = otel.Tracer("conversation-service/conversation")

// Manager owns the conversation lifecycle and room membership.
type Manager struct {
	conversations repositories.ConversationRepository
	partners      repositories.PartnerDirectory
	presence      *realtime.Presence
	registry      *realtime.Registry
	log           zerolog.Logger
	now           func() time.Time
}

func NewManager(conversations repositories.ConversationRepository, partners repositories.PartnerDirectory, presence *realtime.Presence, log zerolog.Logger) *Manager {
	return &Manager{
		conversations: conversations,
		partners:      partners,
		presence:      presence,
		registry:      presence.Registry(),
		log:           log.With().Str("component", "conversation_manager").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Participant describes the other side of a conversation as seen by the caller.
type Participant struct {
	models.Identity
	IsOnline bool            `json:"isOnline"`
	Partner  *models.Partner `json:"partner,omitempty"`
}

// Summary is a conversation as listed for one of its participants.
type Summary struct {
	models.Conversation
	OtherUser Participant `json:"otherUser"`
	// UnreadCount is the caller's own counter.
	UnreadCount int `json:"unreadCount"`
}

// Start finds or creates the conversation between partnerID and userID.
// conn, when non-nil, is the caller's live connection and joins the room.
func (m *Manager) Start(ctx context.Context, caller models.Identity, partnerID, userID string, conn realtime.Conn) (models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "conversation.start")
	defer span.End()

	partnerID = strings.TrimSpace(partnerID)
	userID = strings.TrimSpace(userID)
	if partnerID == "" || userID == "" {
		return models.Conversation{}, validation("partnerId and userId are required")
	}
	partner := models.NewIdentity(partnerID, models.KindPartner)
	user := models.NewIdentity(userID, models.KindUser)
	if caller != partner && caller != user {
		return models.Conversation{}, forbidden("caller is not a party to this conversation")
	}

	if _, err := m.partners.GetPartner(ctx, partnerID); err != nil {
		return models.Conversation{}, persistence("failed to look up partner", err)
	}

	conv, created, err := m.conversations.FindOrCreate(ctx, partnerID, userID)
	if err != nil {
		return models.Conversation{}, persistence("failed to start conversation", err)
	}
	span.SetAttributes(
		attribute.String("conversation.id", conv.ConversationID),
		attribute.Bool("conversation.created", created),
	)
	if !conv.Owns(partnerID, userID) {
		m.log.Error().
			Str("conversation_id", conv.ConversationID).
			Str("partner_id", partnerID).
			Str("user_id", userID).
			Msg("conversation id belongs to another pair")
		return models.Conversation{}, NewError(KindConflict, "conversation id is already taken by another pair")
	}
	if conv.Ended() {
		return conv, nil
	}

	if conn != nil {
		if err := m.joinRoom(ctx, conv.ConversationID, conn); err != nil {
			return models.Conversation{}, err
		}
	}
	m.registry.Notify(conv.Other(caller), models.Event{
		Event: models.EventConversationRequest,
		Data: models.ConversationRequestPayload{
			ConversationID: conv.ConversationID,
			From:           caller,
		},
	})
	// An offline partner is not announced busy.
	status := models.PartnerBusy
	if !m.registry.IsOnline(conv.Partner()) {
		status = m.presence.PartnerStatus(partnerID)
	}
	m.presence.AnnouncePartnerStatus(partnerID, status)

	if created {
		observability.IncConversationTransition(string(models.StatusPending))
		publishDomainEvent(ctx, m.log, observability.RoutingConversationEvents, "conversation_events", "conversation.started", conv)
		m.log.Info().Str("conversation_id", conv.ConversationID).Str("caller", caller.String()).Msg("conversation started")
	}
	return conv, nil
}

// Accept moves a pending conversation to active.
func (m *Manager) Accept(ctx context.Context, caller models.Identity, conversationID string, conn realtime.Conn) (models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "conversation.accept")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	conv, err := m.load(ctx, caller, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if conv.Ended() {
		return models.Conversation{}, ErrConversationEnded
	}

	conv, err = m.conversations.UpdateStatus(ctx, conversationID, models.StatusActive, m.now())
	if err != nil {
		return models.Conversation{}, persistence("failed to accept conversation", err)
	}
	if conn != nil {
		if err := m.joinRoom(ctx, conversationID, conn); err != nil {
			return models.Conversation{}, err
		}
	}

	emit(m.registry, conversationID, models.Event{
		Event: models.EventConversationAccepted,
		Data: models.ConversationAcceptedPayload{
			ConversationID: conversationID,
			Conversation:   conv,
		},
	}, conv.Partner(), conv.User())

	observability.IncConversationTransition(string(models.StatusActive))
	publishDomainEvent(ctx, m.log, observability.RoutingConversationEvents, "conversation_events", "conversation.accepted", conv)
	return conv, nil
}

// Join subscribes conn to a conversation the caller already belongs to,
// typically after a reconnect.
func (m *Manager) Join(ctx context.Context, caller models.Identity, conversationID string, conn realtime.Conn) (models.Conversation, error) {
	if conn == nil {
		return models.Conversation{}, validation("a live connection is required to join")
	}
	conv, err := m.load(ctx, caller, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if conv.Ended() {
		return models.Conversation{}, ErrConversationEnded
	}
	if err := m.joinRoom(ctx, conversationID, conn); err != nil {
		return models.Conversation{}, err
	}
	if caller.IsPartner() {
		m.presence.AnnouncePartnerStatus(caller.ID, m.presence.PartnerStatus(caller.ID))
	}
	return conv, nil
}

// End terminates the conversation and dissolves its room.
func (m *Manager) End(ctx context.Context, caller models.Identity, conversationID string) (models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "conversation.end")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	conv, err := m.load(ctx, caller, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if conv.Ended() {
		return models.Conversation{}, ErrConversationEnded
	}

	conv, err = m.conversations.UpdateStatus(ctx, conversationID, models.StatusEnded, m.now())
	if err != nil {
		return models.Conversation{}, persistence("failed to end conversation", err)
	}

	evt := models.Event{
		Event: models.EventConversationEnded,
		Data:  models.ConversationEndedPayload{ConversationID: conversationID},
	}
	members := m.registry.DropRoom(conversationID)
	m.registry.Deliver(members, evt)
	for _, identity := range []models.Identity{conv.Partner(), conv.User()} {
		if !containsIdentity(members, identity) {
			m.registry.Notify(identity, evt)
		}
	}
	m.presence.AnnouncePartnerStatus(conv.PartnerID, m.presence.PartnerStatus(conv.PartnerID))

	observability.IncConversationTransition(string(models.StatusEnded))
	publishDomainEvent(ctx, m.log, observability.RoutingConversationEvents, "conversation_events", "conversation.ended", conv)
	m.log.Info().Str("conversation_id", conversationID).Str("caller", caller.String()).Msg("conversation ended")
	return conv, nil
}

// List returns the caller's conversations with the other side's live status
// and the caller's own unread counter.
func (m *Manager) List(ctx context.Context, caller models.Identity) ([]Summary, error) {
	convs, err := m.conversations.ListForIdentity(ctx, caller)
	if err != nil {
		return nil, persistence("failed to list conversations", err)
	}

	summaries := make([]Summary, 0, len(convs))
	for _, conv := range convs {
		other := conv.Other(caller)
		participant := Participant{
			Identity: other,
			IsOnline: m.registry.IsOnline(other),
		}
		if other.IsPartner() {
			partner, err := m.partners.GetPartner(ctx, other.ID)
			if err == nil {
				participant.Partner = &partner
			} else if !errors.Is(err, repositories.ErrPartnerNotFound) {
				m.log.Warn().Err(err).Str("partner_id", other.ID).Msg("partner profile lookup failed")
			}
		}
		summaries = append(summaries, Summary{
			Conversation: conv,
			OtherUser:    participant,
			UnreadCount:  conv.Unread(caller.Kind),
		})
	}
	return summaries, nil
}

// UnreadTotal sums the caller's unread counters across all conversations.
func (m *Manager) UnreadTotal(ctx context.Context, caller models.Identity) (int, error) {
	total, err := m.conversations.UnreadTotal(ctx, caller)
	if err != nil {
		return 0, persistence("failed to count unread messages", err)
	}
	return total, nil
}

func (m *Manager) joinRoom(ctx context.Context, conversationID string, conn realtime.Conn) error {
	return joinRoom(ctx, m.conversations, m.registry, conversationID, conn)
}

// joinRoom subscribes conn and then re-reads the status. End marks the record
// ended before it drops the room, so a join that lands after the drop sees the
// ended status here and leaves again.
func joinRoom(ctx context.Context, repo repositories.ConversationRepository, registry *realtime.Registry, conversationID string, conn realtime.Conn) error {
	if !registry.Join(conversationID, conn) {
		return nil
	}
	conv, err := repo.Get(ctx, conversationID)
	if err != nil {
		registry.Leave(conversationID, conn)
		return persistence("failed to load conversation", err)
	}
	if conv.Ended() {
		registry.Leave(conversationID, conn)
		return ErrConversationEnded
	}
	return nil
}

// load fetches the conversation and checks the caller belongs to it.
func (m *Manager) load(ctx context.Context, caller models.Identity, conversationID string) (models.Conversation, error) {
	return loadForParticipant(ctx, m.conversations, caller, conversationID)
}

func loadForParticipant(ctx context.Context, repo repositories.ConversationRepository, caller models.Identity, conversationID string) (models.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return models.Conversation{}, validation("conversationId is required")
	}
	conv, err := repo.Get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, persistence("failed to load conversation", err)
	}
	if !conv.IsParticipant(caller) {
		return models.Conversation{}, forbidden("caller is not a participant of this conversation")
	}
	return conv, nil
}

func containsIdentity(conns []realtime.Conn, identity models.Identity) bool {
	for _, conn := range conns {
		if conn.Identity() == identity {
			return true
		}
	}
	return false
}
