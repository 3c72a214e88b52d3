package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"conversation-service/internal/models"
)

// MemoryStore keeps conversations, messages and partners in process memory.
// It backs the "memory" database driver and service tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	messages      map[string]*storedMessage
	byConv        map[string][]string // conversationID -> message ids in creation order
	partners      map[string]models.Partner
	seq           int64
	lastCreated   time.Time
	now           func() time.Time
}

type storedMessage struct {
	models.Message
	seq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string]*storedMessage),
		byConv:        make(map[string][]string),
		partners:      make(map[string]models.Partner),
		now:           time.Now,
	}
}

// Conversations exposes the store as a ConversationRepository.
func (s *MemoryStore) Conversations() ConversationRepository { return memoryConversations{s} }

// Messages exposes the store as a MessageRepository.
func (s *MemoryStore) Messages() MessageRepository { return memoryMessages{s} }

// Partners exposes the store as a PartnerDirectory.
func (s *MemoryStore) Partners() *MemoryPartners { return &MemoryPartners{s} }

// nextCreatedLocked hands out strictly increasing timestamps so creation order is total.
func (s *MemoryStore) nextCreatedLocked() time.Time {
	now := s.now().UTC()
	if !now.After(s.lastCreated) {
		now = s.lastCreated.Add(time.Microsecond)
	}
	s.lastCreated = now
	return now
}

type memoryConversations struct{ s *MemoryStore }

func (m memoryConversations) FindOrCreate(ctx context.Context, partnerID, userID string) (models.Conversation, bool, error) {
	s := m.s
	id := models.DeriveConversationID(partnerID, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[id]; ok {
		return conv, false, nil
	}
	now := s.nextCreatedLocked()
	conv := models.Conversation{
		ConversationID: id,
		PartnerID:      partnerID,
		UserID:         userID,
		Status:         models.StatusPending,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.conversations[id] = conv
	return conv, true, nil
}

func (m memoryConversations) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	conv, ok := m.s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (m memoryConversations) UpdateStatus(ctx context.Context, conversationID string, status models.ConversationStatus, at time.Time) (models.Conversation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	conv, ok := m.s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	if conv.Ended() {
		return models.Conversation{}, ErrConversationClosed
	}
	conv.Status = status
	conv.UpdatedAt = at
	if status == models.StatusEnded {
		ended := at
		conv.EndedAt = &ended
	}
	m.s.conversations[conversationID] = conv
	return conv, nil
}

func (m memoryConversations) RecordMessage(ctx context.Context, conversationID string, last models.LastMessage, receiverKind models.Kind) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	conv, ok := m.s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	snapshot := last
	at := last.Timestamp
	conv.LastMessage = &snapshot
	conv.LastMessageAt = &at
	if receiverKind == models.KindPartner {
		conv.UnreadCount.Partner++
	} else {
		conv.UnreadCount.User++
	}
	conv.UpdatedAt = m.s.now().UTC()
	m.s.conversations[conversationID] = conv
	return nil
}

func (m memoryConversations) ResetUnread(ctx context.Context, conversationID string, kind models.Kind) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	conv, ok := m.s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if kind == models.KindPartner {
		conv.UnreadCount.Partner = 0
	} else {
		conv.UnreadCount.User = 0
	}
	conv.UpdatedAt = m.s.now().UTC()
	m.s.conversations[conversationID] = conv
	return nil
}

func (m memoryConversations) ListForIdentity(ctx context.Context, identity models.Identity) ([]models.Conversation, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	result := []models.Conversation{}
	for _, conv := range m.s.conversations {
		if conv.IsParticipant(identity) {
			result = append(result, conv)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return activityAt(result[i]).After(activityAt(result[j]))
	})
	return result, nil
}

func (m memoryConversations) UnreadTotal(ctx context.Context, identity models.Identity) (int, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	total := 0
	for _, conv := range m.s.conversations {
		if conv.IsParticipant(identity) {
			total += conv.Unread(identity.Kind)
		}
	}
	return total, nil
}

func activityAt(conv models.Conversation) time.Time {
	if conv.LastMessageAt != nil {
		return *conv.LastMessageAt
	}
	return conv.CreatedAt
}

type memoryMessages struct{ s *MemoryStore }

func (m memoryMessages) Create(ctx context.Context, msg models.Message) (models.Message, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[msg.ConversationID]; ok && conv.Ended() {
		return models.Message{}, ErrConversationClosed
	}
	s.seq++
	msg.CreatedAt = s.nextCreatedLocked()
	s.messages[msg.ID] = &storedMessage{Message: msg, seq: s.seq}
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg.ID)
	return msg, nil
}

func (m memoryMessages) Get(ctx context.Context, messageID string) (models.Message, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	stored, ok := m.s.messages[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return stored.Message, nil
}

func (m memoryMessages) MarkDelivered(ctx context.Context, messageIDs []string, at time.Time) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var ids []string
	for _, id := range messageIDs {
		stored, ok := m.s.messages[id]
		if !ok || stored.IsDelivered {
			continue
		}
		delivered := at
		stored.IsDelivered = true
		stored.DeliveredAt = &delivered
		ids = append(ids, id)
	}
	return ids, nil
}

func (m memoryMessages) MarkRead(ctx context.Context, conversationID string, reader models.Identity, messageIDs []string, at time.Time) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	wanted := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}

	var ids []string
	for _, id := range m.s.byConv[conversationID] {
		stored := m.s.messages[id]
		if stored.Receiver() != reader {
			continue
		}
		if len(wanted) == 0 {
			if stored.IsRead {
				continue
			}
		} else if _, ok := wanted[id]; !ok {
			continue
		}
		if !stored.IsRead {
			read := at
			stored.IsRead = true
			stored.ReadAt = &read
		}
		if !stored.IsDelivered {
			delivered := at
			stored.IsDelivered = true
			stored.DeliveredAt = &delivered
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m memoryMessages) History(ctx context.Context, conversationID string, offset, limit int) ([]models.Message, int, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	ids := m.s.byConv[conversationID]
	visible := make([]models.Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		stored := m.s.messages[ids[i]]
		if !stored.IsDeleted {
			visible = append(visible, stored.Message)
		}
	}

	total := len(visible)
	if offset >= total {
		return []models.Message{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return visible[offset:end], total, nil
}

func (m memoryMessages) SoftDelete(ctx context.Context, messageID string, sender models.Identity) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stored, ok := m.s.messages[messageID]
	if !ok || stored.Sender() != sender {
		return ErrMessageNotFound
	}
	stored.IsDeleted = true
	return nil
}

func (m memoryMessages) ListUndelivered(ctx context.Context, receiver models.Identity) ([]models.Message, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var pending []*storedMessage
	for _, stored := range m.s.messages {
		if stored.Receiver() == receiver && !stored.IsDelivered && !stored.IsDeleted {
			pending = append(pending, stored)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	result := make([]models.Message, 0, len(pending))
	for _, stored := range pending {
		result = append(result, stored.Message)
	}
	return result, nil
}

// MemoryPartners is the in-memory partner directory.
type MemoryPartners struct{ s *MemoryStore }

func (m *MemoryPartners) ListPartners(ctx context.Context) ([]models.Partner, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	partners := make([]models.Partner, 0, len(m.s.partners))
	for _, p := range m.s.partners {
		partners = append(partners, p)
	}
	sort.Slice(partners, func(i, j int) bool { return partners[i].Name < partners[j].Name })
	return partners, nil
}

func (m *MemoryPartners) GetPartner(ctx context.Context, partnerID string) (models.Partner, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	p, ok := m.s.partners[partnerID]
	if !ok {
		return models.Partner{}, ErrPartnerNotFound
	}
	return p, nil
}

func (m *MemoryPartners) UpsertPartner(ctx context.Context, partner models.Partner) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if partner.CreatedAt.IsZero() {
		partner.CreatedAt = m.s.now().UTC()
	}
	m.s.partners[partner.ID] = partner
	return nil
}
