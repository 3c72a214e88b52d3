package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"conversation-service/internal/models"
	"conversation-service/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) FindOrCreate(ctx context.Context, partnerID, userID string) (models.Conversation, bool, error) {
	args := m.Called(ctx, partnerID, userID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Bool(1), args.Error(2)
}

func (m *ConversationRepositoryMock) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) UpdateStatus(ctx context.Context, conversationID string, status models.ConversationStatus, at time.Time) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, status, at)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) RecordMessage(ctx context.Context, conversationID string, last models.LastMessage, receiverKind models.Kind) error {
	args := m.Called(ctx, conversationID, last, receiverKind)
	return args.Error(0)
}

func (m *ConversationRepositoryMock) ResetUnread(ctx context.Context, conversationID string, kind models.Kind) error {
	args := m.Called(ctx, conversationID, kind)
	return args.Error(0)
}

func (m *ConversationRepositoryMock) ListForIdentity(ctx context.Context, identity models.Identity) ([]models.Conversation, error) {
	args := m.Called(ctx, identity)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) UnreadTotal(ctx context.Context, identity models.Identity) (int, error) {
	args := m.Called(ctx, identity)
	return args.Int(0), args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Create(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) Get(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) MarkDelivered(ctx context.Context, messageIDs []string, at time.Time) ([]string, error) {
	args := m.Called(ctx, messageIDs, at)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, conversationID string, reader models.Identity, messageIDs []string, at time.Time) ([]string, error) {
	args := m.Called(ctx, conversationID, reader, messageIDs, at)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

func (m *MessageRepositoryMock) History(ctx context.Context, conversationID string, offset, limit int) ([]models.Message, int, error) {
	args := m.Called(ctx, conversationID, offset, limit)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Int(1), args.Error(2)
}

func (m *MessageRepositoryMock) SoftDelete(ctx context.Context, messageID string, sender models.Identity) error {
	args := m.Called(ctx, messageID, sender)
	return args.Error(0)
}

func (m *MessageRepositoryMock) ListUndelivered(ctx context.Context, receiver models.Identity) ([]models.Message, error) {
	args := m.Called(ctx, receiver)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

type PartnerDirectoryMock struct {
	mock.Mock
}

func (m *PartnerDirectoryMock) ListPartners(ctx context.Context) ([]models.Partner, error) {
	args := m.Called(ctx)
	var list []models.Partner
	if val := args.Get(0); val != nil {
		list = val.([]models.Partner)
	}
	return list, args.Error(1)
}

func (m *PartnerDirectoryMock) GetPartner(ctx context.Context, partnerID string) (models.Partner, error) {
	args := m.Called(ctx, partnerID)
	var partner models.Partner
	if val := args.Get(0); val != nil {
		partner = val.(models.Partner)
	}
	return partner, args.Error(1)
}

var (
	_ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
	_ repositories.MessageRepository      = (*MessageRepositoryMock)(nil)
	_ repositories.PartnerDirectory       = (*PartnerDirectoryMock)(nil)
)
