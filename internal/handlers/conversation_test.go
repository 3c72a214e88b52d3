package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"conversation-service/internal/auth"
	"conversation-service/internal/conversation"
	"conversation-service/internal/logging"
	"conversation-service/internal/middleware"
	"conversation-service/internal/mocks"
	"conversation-service/internal/models"
	"conversation-service/internal/realtime"
	"conversation-service/internal/repositories"
	"conversation-service/internal/telemetry"
)

const testSecret = "handler-test-secret"

var (
	partnerP1 = models.NewIdentity("p1", models.KindPartner)
	userU1    = models.NewIdentity("u1", models.KindUser)
	userU2    = models.NewIdentity("u2", models.KindUser)
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type testServer struct {
	router    *gin.Engine
	verifier  *auth.JWTVerifier
	registry  *realtime.Registry
	publisher *mocks.PublisherMock
}

func newTestServer(t *testing.T, conversations repositories.ConversationRepository, messages repositories.MessageRepository, partners repositories.PartnerDirectory) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := realtime.NewRegistry(logging.Nop())
	presence := realtime.NewPresence(registry, partners, logging.Nop())
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.events", mock.Anything, mock.Anything).Return(nil).Maybe()
	audit := telemetry.NewAuditEmitter(publisher, "audit.events", "conversation-service", "test", logging.Nop())

	handler := NewConversationHandler(
		conversation.NewManager(conversations, partners, presence, logging.Nop()),
		conversation.NewMessageRouter(conversations, messages, registry, logging.Nop()),
		presence,
		audit,
	)

	verifier := auth.NewJWTVerifier(testSecret)
	r := gin.New()
	r.Use(middleware.RequestID())
	handler.Register(r.Group("/", middleware.AuthMiddleware(verifier)))

	return &testServer{router: r, verifier: verifier, registry: registry, publisher: publisher}
}

func newMemoryServer(t *testing.T) *testServer {
	t.Helper()
	store := repositories.NewMemoryStore()
	partners := store.Partners()
	require.NoError(t, partners.UpsertPartner(context.Background(), models.Partner{ID: "p1", Name: "Asha"}))
	return newTestServer(t, store.Conversations(), store.Messages(), partners)
}

func (s *testServer) do(t *testing.T, method, path string, as models.Identity, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if !as.IsZero() {
		token, err := s.verifier.Issue(as, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func (s *testServer) start(t *testing.T, as models.Identity, body string) models.Conversation {
	t.Helper()
	rec, env := s.do(t, http.MethodPost, "/conversations", as, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var conv models.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &conv))
	return conv
}

func TestRoutesRequireIdentity(t *testing.T) {
	s := newMemoryServer(t)

	rec, env := s.do(t, http.MethodGet, "/conversations", models.Identity{}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, env.Success)

	req := httptest.NewRequest(http.MethodGet, "/unread-count", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartConversationFillsCallerSide(t *testing.T) {
	s := newMemoryServer(t)

	conv := s.start(t, userU1, `{"partnerId":"p1"}`)
	assert.Equal(t, models.DeriveConversationID("p1", "u1"), conv.ConversationID)
	assert.Equal(t, models.StatusPending, conv.Status)

	again := s.start(t, partnerP1, `{"userId":"u1"}`)
	assert.Equal(t, conv.ConversationID, again.ConversationID)
}

func TestStartConversationRejectsStranger(t *testing.T) {
	s := newMemoryServer(t)

	rec, env := s.do(t, http.MethodPost, "/conversations", userU2, `{"partnerId":"p1","userId":"u1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Message)
}

func TestStartConversationUnknownPartner(t *testing.T) {
	s := newMemoryServer(t)

	rec, _ := s.do(t, http.MethodPost, "/conversations", userU1, `{"partnerId":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartConversationInvalidBody(t *testing.T) {
	s := newMemoryServer(t)

	rec, env := s.do(t, http.MethodPost, "/conversations", userU1, `{"partnerId":5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid request body", env.Message)
}

func TestPostMessageAndHistory(t *testing.T) {
	s := newMemoryServer(t)
	conv := s.start(t, userU1, `{"partnerId":"p1"}`)
	path := "/conversations/" + conv.ConversationID + "/messages"

	for _, content := range []string{"one", "two", "three"} {
		rec, env := s.do(t, http.MethodPost, path, userU1, `{"content":"`+content+`"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		require.True(t, env.Success)
	}

	rec, env := s.do(t, http.MethodGet, path+"?page=1&limit=2", partnerP1, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page conversation.HistoryPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "two", page.Messages[0].Content)
	assert.Equal(t, "three", page.Messages[1].Content)
	assert.Equal(t, 3, page.Pagination.TotalMessages)
	assert.Equal(t, 2, page.Pagination.TotalPages)
	assert.True(t, page.Pagination.HasMore)
	assert.False(t, page.Messages[0].IsDelivered)
}

func TestPostMessageValidation(t *testing.T) {
	s := newMemoryServer(t)
	conv := s.start(t, userU1, `{"partnerId":"p1"}`)
	path := "/conversations/" + conv.ConversationID + "/messages"

	rec, _ := s.do(t, http.MethodPost, path, userU1, `{"content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, path, userU1, `{"messageType":"media"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, path, userU2, `{"content":"hi"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetMessagesInvalidQuery(t *testing.T) {
	s := newMemoryServer(t)
	conv := s.start(t, userU1, `{"partnerId":"p1"}`)

	rec, env := s.do(t, http.MethodGet, "/conversations/"+conv.ConversationID+"/messages?limit=ten", userU1, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid limit", env.Message)
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	s := newMemoryServer(t)
	conv := s.start(t, userU1, `{"partnerId":"p1"}`)
	path := "/conversations/" + conv.ConversationID

	s.do(t, http.MethodPost, path+"/messages", userU1, `{"content":"a"}`)
	s.do(t, http.MethodPost, path+"/messages", userU1, `{"content":"b"}`)

	_, env := s.do(t, http.MethodGet, "/unread-count", partnerP1, "")
	assert.JSONEq(t, `{"unreadCount":2}`, string(env.Data))

	rec, env := s.do(t, http.MethodPatch, path+"/read", partnerP1, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var receipt models.ReadStatusPayload
	require.NoError(t, json.Unmarshal(env.Data, &receipt))
	assert.Len(t, receipt.MessageIDs, 2)
	assert.Equal(t, partnerP1, receipt.ReadBy)

	_, env = s.do(t, http.MethodGet, "/unread-count", partnerP1, "")
	assert.JSONEq(t, `{"unreadCount":0}`, string(env.Data))

	rec, _ = s.do(t, http.MethodPatch, path+"/read", partnerP1, `{"messageIds":["missing"]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListConversationsShowsOtherSide(t *testing.T) {
	s := newMemoryServer(t)
	conv := s.start(t, userU1, `{"partnerId":"p1"}`)
	s.do(t, http.MethodPost, "/conversations/"+conv.ConversationID+"/messages", userU1, `{"content":"hello"}`)

	rec, env := s.do(t, http.MethodGet, "/conversations", userU1, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []conversation.Summary
	require.NoError(t, json.Unmarshal(env.Data, &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, partnerP1, summaries[0].OtherUser.Identity)
	require.NotNil(t, summaries[0].OtherUser.Partner)
	assert.Equal(t, "Asha", summaries[0].OtherUser.Partner.Name)
	assert.Equal(t, 0, summaries[0].UnreadCount)

	_, env = s.do(t, http.MethodGet, "/conversations", partnerP1, "")
	require.NoError(t, json.Unmarshal(env.Data, &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].UnreadCount)
}

func TestListPartnersReportsPresence(t *testing.T) {
	s := newMemoryServer(t)
	s.registry.Attach(mocks.NewRecordingConn("c1", partnerP1))

	rec, env := s.do(t, http.MethodGet, "/partners", userU1, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var partners []models.PartnerPresence
	require.NoError(t, json.Unmarshal(env.Data, &partners))
	require.Len(t, partners, 1)
	assert.True(t, partners[0].IsOnline)
	assert.Equal(t, models.PartnerAvailable, partners[0].Status)
}

func TestEndConversationEmitsAudit(t *testing.T) {
	s := newMemoryServer(t)
	conv := s.start(t, userU1, `{"partnerId":"p1"}`)
	path := "/conversations/" + conv.ConversationID

	rec, env := s.do(t, http.MethodPatch, path+"/end", partnerP1, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ended models.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &ended))
	assert.Equal(t, models.StatusEnded, ended.Status)
	assert.NotNil(t, ended.EndedAt)
	s.publisher.AssertCalled(t, "Publish", mock.Anything, "audit.events", mock.Anything, mock.Anything)

	rec, _ = s.do(t, http.MethodPatch, path+"/end", partnerP1, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = s.do(t, http.MethodPost, path+"/messages", userU1, `{"content":"late"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteMessageOnlyBySender(t *testing.T) {
	s := newMemoryServer(t)
	conv := s.start(t, userU1, `{"partnerId":"p1"}`)
	path := "/conversations/" + conv.ConversationID + "/messages"

	_, env := s.do(t, http.MethodPost, path, userU1, `{"content":"oops"}`)
	var msg models.Message
	require.NoError(t, json.Unmarshal(env.Data, &msg))

	rec, _ := s.do(t, http.MethodDelete, path+"/"+msg.ID, partnerP1, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = s.do(t, http.MethodDelete, path+"/"+msg.ID, userU1, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	_, env = s.do(t, http.MethodGet, path, userU1, "")
	var page conversation.HistoryPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Empty(t, page.Messages)
}

func TestPersistenceFailureMapsTo500(t *testing.T) {
	conversations := new(mocks.ConversationRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	partners := new(mocks.PartnerDirectoryMock)
	s := newTestServer(t, conversations, messages, partners)

	conversations.On("UnreadTotal", mock.Anything, userU1).Return(0, errors.New("connection refused")).Once()

	rec, env := s.do(t, http.MethodGet, "/unread-count", userU1, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "failed to count unread messages", env.Message)
	conversations.AssertExpectations(t)
}

func TestMissingConversationMapsTo404(t *testing.T) {
	conversations := new(mocks.ConversationRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	partners := new(mocks.PartnerDirectoryMock)
	s := newTestServer(t, conversations, messages, partners)

	conversations.On("Get", mock.Anything, "p1_u9").Return(nil, repositories.ErrConversationNotFound).Once()

	rec, env := s.do(t, http.MethodGet, "/conversations/p1_u9/messages", userU1, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "conversation not found", env.Message)
	messages.AssertNotCalled(t, "History", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStatusForKinds(t *testing.T) {
	cases := map[conversation.ErrorKind]int{
		"":                              http.StatusOK,
		conversation.KindAuthentication: http.StatusUnauthorized,
		conversation.KindForbidden:      http.StatusForbidden,
		conversation.KindNotFound:       http.StatusNotFound,
		conversation.KindValidation:     http.StatusBadRequest,
		conversation.KindConflict:       http.StatusConflict,
		conversation.KindPersistence:    http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, StatusFor(kind), string(kind))
	}
}
