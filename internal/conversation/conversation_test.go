package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"conversation-service/internal/logging"
	"conversation-service/internal/mocks"
	"conversation-service/internal/models"
	"conversation-service/internal/realtime"
	"conversation-service/internal/repositories"
)

var (
	p1 = models.NewIdentity("p1", models.KindPartner)
	u1 = models.NewIdentity("u1", models.KindUser)
	u2 = models.NewIdentity("u2", models.KindUser)
)

type harness struct {
	store    *repositories.MemoryStore
	registry *realtime.Registry
	presence *realtime.Presence
	manager  *Manager
	router   *MessageRouter
	typing   *TypingRelay
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := repositories.NewMemoryStore()
	partners := store.Partners()
	require.NoError(t, partners.UpsertPartner(context.Background(), models.Partner{ID: "p1", Name: "Asha"}))

	registry := realtime.NewRegistry(logging.Nop())
	presence := realtime.NewPresence(registry, partners, logging.Nop())
	return &harness{
		store:    store,
		registry: registry,
		presence: presence,
		manager:  NewManager(store.Conversations(), partners, presence, logging.Nop()),
		router:   NewMessageRouter(store.Conversations(), store.Messages(), registry, logging.Nop()),
		typing:   NewTypingRelay(registry),
	}
}

func (h *harness) connect(id string, identity models.Identity) *mocks.RecordingConn {
	conn := mocks.NewRecordingConn(id, identity)
	h.presence.Register(conn)
	conn.Reset()
	return conn
}

func (h *harness) send(t *testing.T, convID string, sender models.Identity, content string, conn realtime.Conn) models.Message {
	t.Helper()
	msg, err := h.router.Send(context.Background(), SendInput{
		ConversationID: convID,
		Sender:         sender,
		Content:        content,
		Conn:           conn,
	})
	require.NoError(t, err)
	return msg
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestDeriveConversationIDIsSymmetric(t *testing.T) {
	pairs := [][2]string{{"p1", "u1"}, {"abc", "abd"}, {"507f1f77", "507f191e"}, {"same", "same"}}
	for _, pair := range pairs {
		assert.Equal(t, models.DeriveConversationID(pair[0], pair[1]), models.DeriveConversationID(pair[1], pair[0]))
	}
}

func TestDeriveConversationIDIsInjective(t *testing.T) {
	assert.Equal(t, "p1_u1", models.DeriveConversationID("p1", "u1"))
	assert.NotEqual(t, models.DeriveConversationID("a_b", "c"), models.DeriveConversationID("a", "b_c"))
	assert.NotEqual(t, models.DeriveConversationID("a%5Fb", "c"), models.DeriveConversationID("a_b", "c"))
	assert.NotEqual(t, models.DeriveConversationID("a_", "b"), models.DeriveConversationID("a", "_b"))
}

func TestStartKeepsUnderscoredPairsApart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	partners := h.store.Partners()
	require.NoError(t, partners.UpsertPartner(ctx, models.Partner{ID: "a_b", Name: "Bela"}))
	require.NoError(t, partners.UpsertPartner(ctx, models.Partner{ID: "a", Name: "Chitra"}))
	userC := models.NewIdentity("c", models.KindUser)
	userBC := models.NewIdentity("b_c", models.KindUser)

	first, err := h.manager.Start(ctx, userC, "a_b", "c", nil)
	require.NoError(t, err)
	h.send(t, first.ConversationID, userC, "private", nil)

	partnerA := h.connect("ca", models.NewIdentity("a", models.KindPartner))
	partnerAB := h.connect("cab", models.NewIdentity("a_b", models.KindPartner))
	second, err := h.manager.Start(ctx, userBC, "a", "b_c", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, "a", second.PartnerID)
	assert.Equal(t, "b_c", second.UserID)
	assert.Nil(t, second.LastMessage)
	assert.Equal(t, 1, partnerA.Count(models.EventConversationRequest))
	assert.Equal(t, 0, partnerAB.Count(models.EventConversationRequest))

	_, err = h.router.Send(ctx, SendInput{ConversationID: second.ConversationID, Sender: userBC, Content: "hi"})
	assert.NoError(t, err)
}

func TestStartRejectsRecordOfAnotherPair(t *testing.T) {
	repo := new(mocks.ConversationRepositoryMock)
	partners := new(mocks.PartnerDirectoryMock)
	registry := realtime.NewRegistry(logging.Nop())
	presence := realtime.NewPresence(registry, partners, logging.Nop())
	manager := NewManager(repo, partners, presence, logging.Nop())
	ctx := context.Background()

	partners.On("GetPartner", mock.Anything, "a").Return(models.Partner{ID: "a"}, nil)
	repo.On("FindOrCreate", mock.Anything, "a", "b_c").Return(models.Conversation{
		ConversationID: "a_b_c",
		PartnerID:      "a_b",
		UserID:         "c",
		Status:         models.StatusActive,
		LastMessage:    &models.LastMessage{Content: "private"},
	}, false, nil)

	conv, err := manager.Start(ctx, models.NewIdentity("b_c", models.KindUser), "a", "b_c", nil)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Empty(t, conv.ConversationID)
	assert.Nil(t, conv.LastMessage)
	repo.AssertExpectations(t)
}

func TestStartAnnouncesOfflinePartnerAsOffline(t *testing.T) {
	h := newHarness(t)
	watcher := h.connect("cw", u2)

	_, err := h.manager.Start(context.Background(), u1, "p1", "u1", nil)
	require.NoError(t, err)

	raw, ok := watcher.Find(models.EventPartnerStatusChange)
	require.True(t, ok)
	assert.Equal(t, models.PartnerOffline, decode[models.StatusChangePayload](t, raw).Status)

	listed, err := h.presence.ListOnlinePartners(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.PartnerOffline, listed[0].Status)
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.manager.Start(ctx, u1, "p1", "u1", nil)
	require.NoError(t, err)
	second, err := h.manager.Start(ctx, p1, "p1", "u1", nil)
	require.NoError(t, err)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	list, err := h.manager.List(ctx, u1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStartRejectsOutsidersAndUnknownPartners(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.Start(ctx, u2, "p1", "u1", nil)
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = h.manager.Start(ctx, u1, "p9", "u1", nil)
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = h.manager.Start(ctx, u1, "", "u1", nil)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestScenarioRequestAccept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	partnerConn := h.connect("cp", p1)
	userConn := h.connect("cu", u1)

	conv, err := h.manager.Start(ctx, u1, "p1", "u1", userConn)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, conv.Status)

	raw, ok := partnerConn.Find(models.EventConversationRequest)
	require.True(t, ok)
	request := decode[models.ConversationRequestPayload](t, raw)
	assert.Equal(t, conv.ConversationID, request.ConversationID)
	assert.Equal(t, u1, request.From)

	raw, ok = userConn.Find(models.EventPartnerStatusChange)
	require.True(t, ok)
	assert.Equal(t, models.PartnerBusy, decode[models.StatusChangePayload](t, raw).Status)

	accepted, err := h.manager.Accept(ctx, p1, conv.ConversationID, partnerConn)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, accepted.Status)

	assert.Equal(t, 1, partnerConn.Count(models.EventConversationAccepted))
	assert.Equal(t, 1, userConn.Count(models.EventConversationAccepted))
	assert.True(t, h.registry.IsBusy(p1))
}

func TestAcceptErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.Accept(ctx, p1, "p1_u1", nil)
	assert.Equal(t, KindNotFound, KindOf(err))

	conv, err := h.manager.Start(ctx, u1, "p1", "u1", nil)
	require.NoError(t, err)
	_, err = h.manager.Accept(ctx, u2, conv.ConversationID, nil)
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = h.manager.End(ctx, u1, conv.ConversationID)
	require.NoError(t, err)
	_, err = h.manager.Accept(ctx, p1, conv.ConversationID, nil)
	assert.ErrorIs(t, err, ErrConversationEnded)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestScenarioDeliveredWhileOnline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	partnerConn := h.connect("cp", p1)
	userConn := h.connect("cu", u1)

	conv, err := h.manager.Start(ctx, u1, "p1", "u1", userConn)
	require.NoError(t, err)
	_, err = h.manager.Accept(ctx, p1, conv.ConversationID, partnerConn)
	require.NoError(t, err)
	partnerConn.Reset()

	msg := h.send(t, conv.ConversationID, u1, "Namaste", userConn)
	assert.True(t, msg.IsDelivered)
	assert.NotNil(t, msg.DeliveredAt)
	assert.Equal(t, p1, msg.Receiver())

	stored, err := h.store.Messages().Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDelivered)

	assert.Equal(t, []string{models.EventMessageNew, models.EventMessageDelivered}, partnerConn.EventNames())
	ref := decode[models.MessageRefPayload](t, partnerConn.Events()[1].Data)
	assert.Equal(t, msg.ID, ref.MessageID)
}

func TestSendReachesOnlineReceiverOutsideRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	partnerConn := h.connect("cp", p1)

	conv, err := h.manager.Start(ctx, u1, "p1", "u1", nil)
	require.NoError(t, err)
	partnerConn.Reset()

	msg := h.send(t, conv.ConversationID, u1, "hello", nil)
	assert.True(t, msg.IsDelivered)
	assert.Equal(t, 1, partnerConn.Count(models.EventMessageNew))
}

func TestScenarioQueuedWhileOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userConn := h.connect("cu", u1)

	conv, err := h.manager.Start(ctx, u1, "p1", "u1", userConn)
	require.NoError(t, err)

	msg := h.send(t, conv.ConversationID, u1, "Namaste", userConn)
	assert.False(t, msg.IsDelivered)
	assert.Nil(t, msg.DeliveredAt)

	partnerConn := h.connect("cp", p1)
	page, err := h.router.History(ctx, p1, conv.ConversationID, 1, 50)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "Namaste", page.Messages[0].Content)
	assert.False(t, page.Messages[0].IsDelivered)
	assert.Equal(t, 0, partnerConn.Count(models.EventMessageDelivered))
}

func TestDeliverPendingOnReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userConn := h.connect("cu", u1)

	conv, err := h.manager.Start(ctx, u1, "p1", "u1", userConn)
	require.NoError(t, err)
	first := h.send(t, conv.ConversationID, u1, "one", userConn)
	h.send(t, conv.ConversationID, u1, "two", userConn)
	userConn.Reset()

	h.connect("cp", p1)
	n, err := h.router.DeliverPending(ctx, p1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, userConn.Count(models.EventMessageDelivered))

	stored, err := h.store.Messages().Get(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDelivered)

	n, err = h.router.DeliverPending(ctx, p1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScenarioEndTerminatesRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	partnerConn := h.connect("cp", p1)
	userConn := h.connect("cu", u1)

	conv, err := h.manager.Start(ctx, u1, "p1", "u1", userConn)
	require.NoError(t, err)
	_, err = h.manager.Accept(ctx, p1, conv.ConversationID, partnerConn)
	require.NoError(t, err)
	userConn.Reset()

	ended, err := h.manager.End(ctx, p1, conv.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)

	assert.Equal(t, 1, partnerConn.Count(models.EventConversationEnded))
	assert.Equal(t, 1, userConn.Count(models.EventConversationEnded))
	assert.Equal(t, 0, h.registry.RoomSize(conv.ConversationID))
	assert.False(t, h.registry.IsBusy(p1))

	raw, ok := userConn.Find(models.EventPartnerStatusChange)
	require.True(t, ok)
	assert.Equal(t, models.PartnerAvailable, decode[models.StatusChangePayload](t, raw).Status)

	err = h.typing.Start(conv.ConversationID, userConn)
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = h.router.Send(ctx, SendInput{ConversationID: conv.ConversationID, Sender: u1, Content: "late"})
	assert.ErrorIs(t, err, ErrConversationEnded)

	_, err = h.manager.End(ctx, u1, conv.ConversationID)
	assert.ErrorIs(t, err, ErrConversationEnded)

	again, err := h.manager.Start(ctx, u1, "p1", "u1", userConn)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, again.Status)
}

// staleReads serves a snapshot on the first Get of each id, as if End
// committed right after the caller loaded the conversation.
type staleReads struct {
	repositories.ConversationRepository
	snapshot map[string]models.Conversation
}

func (s *staleReads) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	if conv, ok := s.snapshot[conversationID]; ok {
		delete(s.snapshot, conversationID)
		return conv, nil
	}
	return s.ConversationRepository.Get(ctx, conversationID)
}

func TestEndRacingSendAndJoin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	partnerConn := h.connect("cp", p1)
	userConn := h.connect("cu", u1)

	conv, err := h.manager.Start(ctx, u1, "p1", "u1", userConn)
	require.NoError(t, err)
	active, err := h.manager.Accept(ctx, p1, conv.ConversationID, partnerConn)
	require.NoError(t, err)
	_, err = h.manager.End(ctx, u1, conv.ConversationID)
	require.NoError(t, err)

	stale := &staleReads{
		ConversationRepository: h.store.Conversations(),
		snapshot:               map[string]models.Conversation{conv.ConversationID: active},
	}
	router := NewMessageRouter(stale, h.store.Messages(), h.registry, logging.Nop())
	_, err = router.Send(ctx, SendInput{ConversationID: conv.ConversationID, Sender: p1, Content: "late", Conn: partnerConn})
	assert.ErrorIs(t, err, ErrConversationEnded)

	_, total, err := h.store.Messages().History(ctx, conv.ConversationID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Equal(t, 0, h.registry.RoomSize(conv.ConversationID))

	stale.snapshot[conv.ConversationID] = active
	manager := NewManager(stale, h.store.Partners(), h.presence, logging.Nop())
	_, err = manager.Join(ctx, p1, conv.ConversationID, partnerConn)
	assert.ErrorIs(t, err, ErrConversationEnded)
	assert.Equal(t, 0, h.registry.RoomSize(conv.ConversationID))
	assert.False(t, h.registry.IsBusy(p1))
}

func TestHistoryPreservesSendOrderAcrossPageSizes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.manager.Start(ctx, u1, "p1", "u1", nil)
	require.NoError(t, err)

	const n = 23
	for i := 0; i < n; i++ {
		sender := u1
		if i%3 == 0 {
			sender = p1
		}
		h.send(t, conv.ConversationID, sender, fmt.Sprintf("m%02d", i), nil)
	}

	for _, limit := range []int{1, 5, 7, 50} {
		var contents []string
		// Walk pages from oldest to newest: the last page holds the oldest messages.
		first, err := h.router.History(ctx, u1, conv.ConversationID, 1, limit)
		require.NoError(t, err)
		for page := first.Pagination.TotalPages; page >= 1; page-- {
			res, err := h.router.History(ctx, u1, conv.ConversationID, page, limit)
			require.NoError(t, err)
			for _, msg := range res.Messages {
				contents = append(contents, msg.Content)
			}
		}
		require.Len(t, contents, n, "limit %d", limit)
		for i := range contents {
			assert.Equal(t, fmt.Sprintf("m%02d", i), contents[i], "limit %d", limit)
		}
	}
}

func TestHistoryPagination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.manager.Start(ctx, u1, "p1", "u1", nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		h.send(t, conv.ConversationID, u1, fmt.Sprintf("m%d", i), nil)
	}

	page, err := h.router.History(ctx, u1, conv.ConversationID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, Pagination{Page: 1, Limit: 2, TotalMessages: 5, TotalPages: 3, HasMore: true}, page.Pagination)
	assert.Equal(t, "m3", page.Messages[0].Content)
	assert.Equal(t, "m4", page.Messages[1].Content)

	page, err = h.router.History(ctx, u1, conv.ConversationID, 3, 2)
	require.NoError(t, err)
	assert.False(t, page.Pagination.HasMore)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m0", page.Messages[0].Content)

	page, err = h.router.History(ctx, u1, conv.ConversationID, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Pagination.Page)
	assert.Equal(t, MaxHistoryLimit, page.Pagination.Limit)

	_, err = h.router.History(ctx, u2, conv.ConversationID, 1, 10)
	assert.Equal(t, KindForbidden, KindOf(err))
}

func TestReadRoundTripAndUnreadInvariant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.manager.Start(ctx, u1, "p1", "u1", nil)
	require.NoError(t, err)

	const k = 4
	var toUser []string
	for i := 0; i < k; i++ {
		toUser = append(toUser, h.send(t, conv.ConversationID, p1, fmt.Sprintf("p%d", i), nil).ID)
	}
	toPartner := h.send(t, conv.ConversationID, u1, "reply", nil)

	got, _ := h.store.Conversations().Get(ctx, conv.ConversationID)
	assert.Equal(t, k, got.UnreadCount.User)
	assert.Equal(t, 1, got.UnreadCount.Partner)
	total, err := h.manager.UnreadTotal(ctx, u1)
	require.NoError(t, err)
	assert.Equal(t, k, total)

	receipt, err := h.router.MarkRead(ctx, conv.ConversationID, u1, toUser)
	require.NoError(t, err)
	assert.ElementsMatch(t, toUser, receipt.MessageIDs)
	assert.Equal(t, u1, receipt.ReadBy)

	for _, id := range toUser {
		msg, err := h.store.Messages().Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, msg.IsRead)
		assert.NotNil(t, msg.ReadAt)
	}
	other, _ := h.store.Messages().Get(ctx, toPartner.ID)
	assert.False(t, other.IsRead)
	assert.Nil(t, other.ReadAt)

	got, _ = h.store.Conversations().Get(ctx, conv.ConversationID)
	assert.Equal(t, 0, got.UnreadCount.User)
	assert.Equal(t, 1, got.UnreadCount.Partner)
}

func TestMarkReadErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.manager.Start(ctx, u1, "p1", "u1", nil)
	require.NoError(t, err)
	toPartner := h.send(t, conv.ConversationID, u1, "hi", nil)

	_, err = h.router.MarkRead(ctx, conv.ConversationID, u1, []string{toPartner.ID})
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = h.router.MarkRead(ctx, "p1_u9", u1, nil)
	assert.Equal(t, KindNotFound, KindOf(err))

	receipt, err := h.router.MarkRead(ctx, conv.ConversationID, p1, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{toPartner.ID}, receipt.MessageIDs)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.manager.Start(ctx, u1, "p1", "u1", nil)
	require.NoError(t, err)

	cases := []SendInput{
		{ConversationID: conv.ConversationID, Sender: u1, Content: "   "},
		{ConversationID: conv.ConversationID, Sender: u1, Content: "x", MessageType: "video"},
		{ConversationID: conv.ConversationID, Sender: u1, MessageType: models.MessageTypeMedia},
		{Sender: u1, Content: "x"},
	}
	for _, in := range cases {
		_, err := h.router.Send(ctx, in)
		assert.Equal(t, KindValidation, KindOf(err), "%+v", in)
	}

	_, err = h.router.Send(ctx, SendInput{ConversationID: conv.ConversationID, Sender: u2, Content: "x"})
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = h.router.Send(ctx, SendInput{ConversationID: "p1_u9", Sender: u1, Content: "x"})
	assert.Equal(t, KindNotFound, KindOf(err))

	media, err := h.router.Send(ctx, SendInput{
		ConversationID: conv.ConversationID,
		Sender:         u1,
		MessageType:    models.MessageTypeMedia,
		MediaURL:       "https://cdn.example.com/a.png",
	})
	require.NoError(t, err)
	require.NotNil(t, media.MediaURL)
	assert.Equal(t, "https://cdn.example.com/a.png", *media.MediaURL)
}

func TestDeleteMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userConn := h.connect("cu", u1)
	conv, err := h.manager.Start(ctx, u1, "p1", "u1", userConn)
	require.NoError(t, err)
	msg := h.send(t, conv.ConversationID, u1, "oops", userConn)

	err = h.router.Delete(ctx, p1, conv.ConversationID, msg.ID)
	assert.Equal(t, KindForbidden, KindOf(err))

	require.NoError(t, h.router.Delete(ctx, u1, conv.ConversationID, msg.ID))
	assert.Equal(t, 1, userConn.Count(models.EventMessageDeleted))

	err = h.router.Delete(ctx, u1, conv.ConversationID, msg.ID)
	assert.Equal(t, KindNotFound, KindOf(err))

	page, err := h.router.History(ctx, u1, conv.ConversationID, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestTypingRelayExcludesSender(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	partnerConn := h.connect("cp", p1)
	userConn := h.connect("cu", u1)
	conv, err := h.manager.Start(ctx, u1, "p1", "u1", userConn)
	require.NoError(t, err)
	_, err = h.manager.Accept(ctx, p1, conv.ConversationID, partnerConn)
	require.NoError(t, err)
	partnerConn.Reset()
	userConn.Reset()

	require.NoError(t, h.typing.Start(conv.ConversationID, userConn))
	require.NoError(t, h.typing.Stop(conv.ConversationID, userConn))

	assert.Empty(t, userConn.EventNames())
	require.Equal(t, 2, partnerConn.Count(models.EventTypingIndicator))
	events := partnerConn.Events()
	assert.True(t, decode[models.TypingPayload](t, events[0].Data).IsTyping)
	stop := decode[models.TypingPayload](t, events[1].Data)
	assert.False(t, stop.IsTyping)
	assert.Equal(t, u1, stop.Identity)

	assert.Equal(t, KindValidation, KindOf(h.typing.Start("", userConn)))
}

func TestListAnnotatesOtherParty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect("cp", p1)

	conv, err := h.manager.Start(ctx, u1, "p1", "u1", nil)
	require.NoError(t, err)
	h.send(t, conv.ConversationID, p1, "hi", nil)

	list, err := h.manager.List(ctx, u1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p1, list[0].OtherUser.Identity)
	assert.True(t, list[0].OtherUser.IsOnline)
	require.NotNil(t, list[0].OtherUser.Partner)
	assert.Equal(t, "Asha", list[0].OtherUser.Partner.Name)
	assert.Equal(t, 1, list[0].UnreadCount)

	list, err = h.manager.List(ctx, p1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, u1, list[0].OtherUser.Identity)
	assert.False(t, list[0].OtherUser.IsOnline)
	assert.Nil(t, list[0].OtherUser.Partner)
	assert.Equal(t, 0, list[0].UnreadCount)
}

func TestPresenceBusyTracksRoomMembership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	partnerConn := h.connect("cp", p1)
	assert.Equal(t, models.PartnerAvailable, h.presence.PartnerStatus("p1"))

	conv, err := h.manager.Start(ctx, p1, "p1", "u1", partnerConn)
	require.NoError(t, err)
	assert.Equal(t, models.PartnerBusy, h.presence.PartnerStatus("p1"))

	_, err = h.manager.End(ctx, p1, conv.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, models.PartnerAvailable, h.presence.PartnerStatus("p1"))

	h.presence.Unregister(partnerConn)
	assert.Equal(t, models.PartnerOffline, h.presence.PartnerStatus("p1"))
}

func TestResultOf(t *testing.T) {
	ok := ResultOf(map[string]int{"count": 1}, nil)
	assert.True(t, ok.Success)
	assert.Empty(t, ok.Message)

	failed := ResultOf(nil, persistence("failed to save message", assert.AnError))
	assert.False(t, failed.Success)
	assert.Equal(t, "failed to save message", failed.Message)
	assert.Nil(t, failed.Data)

	assert.Equal(t, "internal error", ResultOf(nil, assert.AnError).Message)
}
