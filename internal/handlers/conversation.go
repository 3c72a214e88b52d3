package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"conversation-service/internal/conversation"
	"conversation-service/internal/middleware"
	"conversation-service/internal/models"
	"conversation-service/internal/realtime"
	"conversation-service/internal/telemetry"
)

// ConversationHandler serves the stateless fallback API. It calls the same
// services as the live connection path.
type ConversationHandler struct {
	manager  *conversation.Manager
	router   *conversation.MessageRouter
	presence *realtime.Presence
	audit    *telemetry.AuditEmitter
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(manager *conversation.Manager, router *conversation.MessageRouter, presence *realtime.Presence, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{
		manager:  manager,
		router:   router,
		presence: presence,
		audit:    audit,
	}
}

// Register mounts the fallback routes on group. The group must already run the auth middleware.
func (h *ConversationHandler) Register(group gin.IRoutes) {
	group.GET("/partners", h.ListPartners)
	group.GET("/conversations", h.ListConversations)
	group.POST("/conversations", h.StartConversation)
	group.GET("/conversations/:id/messages", h.GetMessages)
	group.POST("/conversations/:id/messages", h.PostMessage)
	group.PATCH("/conversations/:id/read", h.MarkRead)
	group.PATCH("/conversations/:id/end", h.EndConversation)
	group.DELETE("/conversations/:id/messages/:message_id", h.DeleteMessage)
	group.GET("/unread-count", h.UnreadCount)
}

// ListPartners returns every partner with live availability.
func (h *ConversationHandler) ListPartners(c *gin.Context) {
	if _, ok := h.caller(c); !ok {
		return
	}
	partners, err := h.presence.ListOnlinePartners(c.Request.Context())
	if err != nil {
		respond(c, nil, &conversation.Error{Kind: conversation.KindPersistence, Message: "failed to load partners", Err: err})
		return
	}
	respond(c, partners, nil)
}

// ListConversations returns the caller's conversations.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	summaries, err := h.manager.List(c.Request.Context(), caller)
	respond(c, summaries, err)
}

type startConversationRequest struct {
	PartnerID string `json:"partnerId"`
	UserID    string `json:"userId"`
}

// StartConversation finds or creates the conversation with the other party.
// The caller's own id may be omitted.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req startConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if caller.IsPartner() && req.PartnerID == "" {
		req.PartnerID = caller.ID
	}
	if !caller.IsPartner() && req.UserID == "" {
		req.UserID = caller.ID
	}

	conv, err := h.manager.Start(c.Request.Context(), caller, req.PartnerID, req.UserID, nil)
	respond(c, conv, err)
}

// GetMessages returns one page of history in ascending order.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	page, err := queryInt(c, "page", 1)
	if err != nil {
		badRequest(c, "invalid page")
		return
	}
	limit, err := queryInt(c, "limit", conversation.DefaultHistoryLimit)
	if err != nil {
		badRequest(c, "invalid limit")
		return
	}

	history, err := h.router.History(c.Request.Context(), caller, c.Param("id"), page, limit)
	respond(c, history, err)
}

type postMessageRequest struct {
	Content     string             `json:"content"`
	MessageType models.MessageType `json:"messageType"`
	MediaURL    string             `json:"mediaUrl"`
}

// PostMessage sends a message without a live connection.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	msg, err := h.router.Send(c.Request.Context(), conversation.SendInput{
		ConversationID: c.Param("id"),
		Sender:         caller,
		Content:        req.Content,
		MessageType:    req.MessageType,
		MediaURL:       req.MediaURL,
	})
	respondCreated(c, msg, err)
}

type markReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// MarkRead marks messages read. Without a body every unread message addressed
// to the caller is marked.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req markReadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}

	receipt, err := h.router.MarkRead(c.Request.Context(), c.Param("id"), caller, req.MessageIDs)
	respond(c, receipt, err)
}

// EndConversation terminates the conversation for both parties.
func (h *ConversationHandler) EndConversation(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	conv, err := h.manager.End(c.Request.Context(), caller, c.Param("id"))
	if err == nil {
		h.audit.Emit(c.Request.Context(), "INFO", "conversation "+conv.ConversationID+" ended", requestIDFromContext(c), auditActor(caller))
	}
	respond(c, conv, err)
}

// DeleteMessage soft-deletes one of the caller's own messages.
func (h *ConversationHandler) DeleteMessage(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	messageID := c.Param("message_id")
	err := h.router.Delete(c.Request.Context(), caller, c.Param("id"), messageID)
	if err == nil {
		h.audit.Emit(c.Request.Context(), "INFO", "message "+messageID+" deleted", requestIDFromContext(c), auditActor(caller))
	}
	respond(c, gin.H{"messageId": messageID}, err)
}

// UnreadCount returns the caller's unread total across conversations.
func (h *ConversationHandler) UnreadCount(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	total, err := h.manager.UnreadTotal(c.Request.Context(), caller)
	respond(c, gin.H{"unreadCount": total}, err)
}

func (h *ConversationHandler) caller(c *gin.Context) (models.Identity, bool) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		respond(c, nil, conversation.NewError(conversation.KindAuthentication, "authentication required"))
		return models.Identity{}, false
	}
	return identity, true
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
