package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"conversation-service/internal/conversation"
	"conversation-service/internal/models"
	"conversation-service/internal/observability"
	"conversation-service/internal/realtime"
)

const defaultOpTimeout = 5 * time.Second

var errRateLimited = conversation.NewError(conversation.KindValidation, "rate limit exceeded")

// Dispatcher routes client frames to the conversation services and answers
// each one with an acknowledgment.
type Dispatcher struct {
	manager   *conversation.Manager
	router    *conversation.MessageRouter
	typing    *conversation.TypingRelay
	presence  *realtime.Presence
	opTimeout time.Duration
	log       zerolog.Logger
}

func NewDispatcher(manager *conversation.Manager, router *conversation.MessageRouter, typing *conversation.TypingRelay, presence *realtime.Presence, opTimeout time.Duration, log zerolog.Logger) *Dispatcher {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &Dispatcher{
		manager:   manager,
		router:    router,
		typing:    typing,
		presence:  presence,
		opTimeout: opTimeout,
		log:       log.With().Str("component", "ws_dispatch").Logger(),
	}
}

// session is the per-connection dispatch state.
type session struct {
	d       *Dispatcher
	conn    realtime.Conn
	limiter *rate.Limiter
}

// newSession builds the dispatch state for conn. A non-positive perSecond disables the limit.
func (d *Dispatcher) newSession(conn realtime.Conn, perSecond float64, burst int) *session {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &session{d: d, conn: conn, limiter: rate.NewLimiter(limit, burst)}
}

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

type startRequest struct {
	PartnerID string `json:"partnerId"`
	UserID    string `json:"userId"`
}

type sendRequest struct {
	ConversationID string             `json:"conversationId"`
	Content        string             `json:"content"`
	MessageType    models.MessageType `json:"messageType"`
	MediaURL       string             `json:"mediaUrl"`
}

type readRequest struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type historyRequest struct {
	ConversationID string `json:"conversationId"`
	Page           int    `json:"page"`
	Limit          int    `json:"limit"`
}

// handle decodes one inbound frame, runs it and acknowledges it on the
// session's connection.
func (s *session) handle(ctx context.Context, raw []byte) {
	var frame models.Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		s.ack(frame.RequestID, nil, conversation.NewError(conversation.KindValidation, "invalid frame"))
		return
	}
	observability.IncWSEvent("conversation", frame.Event)

	if !s.limiter.Allow() {
		s.d.log.Warn().Str("conn_id", s.conn.ID()).Str("event", frame.Event).Msg("inbound rate limit exceeded")
		s.ack(frame.RequestID, nil, errRateLimited)
		return
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.d.opTimeout)
	defer cancel()

	data, err := s.dispatch(opCtx, frame)
	if err != nil && conversation.KindOf(err) == conversation.KindPersistence {
		s.d.log.Error().Err(err).Str("conn_id", s.conn.ID()).Str("event", frame.Event).Msg("frame failed")
	}
	s.ack(frame.RequestID, data, err)
}

func (s *session) dispatch(ctx context.Context, frame models.Frame) (any, error) {
	d := s.d
	caller := s.conn.Identity()

	switch frame.Event {
	case models.EventPartnersGetOnline:
		partners, err := d.presence.ListOnlinePartners(ctx)
		if err != nil {
			return nil, &conversation.Error{Kind: conversation.KindPersistence, Message: "failed to load partners", Err: err}
		}
		return partners, nil

	case models.EventConversationsGet:
		return d.manager.List(ctx, caller)

	case models.EventConversationStart:
		var req startRequest
		if err := decodeData(frame, &req); err != nil {
			return nil, err
		}
		return d.manager.Start(ctx, caller, req.PartnerID, req.UserID, s.conn)

	case models.EventConversationAccept:
		var req conversationRef
		if err := decodeData(frame, &req); err != nil {
			return nil, err
		}
		return d.manager.Accept(ctx, caller, req.ConversationID, s.conn)

	case models.EventConversationJoin:
		var req conversationRef
		if err := decodeData(frame, &req); err != nil {
			return nil, err
		}
		return d.manager.Join(ctx, caller, req.ConversationID, s.conn)

	case models.EventConversationEnd:
		var req conversationRef
		if err := decodeData(frame, &req); err != nil {
			return nil, err
		}
		return d.manager.End(ctx, caller, req.ConversationID)

	case models.EventMessageSend:
		var req sendRequest
		if err := decodeData(frame, &req); err != nil {
			return nil, err
		}
		return d.router.Send(ctx, conversation.SendInput{
			ConversationID: req.ConversationID,
			Sender:         caller,
			Content:        req.Content,
			MessageType:    req.MessageType,
			MediaURL:       req.MediaURL,
			Conn:           s.conn,
		})

	case models.EventMessageRead:
		var req readRequest
		if err := decodeData(frame, &req); err != nil {
			return nil, err
		}
		return d.router.MarkRead(ctx, req.ConversationID, caller, req.MessageIDs)

	case models.EventMessagesGet:
		var req historyRequest
		if err := decodeData(frame, &req); err != nil {
			return nil, err
		}
		return d.router.History(ctx, caller, req.ConversationID, req.Page, req.Limit)

	case models.EventTypingStart, models.EventTypingStop:
		var req conversationRef
		if err := decodeData(frame, &req); err != nil {
			return nil, err
		}
		if frame.Event == models.EventTypingStart {
			return nil, d.typing.Start(req.ConversationID, s.conn)
		}
		return nil, d.typing.Stop(req.ConversationID, s.conn)
	}

	return nil, conversation.NewError(conversation.KindValidation, "unknown event "+frame.Event)
}

func (s *session) ack(requestID string, data any, err error) {
	result := conversation.ResultOf(data, err)
	payload, mErr := json.Marshal(models.Ack{
		Event:     models.EventAck,
		RequestID: requestID,
		Success:   result.Success,
		Data:      result.Data,
		Message:   result.Message,
	})
	if mErr != nil {
		s.d.log.Error().Err(mErr).Str("conn_id", s.conn.ID()).Msg("encode ack")
		return
	}
	if sErr := s.conn.Send(payload); sErr != nil {
		s.d.log.Debug().Err(sErr).Str("conn_id", s.conn.ID()).Msg("ack dropped")
	}
}

func decodeData(frame models.Frame, v any) error {
	if len(frame.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return conversation.NewError(conversation.KindValidation, "invalid payload for "+frame.Event)
	}
	return nil
}
