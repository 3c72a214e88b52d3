package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"conversation-service/internal/auth"
	"conversation-service/internal/conversation"
	"conversation-service/internal/models"
	"conversation-service/internal/observability"
	"conversation-service/internal/realtime"
	"conversation-service/internal/telemetry"
)

const (
	maxMessageSize = 1 << 20
	pongWait       = 60 * time.Second
	wsKind         = "conversation"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Options tunes per-connection behaviour.
type Options struct {
	DeliverOnConnect bool
	RateLimit        float64
	RateBurst        int
	SendBuffer       int
}

// Handler upgrades authenticated requests to live connections.
type Handler struct {
	verifier   auth.Verifier
	presence   *realtime.Presence
	router     *conversation.MessageRouter
	dispatcher *Dispatcher
	audit      *telemetry.AuditEmitter
	opts       Options
	log        zerolog.Logger
}

func NewHandler(verifier auth.Verifier, presence *realtime.Presence, router *conversation.MessageRouter, dispatcher *Dispatcher, audit *telemetry.AuditEmitter, opts Options, log zerolog.Logger) *Handler {
	if opts.RateBurst < 1 {
		opts.RateBurst = 1
	}
	return &Handler{
		verifier:   verifier,
		presence:   presence,
		router:     router,
		dispatcher: dispatcher,
		audit:      audit,
		opts:       opts,
		log:        log.With().Str("component", "ws").Logger(),
	}
}

type connectedPayload struct {
	ConnID   string          `json:"connId"`
	Identity models.Identity `json:"identity"`
}

// Handle verifies the caller, upgrades the connection and runs its read loop.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("conversation-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, ok := tokenFromRequest(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, conversation.Result{Success: false, Message: "missing token"})
		return
	}
	identity, err := h.verifier.Verify(ctx, token)
	if err != nil {
		h.audit.Emit(ctx, "WARN", "websocket handshake rejected: "+err.Error(), observability.ClientMetaFromRequest(c.Request).RequestID, nil)
		c.JSON(http.StatusUnauthorized, conversation.Result{Success: false, Message: "invalid token"})
		return
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	wsConn.SetReadLimit(maxMessageSize)

	meta := observability.ClientMetaFromRequest(c.Request)
	requestID := meta.RequestID
	info := realtime.ConnInfo{
		ConnID:      uuid.NewString(),
		Identity:    identity,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   requestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	conn := realtime.NewConnection(wsConn, info, h.opts.SendBuffer)
	conn.Start()
	h.presence.Register(conn)

	observability.IncWSEvent(wsKind, "ws_connect")
	h.publishLifecycle(ctx, "ws_connect", info, "")
	sendEvent(conn, models.Event{
		Event: models.EventConnected,
		Data:  connectedPayload{ConnID: info.ConnID, Identity: identity},
	})

	// The request context ends when the handler returns, so the loop runs on a detached one.
	loopCtx := observability.WithRequestID(context.WithoutCancel(ctx), requestID)
	if h.opts.DeliverOnConnect {
		if n, err := h.router.DeliverPending(loopCtx, identity); err != nil {
			h.log.Warn().Err(err).Str("identity", identity.String()).Msg("deliver pending failed")
		} else if n > 0 {
			h.log.Debug().Int("count", n).Str("identity", identity.String()).Msg("pending messages delivered")
		}
	}

	go h.readLoop(loopCtx, wsConn, conn)
}

func (h *Handler) readLoop(ctx context.Context, wsConn *websocket.Conn, conn *realtime.Connection) {
	info := conn.Info()
	sess := h.dispatcher.newSession(conn, h.opts.RateLimit, h.opts.RateBurst)

	var closeReason string
	defer func() {
		h.presence.Unregister(conn)
		observability.IncWSEvent(wsKind, "ws_disconnect")
		h.publishLifecycle(ctx, "ws_disconnect", info, closeReason)
		conn.Close(websocket.CloseNormalClosure, "")
	}()

	_ = wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, realtime.CloseSessionReplaced) {
				observability.IncWSEvent(wsKind, "ws_error")
				h.publishLifecycle(ctx, "ws_error", info, closeReason)
			}
			return
		}
		_ = wsConn.SetReadDeadline(time.Now().Add(pongWait))
		sess.handle(ctx, raw)
	}
}

func (h *Handler) publishLifecycle(ctx context.Context, event string, info realtime.ConnInfo, reason string) {
	durationMS := int64(0)
	if event != "ws_connect" {
		durationMS = time.Since(info.ConnectedAt).Milliseconds()
	}
	_ = observability.PublishEvent(ctx, observability.RoutingWSEvents, observability.NewEnvelope("ws_events", event, map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        wsKind,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": durationMS,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"id":        info.Identity.ID,
			"kind":      info.Identity.Kind,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}), observability.BuildHeaders(info.RequestID, info.TraceID))
}

func tokenFromRequest(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		return auth.BearerToken(header)
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

func sendEvent(conn realtime.Conn, evt models.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_ = conn.Send(payload)
}
