package conversation

import (
	"context"

	"github.com/rs/zerolog"

	"conversation-service/internal/models"
	"conversation-service/internal/observability"
	"conversation-service/internal/realtime"
)

// emit broadcasts evt to the conversation room and pushes it directly to any
// listed participant that is online but not subscribed to the room.
func emit(registry *realtime.Registry, conversationID string, evt models.Event, participants ...models.Identity) {
	registry.BroadcastRoom(conversationID, evt, "")
	for _, identity := range participants {
		conn, ok := registry.ConnectionFor(identity)
		if !ok || registry.InRoom(conversationID, conn.ID()) {
			continue
		}
		registry.Notify(identity, evt)
	}
}

// publishDomainEvent forwards a lifecycle event to the broker. Broker failures
// never fail the operation that produced the event.
func publishDomainEvent(ctx context.Context, log zerolog.Logger, routingKey, eventType, name string, payload any) {
	envelope := observability.NewEnvelope(eventType, name, payload)
	if err := observability.PublishEvent(ctx, routingKey, envelope, observability.HeadersFromContext(ctx)); err != nil {
		log.Warn().Err(err).Str("event", name).Msg("publish domain event")
	}
}
