package realtime

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"conversation-service/internal/models"
	"conversation-service/internal/observability"
)

// PartnerLister is the slice of the partner directory presence needs.
type PartnerLister interface {
	ListPartners(ctx context.Context) ([]models.Partner, error)
}

// Presence derives online, offline and busy announcements from registry mutations.
type Presence struct {
	registry *Registry
	partners PartnerLister
	log      zerolog.Logger
}

func NewPresence(registry *Registry, partners PartnerLister, log zerolog.Logger) *Presence {
	return &Presence{
		registry: registry,
		partners: partners,
		log:      log.With().Str("component", "presence").Logger(),
	}
}

func (p *Presence) Registry() *Registry {
	return p.registry
}

// Register attaches conn and announces the identity online to everyone.
func (p *Presence) Register(conn Conn) {
	identity := conn.Identity()
	if previous := p.registry.Attach(conn); previous != nil {
		p.log.Info().
			Str("identity", identity.String()).
			Str("conn_id", conn.ID()).
			Str("replaced_conn_id", previous.ID()).
			Msg("connection replaced")
	}
	observability.IncWSActive(string(identity.Kind))

	p.registry.BroadcastAll(models.Event{
		Event: models.EventUserOnline,
		Data:  models.PresencePayload{Identity: identity},
	})
}

// Unregister detaches conn. Offline announcements are only made when conn was
// still the identity's live connection; partners additionally get an offline
// status change, overriding busy.
func (p *Presence) Unregister(conn Conn) {
	identity := conn.Identity()
	observability.DecWSActive(string(identity.Kind))

	if !p.registry.Detach(conn) {
		return
	}

	p.registry.BroadcastAll(models.Event{
		Event: models.EventUserOffline,
		Data:  models.PresencePayload{Identity: identity},
	})
	if identity.IsPartner() {
		p.AnnouncePartnerStatus(identity.ID, models.PartnerOffline)
	}
}

// PartnerStatus derives the composite status from the registry.
func (p *Presence) PartnerStatus(partnerID string) models.PartnerStatus {
	identity := models.NewIdentity(partnerID, models.KindPartner)
	return models.DerivePartnerStatus(p.registry.IsOnline(identity), p.registry.IsBusy(identity))
}

// AnnouncePartnerStatus broadcasts partner:statusChange to every connection.
func (p *Presence) AnnouncePartnerStatus(partnerID string, status models.PartnerStatus) {
	p.registry.BroadcastAll(models.Event{
		Event: models.EventPartnerStatusChange,
		Data: models.StatusChangePayload{
			PartnerID: partnerID,
			Status:    status,
		},
	})
}

// ListOnlinePartners returns every directory partner annotated with live status.
func (p *Presence) ListOnlinePartners(ctx context.Context) ([]models.PartnerPresence, error) {
	partners, err := p.partners.ListPartners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partners: %w", err)
	}

	out := make([]models.PartnerPresence, 0, len(partners))
	for _, partner := range partners {
		identity := models.NewIdentity(partner.ID, models.KindPartner)
		online := p.registry.IsOnline(identity)
		busy := online && p.registry.IsBusy(identity)
		out = append(out, models.PartnerPresence{
			Partner:  partner,
			IsOnline: online,
			IsBusy:   busy,
			Status:   models.DerivePartnerStatus(online, busy),
		})
	}
	return out, nil
}
