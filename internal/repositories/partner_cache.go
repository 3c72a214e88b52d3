package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"conversation-service/internal/models"
)

const (
	partnerListKey      = "convo:partners:all"
	partnerKeyPrefix    = "convo:partner:"
	defaultPartnerTTL   = 30 * time.Second
	partnerCacheTimeout = 500 * time.Millisecond
)

// CachedPartnerDirectory is a read-through Redis cache in front of another
// directory. Redis failures are logged and fall through to the wrapped source.
type CachedPartnerDirectory struct {
	next   PartnerDirectory
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func NewCachedPartnerDirectory(next PartnerDirectory, client *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedPartnerDirectory {
	if ttl <= 0 {
		ttl = defaultPartnerTTL
	}
	return &CachedPartnerDirectory{
		next:   next,
		client: client,
		ttl:    ttl,
		log:    log.With().Str("component", "partner_cache").Logger(),
	}
}

func (d *CachedPartnerDirectory) ListPartners(ctx context.Context) ([]models.Partner, error) {
	var partners []models.Partner
	if d.load(ctx, partnerListKey, &partners) {
		return partners, nil
	}

	partners, err := d.next.ListPartners(ctx)
	if err != nil {
		return nil, err
	}
	d.store(ctx, partnerListKey, partners)
	return partners, nil
}

func (d *CachedPartnerDirectory) GetPartner(ctx context.Context, partnerID string) (models.Partner, error) {
	key := partnerKeyPrefix + partnerID
	var partner models.Partner
	if d.load(ctx, key, &partner) {
		return partner, nil
	}

	partner, err := d.next.GetPartner(ctx, partnerID)
	if err != nil {
		return models.Partner{}, err
	}
	d.store(ctx, key, partner)
	return partner, nil
}

// Invalidate drops cached entries for the given partners and the full listing.
func (d *CachedPartnerDirectory) Invalidate(ctx context.Context, partnerIDs ...string) error {
	keys := []string{partnerListKey}
	for _, id := range partnerIDs {
		keys = append(keys, partnerKeyPrefix+id)
	}
	return d.client.Del(ctx, keys...).Err()
}

func (d *CachedPartnerDirectory) load(ctx context.Context, key string, dst any) bool {
	ctx, cancel := context.WithTimeout(ctx, partnerCacheTimeout)
	defer cancel()

	raw, err := d.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("partner cache read failed")
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("partner cache entry corrupt")
		return false
	}
	return true
}

func (d *CachedPartnerDirectory) store(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, partnerCacheTimeout)
	defer cancel()
	if err := d.client.Set(ctx, key, data, d.ttl).Err(); err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("partner cache write failed")
	}
}
