package repositories

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-service/internal/logging"
	"conversation-service/internal/models"
)

func TestCachedPartnerDirectoryFallsThroughWhenRedisIsDown(t *testing.T) {
	store := NewMemoryStore()
	partners := store.Partners()
	require.NoError(t, partners.UpsertPartner(context.Background(), models.Partner{ID: "p1", Name: "Asha"}))

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	cached := NewCachedPartnerDirectory(partners, client, time.Minute, logging.Nop())

	list, err := cached.ListPartners(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Asha", list[0].Name)

	partner, err := cached.GetPartner(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", partner.ID)

	_, err = cached.GetPartner(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPartnerNotFound)

	assert.Error(t, cached.Invalidate(context.Background(), "p1"))
}
