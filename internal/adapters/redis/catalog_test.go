package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/transfer/internal/adapters/redis"
	"github.com/aretw0/transfer/pkg/domain"
	"github.com/aretw0/transfer/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisCatalog_Contract(t *testing.T) {
	_, client := setup(t)
	ports.RunCatalogContract(t, redis.NewFromClient(client))
}

func TestRedisCatalog_Prefix(t *testing.T) {
	mr, client := setup(t)
	catalog := redis.NewFromClient(client, redis.WithPrefix("files:"))
	ctx := context.Background()

	u := domain.Upload{ID: domain.NewFileKey("x").ID, Name: "a.txt", CreatedAt: time.Now()}
	require.NoError(t, catalog.Put(ctx, u))

	assert.True(t, mr.Exists("files:"+u.ID))
	assert.True(t, mr.Exists("files:index"))
	assert.NoError(t, catalog.Ping(ctx))
}

func TestRedisCatalog_TTL(t *testing.T) {
	mr, client := setup(t)
	catalog := redis.NewFromClient(client, redis.WithTTL(time.Hour))
	ctx := context.Background()

	u := domain.Upload{ID: domain.NewFileKey("x").ID, Name: "a.txt", CreatedAt: time.Now()}
	require.NoError(t, catalog.Put(ctx, u))
	assert.Equal(t, time.Hour, mr.TTL("transfer:upload:"+u.ID))

	// Value gone; the stale index entry must not break List.
	mr.FastForward(2 * time.Hour)
	_, err := catalog.Get(ctx, u.ID)
	assert.ErrorIs(t, err, domain.ErrUploadNotFound)

	uploads, err := catalog.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, uploads)
}
