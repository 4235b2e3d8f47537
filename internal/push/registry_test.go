package push

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pasofino/internal/cache"
	"pasofino/internal/logger"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := cache.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger.Nop{})
	t.Cleanup(func() { _ = store.Close() })
	return NewRegistry(store, logger.Nop{}), mr
}

func testSub(endpoint, auth string) Subscription {
	return Subscription{Endpoint: endpoint, Keys: Keys{Auth: auth, P256dh: "p256dh-" + auth}}
}

func TestRegistry_SaveListRemove(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	sub := testSub("https://push.example.com/a", "one")
	require.True(t, reg.Save(ctx, sub))
	assert.True(t, mr.Exists("push_subscription:"+KeyFor(sub.Endpoint)))

	records := reg.List(ctx)
	require.Len(t, records, 1)
	assert.Equal(t, reg.KeyFor(sub.Endpoint), records[0].Key)
	assert.Equal(t, sub.Endpoint, records[0].Data.Endpoint)
	assert.False(t, records[0].Data.CreatedAt.IsZero())

	assert.True(t, reg.Remove(ctx, records[0].Key))
	assert.False(t, reg.Remove(ctx, records[0].Key))
	assert.Empty(t, reg.List(ctx))
}

func TestRegistry_DuplicateEndpointOverwrites(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.True(t, reg.Save(ctx, testSub("https://push.example.com/same", "first")))
	require.True(t, reg.Save(ctx, testSub("https://push.example.com/same", "second")))

	records := reg.List(ctx)
	require.Len(t, records, 1)
	assert.Equal(t, "second", records[0].Data.Keys.Auth)
	assert.Equal(t, 1, reg.Count(ctx))
}

func TestRegistry_IgnoresOtherKeys(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("greeting", `{"msg":"hola"}`))
	require.True(t, reg.Save(ctx, testSub("https://push.example.com/a", "a")))

	assert.Equal(t, 1, reg.Count(ctx))
}

func TestRegistry_DisabledCache(t *testing.T) {
	reg := NewRegistry(cache.DisabledStore{}, logger.Nop{})
	ctx := context.Background()

	assert.False(t, reg.Save(ctx, testSub("https://push.example.com/a", "a")))
	assert.Empty(t, reg.List(ctx))
	assert.Zero(t, reg.Count(ctx))
	assert.False(t, reg.Remove(ctx, "whatever"))
}
