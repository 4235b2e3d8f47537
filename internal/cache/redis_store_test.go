package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pasofino/internal/logger"
	"pasofino/internal/platform"
)

type horse struct {
	Name string `json:"name"`
	Gait string `json:"gait"`
}

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, logger.Nop{})
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore_SetGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.True(t, store.IsEnabled())
	require.True(t, store.Set(ctx, "horse:1", horse{Name: "Tormenta", Gait: "fino"}, time.Minute))

	var got horse
	require.NoError(t, store.Get(ctx, "horse:1", &got))
	assert.Equal(t, horse{Name: "Tormenta", Gait: "fino"}, got)
	assert.Equal(t, Stats{Hits: 1}, store.Stats())
}

func TestRedisStore_RawJSON(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "k", json.RawMessage(`{"a":[1,2]}`), 0))

	var got json.RawMessage
	require.NoError(t, store.Get(ctx, "k", &got))
	assert.JSONEq(t, `{"a":[1,2]}`, string(got))
}

func TestRedisStore_Missing(t *testing.T) {
	store, _ := newTestStore(t)

	var got horse
	assert.ErrorIs(t, store.Get(context.Background(), "nope", &got), ErrNotFound)
	assert.Equal(t, Stats{Misses: 1}, store.Stats())
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "short", "value", 60*time.Second))
	mr.FastForward(61 * time.Second)

	var got string
	assert.ErrorIs(t, store.Get(ctx, "short", &got), ErrNotFound)
}

func TestRedisStore_NoTTLPersists(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "forever", "value", 0))
	mr.FastForward(24 * time.Hour)

	var got string
	require.NoError(t, store.Get(ctx, "forever", &got))
	assert.Equal(t, "value", got)
}

func TestRedisStore_Delete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "a", 1, 0))
	assert.Equal(t, int64(1), store.Delete(ctx, "a"))
	assert.Equal(t, int64(0), store.Delete(ctx, "a"))
}

func TestRedisStore_Keys(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "push_subscription:a", 1, 0))
	require.True(t, store.Set(ctx, "push_subscription:b", 1, 0))
	require.True(t, store.Set(ctx, "other", 1, 0))

	assert.ElementsMatch(t, []string{"push_subscription:a", "push_subscription:b"}, store.Keys(ctx, "push_subscription:*"))
}

func TestRedisStore_DegradesWhenBackendGone(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "k", "v", 0))
	mr.Close()

	assert.False(t, store.Set(ctx, "k", "v2", 0))
	assert.False(t, store.IsEnabled())

	var got string
	assert.ErrorIs(t, store.Get(ctx, "k", &got), ErrNotFound)
	assert.Equal(t, int64(0), store.Delete(ctx, "k"))
	assert.Empty(t, store.Keys(ctx, "*"))
	assert.Empty(t, store.UsedMemory(ctx))
}

func TestRedisStore_CanceledCallerKeepsStoreEnabled(t *testing.T) {
	store, _ := newTestStore(t)
	require.True(t, store.Set(context.Background(), "greeting", "hola", 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var v string
	assert.ErrorIs(t, store.Get(ctx, "greeting", &v), ErrNotFound)
	assert.False(t, store.Set(ctx, "greeting", "adiós", 0))
	assert.Equal(t, int64(0), store.Delete(ctx, "greeting"))
	assert.Empty(t, store.Keys(ctx, "*"))
	assert.True(t, store.IsEnabled())

	require.True(t, store.Set(context.Background(), "greeting", "buenas", 0))
	require.NoError(t, store.Get(context.Background(), "greeting", &v))
	assert.Equal(t, "buenas", v)
}

func TestRedisStore_ProbeRestores(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	mr.Close()
	store.probe()
	require.False(t, store.IsEnabled())

	require.NoError(t, mr.Restart())
	store.probe()
	require.True(t, store.IsEnabled())
	assert.True(t, store.Set(ctx, "k", "v", 0))
}

func TestNewStore_Unconfigured(t *testing.T) {
	store := NewStore(platform.Unconfigured[*redis.Client]("REDIS_URL / REDIS_HOST not set"), logger.Nop{})

	_, disabled := store.(DisabledStore)
	require.True(t, disabled)
	assert.False(t, store.IsEnabled())
	assert.False(t, store.Set(context.Background(), "k", "v", 0))

	var got string
	assert.ErrorIs(t, store.Get(context.Background(), "k", &got), ErrNotFound)
}

func TestNewStore_Reachable(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewStore(platform.Configured(redis.NewClient(&redis.Options{Addr: mr.Addr()})), logger.Nop{})
	t.Cleanup(func() { _ = store.Close() })

	assert.True(t, store.IsEnabled())
}

func TestParseInfoField(t *testing.T) {
	info := "# Memory\r\nused_memory:1024\r\nused_memory_human:1.00K\r\n"
	assert.Equal(t, "1.00K", parseInfoField(info, "used_memory_human"))
	assert.Equal(t, "", parseInfoField(info, "missing"))
}
