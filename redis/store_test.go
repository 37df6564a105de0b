package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redis "github.com/HonestMajority/lana-bank/redis"
)

var now = time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)

func newStore(t *testing.T, opts ...redis.Option) (*redis.StateStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := redis.New(client, append([]redis.Option{redis.WithClock(func() time.Time { return now })}, opts...)...)
	require.NoError(t, err)

	return store, mr
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := redis.New(nil)
	require.EqualError(t, err, "redis client cannot be nil")
}

func TestPing(t *testing.T) {
	t.Parallel()

	store, mr := newStore(t)

	require.NoError(t, store.Ping(context.Background()))

	mr.Close()

	err := store.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestLoadWatermark(t *testing.T) {
	t.Parallel()

	t.Run("missing", func(t *testing.T) {
		t.Parallel()

		store, _ := newStore(t)

		watermark, ok, err := store.LoadWatermark(context.Background(), "sumsub_callbacks")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.True(t, watermark.IsZero())
	})

	t.Run("stored", func(t *testing.T) {
		t.Parallel()

		store, mr := newStore(t)
		mr.HSet(redis.DefaultKeyPrefix+"sumsub_callbacks", "watermark", "2024-05-01T12:00:00.123456000Z")

		watermark, ok, err := store.LoadWatermark(context.Background(), "sumsub_callbacks")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, watermark.Equal(time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)))
	})

	t.Run("corrupt value", func(t *testing.T) {
		t.Parallel()

		store, mr := newStore(t)
		mr.HSet(redis.DefaultKeyPrefix+"sumsub_callbacks", "watermark", "not a time")

		_, _, err := store.LoadWatermark(context.Background(), "sumsub_callbacks")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse watermark")
	})

	t.Run("empty stream", func(t *testing.T) {
		t.Parallel()

		store, _ := newStore(t)

		_, _, err := store.LoadWatermark(context.Background(), "")
		require.Error(t, err)
	})
}

func TestSaveWatermark(t *testing.T) {
	t.Parallel()

	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("stores fields", func(t *testing.T) {
		t.Parallel()

		store, mr := newStore(t)

		require.NoError(t, store.SaveWatermark(context.Background(), "sumsub_callbacks", first.In(time.FixedZone("CEST", 2*60*60))))

		key := redis.DefaultKeyPrefix + "sumsub_callbacks"
		assert.Equal(t, "2024-05-01T12:00:00.000000000Z", mr.HGet(key, "watermark"))
		assert.Equal(t, "2024-05-02T08:00:00.000000000Z", mr.HGet(key, "updated_at"))
	})

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()

		store, _ := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.SaveWatermark(ctx, "sumsub_callbacks", first))

		got, ok, err := store.LoadWatermark(ctx, "sumsub_callbacks")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, got.Equal(first))
	})

	t.Run("never moves backwards", func(t *testing.T) {
		t.Parallel()

		store, _ := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.SaveWatermark(ctx, "sumsub_callbacks", first))
		require.NoError(t, store.SaveWatermark(ctx, "sumsub_callbacks", first), "equal watermark must be accepted")

		err := store.SaveWatermark(ctx, "sumsub_callbacks", first.Add(-time.Nanosecond))
		require.ErrorIs(t, err, redis.ErrStaleWatermark)

		got, _, err := store.LoadWatermark(ctx, "sumsub_callbacks")
		require.NoError(t, err)
		assert.True(t, got.Equal(first))

		require.NoError(t, store.SaveWatermark(ctx, "sumsub_callbacks", first.Add(time.Hour)))
	})

	t.Run("custom key prefix", func(t *testing.T) {
		t.Parallel()

		store, mr := newStore(t, redis.WithKeyPrefix("lana:"))

		require.NoError(t, store.SaveWatermark(context.Background(), "sumsub_callbacks", first))
		assert.True(t, mr.Exists("lana:sumsub_callbacks"))
		assert.False(t, mr.Exists(redis.DefaultKeyPrefix+"sumsub_callbacks"))
	})

	t.Run("invalid input", func(t *testing.T) {
		t.Parallel()

		store, _ := newStore(t)

		require.Error(t, store.SaveWatermark(context.Background(), "", first))
		require.Error(t, store.SaveWatermark(context.Background(), "sumsub_callbacks", time.Time{}))
	})
}
