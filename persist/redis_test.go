package persist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gil906/witnessreplay-inference/cache"
	"github.com/gil906/witnessreplay-inference/metrics"
)

func setupTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return NewRedisStoreWithClient(client, "inference:", time.Hour), mr
}

func TestCacheEntriesRoundTrip(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	entries := []cache.Entry{
		{
			Key:       "abc123",
			Query:     "summarize the report",
			Response:  "The report covers three incidents.",
			Scope:     "summarization",
			Embedding: []float32{0.1, 0.2, 0.3},
			CreatedAt: time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC),
			TTL:       time.Hour,
			Hits:      4,
		},
		{
			Key:       "def456",
			Query:     "classify this statement",
			Response:  "category: testimony",
			Scope:     "classification",
			CreatedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
			TTL:       30 * time.Minute,
		},
	}

	require.NoError(t, store.SaveCacheEntries(ctx, entries))

	loaded, err := store.LoadCacheEntries(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	assert.Equal(t, "abc123", loaded[0].Key)
	assert.Equal(t, "The report covers three incidents.", loaded[0].Response)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, loaded[0].Embedding)
	assert.Equal(t, 4, loaded[0].Hits)
	assert.True(t, entries[0].CreatedAt.Equal(loaded[0].CreatedAt))
	assert.Equal(t, "classification", loaded[1].Scope)
}

func TestMetricsSnapshotRoundTrip(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	stats := []metrics.DailyStats{
		{
			Model:        "gemini-2.5-flash",
			Date:         "2026-08-24",
			Requests:     41,
			Successes:    39,
			Failures:     2,
			InputTokens:  12000,
			OutputTokens: 3400,
			TotalLatency: 80 * time.Second,
			FailureKinds: map[string]int{"rate_limited": 2},
		},
	}

	require.NoError(t, store.SaveMetricsSnapshot(ctx, stats))

	loaded, err := store.LoadMetricsSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, stats[0], loaded[0])
}

func TestLoadMissingSnapshotReturnsNil(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()

	entries, err := store.LoadCacheEntries(ctx)
	require.NoError(t, err)
	assert.Nil(t, entries)

	stats, err := store.LoadMetricsSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, stats)
}

func TestSnapshotKeysPrefixedWithTTL(t *testing.T) {
	store, mr := setupTestStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveCacheEntries(ctx, []cache.Entry{{Key: "k"}}))
	require.NoError(t, store.SaveMetricsSnapshot(ctx, []metrics.DailyStats{{Model: "m"}}))

	assert.True(t, mr.Exists("inference:cache:entries"))
	assert.True(t, mr.Exists("inference:metrics:daily"))
	assert.Equal(t, time.Hour, mr.TTL("inference:cache:entries"))
}
