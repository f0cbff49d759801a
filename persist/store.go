// Package persist carries in-memory state across restarts. A snapshot Store
// holds cache entries and daily metric aggregates so a restart does not reopen
// quota headroom that was already spent; the Archive streams raw call records
// into Postgres for offline analysis; the SnapshotWriter uploads a daily usage
// summary to S3.
package persist

import (
	"context"

	"github.com/gil906/witnessreplay-inference/cache"
	"github.com/gil906/witnessreplay-inference/config"
	"github.com/gil906/witnessreplay-inference/metrics"
)

// Store saves and restores the snapshot state.
type Store interface {
	SaveCacheEntries(ctx context.Context, entries []cache.Entry) error
	LoadCacheEntries(ctx context.Context) ([]cache.Entry, error)
	SaveMetricsSnapshot(ctx context.Context, stats []metrics.DailyStats) error
	LoadMetricsSnapshot(ctx context.Context) ([]metrics.DailyStats, error)
	Close() error
}

// NopStore discards saves and restores nothing.
type NopStore struct{}

func NewNopStore() *NopStore { return &NopStore{} }

func (*NopStore) SaveCacheEntries(ctx context.Context, entries []cache.Entry) error {
	return nil
}

func (*NopStore) LoadCacheEntries(ctx context.Context) ([]cache.Entry, error) {
	return nil, nil
}

func (*NopStore) SaveMetricsSnapshot(ctx context.Context, stats []metrics.DailyStats) error {
	return nil
}

func (*NopStore) LoadMetricsSnapshot(ctx context.Context) ([]metrics.DailyStats, error) {
	return nil, nil
}

func (*NopStore) Close() error { return nil }

// NewStoreFromConfig returns a RedisStore when Redis is enabled, otherwise a
// NopStore.
func NewStoreFromConfig(cfg *config.Config) (Store, error) {
	if !cfg.Redis.Enabled {
		return NewNopStore(), nil
	}
	return NewRedisStore(cfg.Redis)
}
