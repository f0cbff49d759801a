package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gil906/witnessreplay-inference/cache"
	"github.com/gil906/witnessreplay-inference/config"
	"github.com/gil906/witnessreplay-inference/logging"
	"github.com/gil906/witnessreplay-inference/metrics"
)

const (
	cacheEntriesKey    = "cache:entries"
	metricsSnapshotKey = "metrics:daily"
)

// RedisStore keeps the snapshot state as JSON blobs in Redis. Snapshots
// expire after the configured TTL so a long-dead deployment does not restore
// stale quota history.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *logging.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.SnapshotTTL), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		log:    logging.New("redis-store"),
	}
}

func (s *RedisStore) key(suffix string) string {
	return s.prefix + suffix
}

func (s *RedisStore) save(ctx context.Context, suffix string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := s.client.Set(ctx, s.key(suffix), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("write snapshot to Redis: %w", err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, suffix string, v any) (bool, error) {
	data, err := s.client.Get(ctx, s.key(suffix)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read snapshot from Redis: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return true, nil
}

func (s *RedisStore) SaveCacheEntries(ctx context.Context, entries []cache.Entry) error {
	if err := s.save(ctx, cacheEntriesKey, entries); err != nil {
		return err
	}
	s.log.Debug("Saved cache entries", "count", len(entries))
	return nil
}

func (s *RedisStore) LoadCacheEntries(ctx context.Context) ([]cache.Entry, error) {
	var entries []cache.Entry
	found, err := s.load(ctx, cacheEntriesKey, &entries)
	if err != nil || !found {
		return nil, err
	}
	return entries, nil
}

func (s *RedisStore) SaveMetricsSnapshot(ctx context.Context, stats []metrics.DailyStats) error {
	if err := s.save(ctx, metricsSnapshotKey, stats); err != nil {
		return err
	}
	s.log.Debug("Saved metrics snapshot", "models", len(stats))
	return nil
}

func (s *RedisStore) LoadMetricsSnapshot(ctx context.Context) ([]metrics.DailyStats, error) {
	var stats []metrics.DailyStats
	found, err := s.load(ctx, metricsSnapshotKey, &stats)
	if err != nil || !found {
		return nil, err
	}
	return stats, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
