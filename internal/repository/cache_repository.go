package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/class-admission-api/internal/models"
)

// CacheRepository stores class stats snapshots in Redis. Entries carry a
// short TTL and are invalidated after every committed enrollment mutation,
// so reads may lag a write by at most one invalidation round-trip.
type CacheRepository struct {
	client *redis.Client
}

// NewCacheRepository constructs the repository.
func NewCacheRepository(client *redis.Client) *CacheRepository {
	return &CacheRepository{client: client}
}

func statsKey(classID string) string {
	return fmt.Sprintf("admission:stats:%s", classID)
}

// GetStats returns the cached stats for a class, nil on a miss.
func (r *CacheRepository) GetStats(ctx context.Context, classID string) (*models.ClassStats, error) {
	raw, err := r.client.Get(ctx, statsKey(classID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get cached stats: %w", err)
	}
	var stats models.ClassStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, fmt.Errorf("decode cached stats: %w", err)
	}
	return &stats, nil
}

// SetStats caches stats for a class with the given TTL.
func (r *CacheRepository) SetStats(ctx context.Context, classID string, stats *models.ClassStats, ttl time.Duration) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	return r.client.Set(ctx, statsKey(classID), raw, ttl).Err()
}

// InvalidateStats drops the cached entry for a class.
func (r *CacheRepository) InvalidateStats(ctx context.Context, classID string) error {
	return r.client.Del(ctx, statsKey(classID)).Err()
}
