package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how stale a distributed entry can get when
// invalidation misses it.
const DefaultCacheTTL = 5 * time.Minute

const (
	deleteBatchSize  = 500
	deleteMaxRetries = 2
	deleteRetryDelay = 200 * time.Millisecond
)

// Cache is the distributed tier of the permission cache: JSON name sets
// in Redis plus the verifying prefix scanner used for invalidation.
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
	metrics *EngineMetrics
}

// NewCache instantiates the cache helper. A nil client degrades every
// operation to a no-op so the engine keeps serving from the store.
func NewCache(client *redis.Client, ttl time.Duration, logger *slog.Logger, metrics *EngineMetrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, ttl: ttl, logger: logger, metrics: metrics}
}

// TTL reports the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	if c == nil {
		return DefaultCacheTTL
	}
	return c.ttl
}

// GetNames loads a cached name set. The second return is false on miss.
func (c *Cache) GetNames(ctx context.Context, key string) ([]string, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var names []string
	if err := json.Unmarshal(payload, &names); err != nil {
		return nil, false, fmt.Errorf("permission: decode cache entry %s: %w", key, err)
	}
	return names, true, nil
}

// SetNames stores a name set under key with the configured TTL.
func (c *Cache) SetNames(ctx context.Context, key string, names []string) error {
	if c == nil || c.client == nil {
		return nil
	}
	payload, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, c.ttl).Err()
}

// DeletePrefix removes every key under prefix. Each pass scans, deletes
// in batches, waits briefly and re-scans to verify. Passes are retried
// on transport errors and on leftover keys; when retries run out a
// transport error is returned, while leftover keys are only logged and
// counted since the TTL bounds their lifetime.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) error {
	if c == nil || c.client == nil {
		return nil
	}
	match := prefix + "*"
	var lastErr error
	lastRemaining := 0
	for attempt := 0; attempt <= deleteMaxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.retry()
			if err := sleepCtx(ctx, deleteRetryDelay); err != nil {
				return err
			}
		}
		if _, err := c.deleteMatching(ctx, match); err != nil {
			lastErr = err
			c.logger.Warn("permission cache: delete pass failed",
				slog.String("prefix", prefix),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			continue
		}
		if err := sleepCtx(ctx, deleteRetryDelay); err != nil {
			return err
		}
		remaining, err := c.countMatching(ctx, match)
		if err != nil {
			lastErr = err
			c.logger.Warn("permission cache: verify scan failed",
				slog.String("prefix", prefix),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			continue
		}
		if remaining == 0 {
			return nil
		}
		lastErr = nil
		lastRemaining = remaining
		c.logger.Warn("permission cache: keys survived delete pass",
			slog.String("prefix", prefix),
			slog.Int("attempt", attempt),
			slog.Int("remaining", remaining))
	}
	if lastErr != nil {
		return fmt.Errorf("permission: delete prefix %s: %w", prefix, lastErr)
	}
	c.metrics.residue(lastRemaining)
	c.logger.Error("permission cache: residue after all retries, relying on TTL",
		slog.String("prefix", prefix),
		slog.Int("remaining", lastRemaining),
		slog.Duration("ttl", c.ttl))
	return nil
}

func (c *Cache) deleteMatching(ctx context.Context, match string) (int64, error) {
	var cursor uint64
	var deleted int64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, match, deleteBatchSize).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := c.client.Unlink(ctx, keys...).Result()
			if err != nil {
				// UNLINK is missing on older servers; DEL does the same
				// work synchronously.
				n, err = c.client.Del(ctx, keys...).Result()
				if err != nil {
					return deleted, err
				}
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (c *Cache) countMatching(ctx context.Context, match string) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := c.client.Scan(ctx, cursor, match, deleteBatchSize).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ActorPrefix is the Redis key prefix holding every cached context for
// one actor.
func ActorPrefix(actorID int64) string {
	return fmt.Sprintf("perms:actor_%d::", actorID)
}

func cacheKey(actorID int64, contextKey string) string {
	return ActorPrefix(actorID) + contextKey
}
