package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/s1366560/overseer/internal/logging"
	"github.com/s1366560/overseer/pkg/models"
)

// RedisCache holds run snapshots in Redis with a TTL. It is not a durable
// Store on its own; compose it with a durable backend via Hybrid.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisConfig holds connection settings for the cache tier.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Password authenticates the connection, if set.
	Password string
	// DB selects the Redis logical database.
	DB int
	// TTL bounds how long cached snapshots live. Zero means one hour.
	TTL time.Duration
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func runKey(conversationID, runID string) string {
	return "overseer:run:" + conversationID + ":" + runID
}

func convKey(conversationID string) string {
	return "overseer:conv:" + conversationID
}

// Put stores one run snapshot and registers it in the conversation index.
func (c *RedisCache) Put(ctx context.Context, run *models.SubAgentRun) error {
	data, err := EncodeSnapshot(run)
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, runKey(run.ConversationID, run.RunID), data, c.ttl)
	pipe.SAdd(ctx, convKey(run.ConversationID), run.RunID)
	pipe.Expire(ctx, convKey(run.ConversationID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache run: %w", err)
	}
	return nil
}

// Get retrieves one cached run snapshot, or (nil, nil) on miss.
func (c *RedisCache) Get(ctx context.Context, conversationID, runID string) (*models.SubAgentRun, error) {
	data, err := c.client.Get(ctx, runKey(conversationID, runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return DecodeSnapshot(data)
}

// Remove drops one run snapshot from the cache.
func (c *RedisCache) Remove(ctx context.Context, conversationID, runID string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, runKey(conversationID, runID))
	pipe.SRem(ctx, convKey(conversationID), runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache remove: %w", err)
	}
	return nil
}

// Hybrid composes a read-through cache over a durable Store. Reads prefer
// the cache and fall back to (and repopulate from) the durable store on
// miss; writes go to the durable store first, then update the cache.
// Cache failures never fail the operation: the durable store is the source
// of truth.
type Hybrid struct {
	durable Store
	cache   *RedisCache
}

// NewHybrid creates a read-through composition of cache and durable store.
func NewHybrid(durable Store, cache *RedisCache) *Hybrid {
	return &Hybrid{durable: durable, cache: cache}
}

// Save writes to the durable store then updates the cache.
func (h *Hybrid) Save(ctx context.Context, run *models.SubAgentRun) error {
	if err := h.durable.Save(ctx, run); err != nil {
		return err
	}
	if err := h.cache.Put(ctx, run); err != nil {
		logging.Debugf("[runstore] cache update failed for run %s: %v", run.RunID, err)
	}
	return nil
}

// Load prefers the cache, falling back to the durable store on miss and
// repopulating the cache from the result.
func (h *Hybrid) Load(ctx context.Context, conversationID, runID string) (*models.SubAgentRun, error) {
	run, err := h.cache.Get(ctx, conversationID, runID)
	if err != nil {
		logging.Debugf("[runstore] cache read failed for run %s: %v", runID, err)
	} else if run != nil {
		return run, nil
	}

	run, err = h.durable.Load(ctx, conversationID, runID)
	if err != nil || run == nil {
		return run, err
	}

	if err := h.cache.Put(ctx, run); err != nil {
		logging.Debugf("[runstore] cache repopulate failed for run %s: %v", runID, err)
	}
	return run, nil
}

// LoadConversation always reads the durable store: the cache's
// conversation index can miss runs whose TTL expired.
func (h *Hybrid) LoadConversation(ctx context.Context, conversationID string) ([]*models.SubAgentRun, error) {
	return h.durable.LoadConversation(ctx, conversationID)
}

// LoadActive reads the durable store; the cache has no status index.
func (h *Hybrid) LoadActive(ctx context.Context) ([]*models.SubAgentRun, error) {
	return h.durable.LoadActive(ctx)
}

// Delete removes from the durable store then the cache.
func (h *Hybrid) Delete(ctx context.Context, conversationID, runID string) error {
	if err := h.durable.Delete(ctx, conversationID, runID); err != nil {
		return err
	}
	if err := h.cache.Remove(ctx, conversationID, runID); err != nil {
		logging.Debugf("[runstore] cache delete failed for run %s: %v", runID, err)
	}
	return nil
}

// Close closes both tiers, returning the first error.
func (h *Hybrid) Close() error {
	cacheErr := h.cache.Close()
	if err := h.durable.Close(); err != nil {
		return err
	}
	return cacheErr
}
