package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/batch-embedder/internal/logger"
)

// EmbeddingCache stores embeddings in Redis keyed by a hash of model and text
type EmbeddingCache struct {
	client *redis.Client
	config Config
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewEmbeddingCache connects to Redis and verifies the connection
func NewEmbeddingCache(config Config, log *zap.Logger) (*EmbeddingCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	opts.MinIdleConns = config.MinIdleConns

	c := newWithClient(redis.NewClient(opts), config, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Embedding cache initialized",
		zap.String("redis_url", logger.MaskURL(config.RedisURL)),
		zap.Int("pool_size", opts.PoolSize),
		zap.Duration("default_ttl", config.DefaultTTL))

	return c, nil
}

func newWithClient(client *redis.Client, config Config, logger *zap.Logger) *EmbeddingCache {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "embedding:"
	}
	return &EmbeddingCache{client: client, config: config, logger: logger}
}

// Get returns the cached embedding for text, if any
func (c *EmbeddingCache) Get(ctx context.Context, text string) ([]float32, bool, error) {
	key := c.key(text)

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		c.errors.Add(1)
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	var cached CachedEmbedding
	if err := json.Unmarshal(data, &cached); err != nil || cached.Model != c.config.Model {
		// Drop corrupted or foreign entries
		c.client.Del(ctx, key)
		c.misses.Add(1)
		return nil, false, nil
	}

	c.hits.Add(1)
	return cached.Embedding, true, nil
}

// Set stores embedding for text with the default TTL
func (c *EmbeddingCache) Set(ctx context.Context, text string, embedding []float32) error {
	data, err := c.encode(embedding)
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, c.key(text), data, c.config.DefaultTTL).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("failed to cache embedding: %w", err)
	}
	return nil
}

// SetBatch stores several embeddings in one pipeline round trip
func (c *EmbeddingCache) SetBatch(ctx context.Context, texts []string, embeddings [][]float32) error {
	if len(texts) != len(embeddings) {
		return fmt.Errorf("texts and embeddings length mismatch")
	}
	if len(texts) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	queued := 0
	for i, text := range texts {
		if len(embeddings[i]) == 0 {
			continue
		}
		data, err := c.encode(embeddings[i])
		if err != nil {
			c.logger.Error("Failed to marshal embedding for batch caching", zap.Error(err))
			continue
		}
		pipe.Set(ctx, c.key(text), data, c.config.DefaultTTL)
		queued++
	}
	if queued == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("batch cache operation failed: %w", err)
	}

	c.logger.Debug("Batch cache operation completed", zap.Int("cached_embeddings", queued))
	return nil
}

func (c *EmbeddingCache) encode(embedding []float32) ([]byte, error) {
	data, err := json.Marshal(CachedEmbedding{
		Model:     c.config.Model,
		Embedding: embedding,
		CachedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}
	return data, nil
}

// GetStats returns cache performance statistics
func (c *EmbeddingCache) GetStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return stats, fmt.Errorf("failed to get Redis info: %w", err)
	}
	stats.MemoryUsage = parseUsedMemory(info)

	if keys, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}

	return stats, nil
}

// Clear removes every key under the configured prefix
func (c *EmbeddingCache) Clear(ctx context.Context) (int, error) {
	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan cache keys: %w", err)
	}

	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return i, fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	c.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return len(keys), nil
}

// Close closes the Redis connection
func (c *EmbeddingCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// key hashes model and text so arbitrary input maps to a bounded key
func (c *EmbeddingCache) key(text string) string {
	h := sha256.New()
	h.Write([]byte(c.config.Model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return c.config.KeyPrefix + hex.EncodeToString(h.Sum(nil))[:32]
}

func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(v, 10, 64); err == nil {
				return mem
			}
		}
	}
	return 0
}
