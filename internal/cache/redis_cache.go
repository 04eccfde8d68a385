// Package cache provides Redis-backed TTL caches for the values the
// retrieval core recomputes most often: query embeddings, rerank scores,
// and resolved per-container policy. A nil *Cache (Redis disabled) is a
// valid no-op, so callers can wire it unconditionally.
package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/talhas-laboratory/curated-context-containers/internal/config"
)

// Cache wraps a Redis client with namespaced, TTL'd get/set/invalidate
// helpers. Its caller is the lifecycle manager, which invalidates a
// container's entries on manifest changes; the embedder, reranker, and
// policy resolver do not use it.
type Cache struct {
	client redis.UniversalClient
}

// New builds a Redis-backed Cache when enabled in config. Returns nil, nil
// when disabled.
func New(cfg config.RedisConfig) (*Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	if cfg.TLSInsecureSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return &Cache{client: client}, nil
}

func (c *Cache) embeddingKey(model, text string) string { return fmt.Sprintf("emb:%s:%x", model, hash(text)) }
func (c *Cache) rerankKey(model, query, chunkID string) string {
	return fmt.Sprintf("rerank:%s:%x:%s", model, hash(query), chunkID)
}
func (c *Cache) policyKey(containerID string) string { return fmt.Sprintf("policy:%s", containerID) }

// GetEmbedding returns a cached embedding vector for (model, text).
func (c *Cache) GetEmbedding(ctx context.Context, model, text string) ([]float32, bool) {
	return getJSON[[]float32](c, ctx, c.embeddingKey(model, text))
}

// SetEmbedding caches an embedding vector with the given TTL.
func (c *Cache) SetEmbedding(ctx context.Context, model, text string, vec []float32, ttl time.Duration) error {
	return setJSON(c, ctx, c.embeddingKey(model, text), vec, ttl)
}

// GetRerankScore returns a cached cross-encoder score for (model, query, chunk).
func (c *Cache) GetRerankScore(ctx context.Context, model, query, chunkID string) (float64, bool) {
	return getJSON[float64](c, ctx, c.rerankKey(model, query, chunkID))
}

// SetRerankScore caches a cross-encoder score with the given TTL.
func (c *Cache) SetRerankScore(ctx context.Context, model, query, chunkID string, score float64, ttl time.Duration) error {
	return setJSON(c, ctx, c.rerankKey(model, query, chunkID), score, ttl)
}

// GetPolicy returns a cached resolved policy document (caller supplies a
// destination-typed unmarshal via json.RawMessage to avoid an import cycle
// with internal/policy).
func (c *Cache) GetPolicy(ctx context.Context, containerID string) (json.RawMessage, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	val, err := c.client.Get(ctx, c.policyKey(containerID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("container_id", containerID).Msg("cache_get_policy_error")
		}
		return nil, false
	}
	return val, true
}

// SetPolicy caches a resolved policy document's raw JSON.
func (c *Cache) SetPolicy(ctx context.Context, containerID string, raw json.RawMessage, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, c.policyKey(containerID), []byte(raw), ttl).Err()
}

// InvalidatePolicy removes the cached policy for one container; called on
// any lifecycle mutation affecting that container's settings.
func (c *Cache) InvalidatePolicy(ctx context.Context, containerID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.policyKey(containerID)).Err()
}

// InvalidateContainer removes every cached key scoped to one container
// (policy plus any namespaced rerank/embedding keys that embed it).
func (c *Cache) InvalidateContainer(ctx context.Context, containerID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.InvalidatePolicy(ctx, containerID); err != nil {
		return err
	}
	pattern := fmt.Sprintf("*:%s:*", containerID)
	iter := c.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Debug().Err(err).Str("key", iter.Val()).Msg("cache_invalidate_error")
		}
	}
	return iter.Err()
}

// Close releases the underlying Redis client.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func getJSON[T any](c *Cache, ctx context.Context, key string) (T, bool) {
	var zero T
	if c == nil || c.client == nil {
		return zero, false
	}
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("cache_get_error")
		}
		return zero, false
	}
	var out T
	if err := json.Unmarshal(val, &out); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache_unmarshal_error")
		return zero, false
	}
	return out, true
}

func setJSON[T any](c *Cache, ctx context.Context, key string, v T, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

func hash(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
