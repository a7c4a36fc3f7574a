package imagestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xxxsen/mathimport/internal/config"
	"github.com/xxxsen/mathimport/internal/model"
)

// RefCache maps a content hash to the reference it was uploaded under.
// Entries are only written after a successful upload.
type RefCache interface {
	Get(ctx context.Context, hash string) (model.StorageReference, bool, error)
	Set(ctx context.Context, ref model.StorageReference) error
	Close() error
}

type memoryCache struct {
	mu   sync.RWMutex
	refs map[string]model.StorageReference
}

func NewMemoryCache() RefCache {
	return &memoryCache{refs: make(map[string]model.StorageReference)}
}

func (c *memoryCache) Get(ctx context.Context, hash string) (model.StorageReference, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.refs[hash]
	return ref, ok, nil
}

func (c *memoryCache) Set(ctx context.Context, ref model.StorageReference) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.refs[ref.ContentHash]; !ok {
		c.refs[ref.ContentHash] = ref
	}
	return nil
}

func (c *memoryCache) Close() error {
	return nil
}

// redisCache shares references between processes. Objects are never deleted,
// so entries carry no TTL.
type redisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(cfg config.RedisConfig) (RefCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &redisCache{client: client, prefix: cfg.Prefix}, nil
}

func (c *redisCache) Get(ctx context.Context, hash string) (model.StorageReference, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+hash).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.StorageReference{}, false, nil
	}
	if err != nil {
		return model.StorageReference{}, false, fmt.Errorf("redis get: %w", err)
	}
	var ref model.StorageReference
	if err := json.Unmarshal(val, &ref); err != nil {
		return model.StorageReference{}, false, fmt.Errorf("decode cached reference: %w", err)
	}
	return ref, true, nil
}

func (c *redisCache) Set(ctx context.Context, ref model.StorageReference) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encode reference: %w", err)
	}
	if err := c.client.SetNX(ctx, c.prefix+ref.ContentHash, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

func NewRefCache(cfg config.RefCacheConfig) (RefCache, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryCache(), nil
	case "redis":
		return NewRedisCache(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported ref cache type: %s", cfg.Type)
	}
}
