package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps every cache as a Redis hash. Cache names live in a
// sorted set scored by creation time.
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage returns a storage whose keys all start with prefix.
func NewRedisStorage(client redis.UniversalClient, prefix string) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix}
}

func (s *RedisStorage) namesKey() string {
	return s.prefix + ":caches"
}

func (s *RedisStorage) cacheKey(name string) string {
	return s.prefix + ":cache:" + name
}

func (s *RedisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	err := s.client.ZAddNX(ctx, s.namesKey(), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: name,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}

	return &redisCache{name: name, hashKey: s.cacheKey(name), namesKey: s.namesKey(), client: s.client}, nil
}

func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.client.ZScore(ctx, s.namesKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has cache %s: %w", name, err)
	}
	return true, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.namesKey(), name)
		pipe.Del(ctx, s.cacheKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.ZRange(ctx, s.namesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	return names, nil
}

// redisEntry is the hash field value. Body is base64 in JSON.
type redisEntry struct {
	Response *Response `json:"response"`
	Body     []byte    `json:"body"`
}

type redisCache struct {
	name     string
	hashKey  string
	namesKey string
	client   redis.UniversalClient
}

func (c *redisCache) Name() string { return c.name }

func (c *redisCache) Match(ctx context.Context, key string) (*Response, bool, error) {
	raw, err := c.client.HGet(ctx, c.hashKey, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match %s: %w", key, err)
	}

	resp, err := decodeRedisEntry(raw)
	if err != nil {
		return nil, false, fmt.Errorf("match %s: %w", key, err)
	}
	return resp, true, nil
}

func (c *redisCache) Put(ctx context.Context, key string, resp *Response) error {
	data, err := json.Marshal(redisEntry{Response: resp, Body: resp.Body})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	// Watching the name index makes a concurrent Delete abort the write
	// instead of leaving an orphaned hash behind.
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		if scoreErr := tx.ZScore(ctx, c.namesKey, c.name).Err(); scoreErr != nil {
			if errors.Is(scoreErr, redis.Nil) {
				return fmt.Errorf("put %s in %s: %w", key, c.name, ErrCacheDeleted)
			}
			return scoreErr
		}
		_, txErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, c.hashKey, key, data)
			return nil
		})
		return txErr
	}, c.namesKey)
	if err != nil {
		if errors.Is(err, ErrCacheDeleted) {
			return err
		}
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.client.HDel(ctx, c.hashKey, key).Result()
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return n > 0, nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	all, err := c.client.HGetAll(ctx, c.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.name, err)
	}

	type keyed struct {
		key      string
		storedAt time.Time
	}
	items := make([]keyed, 0, len(all))
	for k, v := range all {
		resp, decodeErr := decodeRedisEntry([]byte(v))
		if decodeErr != nil {
			continue
		}
		items = append(items, keyed{key: k, storedAt: resp.StoredAt})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].storedAt.Equal(items[j].storedAt) {
			return items[i].key < items[j].key
		}
		return items[i].storedAt.Before(items[j].storedAt)
	})

	keys := make([]string, len(items))
	for i := range items {
		keys[i] = items[i].key
	}
	return keys, nil
}

func decodeRedisEntry(raw []byte) (*Response, error) {
	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.Response == nil {
		return nil, errors.New("entry without response")
	}
	e.Response.Body = e.Body
	return e.Response, nil
}
