package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidEntry indicates a stored entry could not be decoded.
var ErrInvalidEntry = errors.New("invalid cache entry")

// RedisStorage keeps caches in Redis so several worker processes share them.
//
// Layout under prefix p:
//
//	p:seq              INCR counter for cache ids and write order
//	p:names            ZSET name -> creation sequence
//	p:ids              HASH name -> cache id
//	p:c:<id>:entries   HASH request key -> JSON entry
//	p:c:<id>:order     ZSET request key -> write sequence
type RedisStorage struct {
	redis  *redis.Client
	prefix string
	closed atomic.Bool
}

// NewRedisStorage creates a storage on an existing client. The client is
// owned by the caller.
func NewRedisStorage(redisClient *redis.Client, prefix string) *RedisStorage {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "vihaar:sw"
	}
	return &RedisStorage{redis: redisClient, prefix: prefix}
}

func (s *RedisStorage) seqKey() string   { return s.prefix + ":seq" }
func (s *RedisStorage) namesKey() string { return s.prefix + ":names" }
func (s *RedisStorage) idsKey() string   { return s.prefix + ":ids" }

func (s *RedisStorage) entriesKey(id string) string { return s.prefix + ":c:" + id + ":entries" }
func (s *RedisStorage) orderKey(id string) string   { return s.prefix + ":c:" + id + ":order" }

func (s *RedisStorage) lookupID(ctx context.Context, name string) (string, bool, error) {
	id, err := s.redis.HGet(ctx, s.idsKey(), name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget: %w", err)
	}
	return id, true, nil
}

func (s *RedisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if s.closed.Load() {
		return nil, ErrStorageClosed
	}
	id, ok, err := s.lookupID(ctx, name)
	if err != nil {
		observe(backendRedis, "open", err)
		return nil, err
	}
	if !ok {
		seq, err := s.redis.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			observe(backendRedis, "open", err)
			return nil, fmt.Errorf("redis incr: %w", err)
		}
		candidate := strconv.FormatInt(seq, 10)
		created, err := s.redis.HSetNX(ctx, s.idsKey(), name, candidate).Result()
		if err != nil {
			observe(backendRedis, "open", err)
			return nil, fmt.Errorf("redis hsetnx: %w", err)
		}
		if created {
			if err := s.redis.ZAdd(ctx, s.namesKey(), redis.Z{Score: float64(seq), Member: name}).Err(); err != nil {
				observe(backendRedis, "open", err)
				return nil, fmt.Errorf("redis zadd: %w", err)
			}
			id = candidate
		} else if id, _, err = s.lookupID(ctx, name); err != nil {
			// Lost the creation race; use the winner's id.
			observe(backendRedis, "open", err)
			return nil, err
		}
	}
	observe(backendRedis, "open", nil)
	return &redisCache{storage: s, name: name, id: id}, nil
}

func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	if s.closed.Load() {
		return false, ErrStorageClosed
	}
	_, ok, err := s.lookupID(ctx, name)
	return ok, err
}

func (s *RedisStorage) Names(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrStorageClosed
	}
	names, err := s.redis.ZRange(ctx, s.namesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return names, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	if s.closed.Load() {
		return false, ErrStorageClosed
	}
	id, ok, err := s.lookupID(ctx, name)
	if err != nil || !ok {
		observe(backendRedis, "delete_cache", err)
		return false, err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.idsKey(), name)
		pipe.ZRem(ctx, s.namesKey(), name)
		pipe.Del(ctx, s.entriesKey(id), s.orderKey(id))
		return nil
	})
	observe(backendRedis, "delete_cache", err)
	if err != nil {
		return false, fmt.Errorf("redis delete cache: %w", err)
	}
	return true, nil
}

// Close marks the storage closed. The redis client is left open.
func (s *RedisStorage) Close() error {
	s.closed.Store(true)
	return nil
}

type redisCache struct {
	storage *RedisStorage
	name    string
	id      string
}

func (c *redisCache) Name() string { return c.name }

func (c *redisCache) Match(ctx context.Context, key RequestKey) (*Entry, error) {
	if c.storage.closed.Load() {
		return nil, ErrStorageClosed
	}
	data, err := c.storage.redis.HGet(ctx, c.storage.entriesKey(c.id), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			observe(backendRedis, "match", ErrCacheMiss)
			return nil, ErrCacheMiss
		}
		observe(backendRedis, "match", err)
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		observe(backendRedis, "match", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	observe(backendRedis, "match", nil)
	return &entry, nil
}

// putRetries bounds the optimistic transaction in Put. The ids hash changes
// whenever a cache is created or deleted.
const putRetries = 5

func (c *redisCache) Put(ctx context.Context, key RequestKey, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if c.storage.closed.Load() {
		observe(backendRedis, "put", ErrStorageClosed)
		return ErrStorageClosed
	}

	stored := *entry
	stored.Key = key
	if stored.CachedAt.IsZero() {
		stored.CachedAt = time.Now()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		observe(backendRedis, "put", err)
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	seq, err := c.storage.redis.Incr(ctx, c.storage.seqKey()).Result()
	if err != nil {
		observe(backendRedis, "put", err)
		return fmt.Errorf("redis incr: %w", err)
	}
	member := key.String()

	// The write commits only if the name still maps to this handle's id when
	// EXEC runs, so a concurrent Delete never leaves orphaned keys behind.
	write := func(tx *redis.Tx) error {
		id, err := tx.HGet(ctx, c.storage.idsKey(), c.name).Result()
		if errors.Is(err, redis.Nil) || (err == nil && id != c.id) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("redis hget: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, c.storage.entriesKey(c.id), member, data)
			// ZADD overwrites the score, moving an existing key to the end.
			pipe.ZAdd(ctx, c.storage.orderKey(c.id), redis.Z{Score: float64(seq), Member: member})
			return nil
		})
		return err
	}

	for range putRetries {
		err = c.storage.redis.Watch(ctx, write, c.storage.idsKey())
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	observe(backendRedis, "put", err)
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (c *redisCache) Keys(ctx context.Context) ([]RequestKey, error) {
	if c.storage.closed.Load() {
		return nil, ErrStorageClosed
	}
	members, err := c.storage.redis.ZRange(ctx, c.storage.orderKey(c.id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	keys := make([]RequestKey, 0, len(members))
	for _, m := range members {
		k, err := ParseRequestKey(m)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (c *redisCache) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if c.storage.closed.Load() {
		return false, ErrStorageClosed
	}
	member := key.String()
	var removed *redis.IntCmd
	_, err := c.storage.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, c.storage.entriesKey(c.id), member)
		pipe.ZRem(ctx, c.storage.orderKey(c.id), member)
		return nil
	})
	observe(backendRedis, "delete", err)
	if err != nil {
		return false, fmt.Errorf("redis delete: %w", err)
	}
	return removed.Val() > 0, nil
}
