package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrCacheMiss indicates the requested key is not in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrStorageClosed is returned by every operation after Close.
	ErrStorageClosed = errors.New("cache storage closed")
)

// Storage is a set of named caches.
type Storage interface {
	// Open returns the named cache, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)

	// Has reports whether a cache with that name exists.
	Has(ctx context.Context, name string) (bool, error)

	// Names lists caches in creation order.
	Names(ctx context.Context) ([]string, error)

	// Delete removes a cache and all of its entries. Handles obtained before
	// the delete become detached: reads miss and writes are discarded.
	Delete(ctx context.Context, name string) (bool, error)

	Close() error
}

// Cache is one named cache.
type Cache interface {
	Name() string

	// Match returns a copy of the stored entry or ErrCacheMiss.
	Match(ctx context.Context, key RequestKey) (*Entry, error)

	// Put stores entry under key, replacing and re-ordering any previous one.
	Put(ctx context.Context, key RequestKey, entry *Entry) error

	// Keys lists keys in write order, oldest first.
	Keys(ctx context.Context) ([]RequestKey, error)

	Delete(ctx context.Context, key RequestKey) (bool, error)
}

// MatchAny searches every cache in creation order and returns the first hit
// together with the name of the cache that held it.
func MatchAny(ctx context.Context, s Storage, key RequestKey) (*Entry, string, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, name := range names {
		c, err := s.Open(ctx, name)
		if err != nil {
			return nil, "", err
		}
		entry, err := c.Match(ctx, key)
		if err == nil {
			return entry, name, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			return nil, "", fmt.Errorf("match in %s: %w", name, err)
		}
	}
	return nil, "", ErrCacheMiss
}

// DeleteWhere deletes, concurrently, every cache for which drop returns true.
// It returns the deleted names; failures are joined.
func DeleteWhere(ctx context.Context, s Storage, drop func(name string) bool) ([]string, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		deleted []string
		errs    []error
	)
	var g errgroup.Group
	for _, name := range names {
		if !drop(name) {
			continue
		}
		g.Go(func() error {
			ok, err := s.Delete(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("delete cache %s: %w", name, err))
				return nil
			}
			if ok {
				deleted = append(deleted, name)
			}
			return nil
		})
	}
	_ = g.Wait()
	return deleted, errors.Join(errs...)
}

// DeleteAll deletes every cache.
func DeleteAll(ctx context.Context, s Storage) ([]string, error) {
	return DeleteWhere(ctx, s, func(string) bool { return true })
}
