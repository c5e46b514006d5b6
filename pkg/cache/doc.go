// Package cache is the named-cache store the worker's strategies read and
// write.
//
// A Storage holds any number of named caches. Each Cache maps a request
// identity (method and absolute URL) to an immutable response snapshot and
// remembers the order in which keys were written: Put on an existing key moves
// it to the end. The janitor relies on that order to evict the oldest images.
//
// Three backends implement the same contract:
//
//   - MemoryStorage: process-local, used by tests and single-node setups
//   - RedisStorage: shared between instances (hash of entries plus a sorted
//     set of write sequence numbers per cache)
//   - LevelDBStorage: on-disk, survives restarts
//
// # Basic Usage
//
//	store := cache.NewMemoryStorage()
//	images, err := store.Open(ctx, "vihaar-images-v3")
//	if err != nil {
//		return err
//	}
//
//	key, _ := cache.KeyFromURL("https://images.unsplash.com/photo-1.jpg")
//	entry, err := images.Match(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch, then images.Put(ctx, key, entry)
//	}
//
// # Responses
//
// ResponseToEntry buffers a live response body and restores it, so the caller
// can still hand the response on. EntryToResponse builds a fresh
// *http.Response on every call; two responses built from one entry never
// share a body reader.
//
// # Metrics
//
//   - vihaar_cache_operations_total{backend, operation, outcome}
package cache
