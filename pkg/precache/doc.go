// Package precache fetches lists of URLs into a named cache.
//
// Two modes exist:
//
//   - Precache is best effort. URLs already cached are skipped, the rest are
//     fetched by a bounded worker pool, and per-URL failures are logged and
//     swallowed. Control messages (PRECACHE_IMAGES, PRECACHE_ROUTES) use it.
//   - AddAll is all-or-nothing. Every URL is fetched first; if any fetch
//     fails or answers non-2xx nothing is written and ErrIncomplete is
//     returned. Worker install uses it for the app shell manifest.
//
// Example usage:
//
//	batch := precache.New(storage, fetcher, precache.Config{MaxConcurrency: 8})
//	report, err := batch.Precache(ctx, names.Images, urls)
package precache
