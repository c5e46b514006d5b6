package strategy

import (
	"context"
	"net/http"

	"github.com/vihaar/vihaar-sw/pkg/cache"
)

type networkOutcome struct {
	entry *cache.Entry
	err   error
}

// StaleWhileRevalidate starts the network fetch immediately and serves the
// cached copy from cacheName if there is one; the fetch then completes in the
// background and refreshes the cache. Without a cached copy the fetch result
// is awaited. When that fails too, navigations get the cached offline page
// and everything else a 503.
func (e *Engine) StaleWhileRevalidate(ctx context.Context, req *http.Request, cacheName string, navigation bool) Result {
	key := cache.NewRequestKey(req)

	done := make(chan networkOutcome, 1)
	e.bg.Go(ctx, func(ctx context.Context) {
		entry, err := e.fetchEntry(ctx, key, req)
		if err == nil {
			e.store(ctx, cacheName, key, entry)
		}
		done <- networkOutcome{entry: entry, err: err}
	})

	if cached, ok := e.match(ctx, cacheName, key); ok {
		return Result{Response: cache.EntryToResponse(cached, req), Source: SourceCache}
	}

	var outcome networkOutcome
	select {
	case outcome = <-done:
	case <-ctx.Done():
		outcome = networkOutcome{err: ctx.Err()}
	}
	if outcome.err == nil {
		return Result{Response: cache.EntryToResponse(outcome.entry, req), Source: SourceNetwork}
	}

	e.logger.Debug().Err(outcome.err).Str("url", key.URL).Bool("navigation", navigation).Msg("Revalidation fetch failed with nothing cached")
	if navigation {
		if page, ok := e.offlinePageEntry(ctx); ok {
			return Result{Response: cache.EntryToResponse(page, req), Source: SourceFallback}
		}
	}
	return Result{Response: OfflineText(req), Source: SourceFallback}
}

func (e *Engine) offlinePageEntry(ctx context.Context) (*cache.Entry, bool) {
	if e.offlinePage == "" {
		return nil, false
	}
	key, err := cache.KeyFromURL(e.offlinePage)
	if err != nil {
		return nil, false
	}
	return e.matchAny(ctx, key)
}
