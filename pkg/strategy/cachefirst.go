package strategy

import (
	"context"
	"net/http"

	"github.com/vihaar/vihaar-sw/pkg/cache"
)

// CacheFirstImage serves images from the images cache. A hit is returned at
// once and refreshed in the background; a miss goes to the network and falls
// back to a placeholder SVG when the network fails.
func (e *Engine) CacheFirstImage(ctx context.Context, req *http.Request) Result {
	key := cache.NewRequestKey(req)

	if entry, ok := e.match(ctx, e.names.Images, key); ok {
		e.logger.Debug().Str("url", key.URL).Msg("Image cache hit")
		e.refreshInBackground(ctx, e.names.Images, key, req)
		return Result{Response: cache.EntryToResponse(entry, req), Source: SourceCache}
	}

	entry, err := e.fetchEntry(ctx, key, req)
	if err != nil {
		e.logger.Debug().Err(err).Str("url", key.URL).Msg("Image fetch failed, serving placeholder")
		return Result{Response: ImagePlaceholder(req), Source: SourceFallback}
	}
	e.store(ctx, e.names.Images, key, entry)
	return Result{Response: cache.EntryToResponse(entry, req), Source: SourceNetwork}
}

// refreshInBackground re-fetches key and overwrites the cached copy when the
// response is 2xx. It is dropped when too many refreshes are in flight.
func (e *Engine) refreshInBackground(ctx context.Context, cacheName string, key cache.RequestKey, req *http.Request) {
	started := e.bg.TryGo(ctx, func(ctx context.Context) {
		entry, err := e.fetchEntry(ctx, key, req)
		switch {
		case err != nil:
			backgroundRefreshTotal.WithLabelValues("failed").Inc()
		case !entry.Storable():
			backgroundRefreshTotal.WithLabelValues("not_ok").Inc()
		case e.store(ctx, cacheName, key, entry):
			backgroundRefreshTotal.WithLabelValues("stored").Inc()
		default:
			backgroundRefreshTotal.WithLabelValues("failed").Inc()
		}
	})
	if !started {
		backgroundRefreshTotal.WithLabelValues("dropped").Inc()
		e.logger.Debug().Str("url", key.URL).Msg("Background refresh dropped")
	}
}

// CacheFirstStatic serves static assets from any cache and stores network
// copies in the runtime cache.
func (e *Engine) CacheFirstStatic(ctx context.Context, req *http.Request) Result {
	key := cache.NewRequestKey(req)

	if entry, ok := e.matchAny(ctx, key); ok {
		return Result{Response: cache.EntryToResponse(entry, req), Source: SourceCache}
	}

	entry, err := e.fetchEntry(ctx, key, req)
	if err != nil {
		e.logger.Debug().Err(err).Str("url", key.URL).Msg("Static fetch failed")
		return Result{Response: OfflineText(req), Source: SourceFallback}
	}
	e.store(ctx, e.names.Runtime, key, entry)
	return Result{Response: cache.EntryToResponse(entry, req), Source: SourceNetwork}
}
