package strategy

import (
	"context"
	"net/http"

	"github.com/vihaar/vihaar-sw/pkg/cache"
	"github.com/vihaar/vihaar-sw/pkg/fetch"
)

// NetworkFirstAPI tries the network under the API timeout, which covers both
// headers and body. On timeout or network failure the cached copy is served,
// or an offline JSON 503 when there is none.
func (e *Engine) NetworkFirstAPI(ctx context.Context, req *http.Request) Result {
	key := cache.NewRequestKey(req)

	fetchCtx, cancel := context.WithTimeout(ctx, e.apiTimeout)
	entry, err := e.fetchEntry(fetchCtx, key, req)
	cancel()

	if err == nil {
		e.store(ctx, e.names.API, key, entry)
		return Result{Response: cache.EntryToResponse(entry, req), Source: SourceNetwork}
	}

	e.logger.Debug().
		Err(err).
		Str("url", key.URL).
		Bool("timeout", fetch.IsTimeout(err)).
		Msg("API network attempt failed")

	if cached, ok := e.match(ctx, e.names.API, key); ok {
		return Result{Response: cache.EntryToResponse(cached, req), Source: SourceCache}
	}
	return Result{Response: OfflineJSON(req), Source: SourceFallback}
}
