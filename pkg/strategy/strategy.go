// Package strategy implements the per-class caching policies: cache-first for
// images and static assets, network-first with a timeout for the API, and
// stale-while-revalidate for navigations and everything else.
//
// Every strategy returns a well-formed response. Network failures are
// recovered inside the strategy; cache write failures are logged and
// otherwise ignored. Only 2xx responses are ever stored.
package strategy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vihaar/vihaar-sw/pkg/cache"
	"github.com/vihaar/vihaar-sw/pkg/config"
	"github.com/vihaar/vihaar-sw/pkg/fetch"
	"github.com/vihaar/vihaar-sw/pkg/router"
)

var (
	strategyResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vihaar_strategy_responses_total",
		Help: "Responses produced by the caching strategies by route and source",
	}, []string{"route", "source"})

	backgroundRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vihaar_background_refresh_total",
		Help: "Background cache refreshes by result",
	}, []string{"result"}) // "stored", "not_ok", "failed", "dropped"
)

// Source tells where a response came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
	SourceBypass   Source = "bypass"
)

// Result is a strategy outcome. Response is never nil.
type Result struct {
	Response *http.Response
	Source   Source
}

// Options configures an Engine.
type Options struct {
	Storage cache.Storage
	Fetcher fetch.Fetcher
	Names   config.CacheNames

	// APITimeout bounds the whole API network attempt, body included.
	APITimeout time.Duration

	// OfflinePage is the absolute URL served to failed navigations.
	OfflinePage string

	// Background runs detached refreshes. Defaults to an unbounded spawner.
	Background *Background

	Logger *zerolog.Logger
}

// Engine applies the strategies for one cache generation.
type Engine struct {
	storage     cache.Storage
	fetcher     fetch.Fetcher
	names       config.CacheNames
	apiTimeout  time.Duration
	offlinePage string
	bg          *Background
	logger      zerolog.Logger
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Storage == nil {
		panic("cache storage cannot be nil")
	}
	if opts.Fetcher == nil {
		panic("fetcher cannot be nil")
	}
	if opts.Background == nil {
		opts.Background = NewBackground(0)
	}
	if opts.APITimeout <= 0 {
		opts.APITimeout = 3 * time.Second
	}
	logger := log.With().Str("component", "strategy").Logger()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "strategy").Logger()
	}
	return &Engine{
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		names:       opts.Names,
		apiTimeout:  opts.APITimeout,
		offlinePage: opts.OfflinePage,
		bg:          opts.Background,
		logger:      logger,
	}
}

// Handle dispatches req to the strategy for class. Bypass requests go
// straight to the network; a failed bypass fetch yields a 502.
func (e *Engine) Handle(ctx context.Context, class router.Class, req *http.Request) Result {
	var res Result
	switch class {
	case router.ClassImage:
		res = e.CacheFirstImage(ctx, req)
	case router.ClassStatic:
		res = e.CacheFirstStatic(ctx, req)
	case router.ClassAPI:
		res = e.NetworkFirstAPI(ctx, req)
	case router.ClassNavigation:
		res = e.StaleWhileRevalidate(ctx, req, e.names.AppShell, true)
	case router.ClassOther:
		res = e.StaleWhileRevalidate(ctx, req, e.names.Runtime, false)
	default:
		resp, err := e.Passthrough(ctx, req)
		if err != nil {
			e.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Bypass fetch failed")
			resp = syntheticResponse(req, http.StatusBadGateway, "text/plain; charset=utf-8", []byte("Bad Gateway"))
		}
		res = Result{Response: resp, Source: SourceBypass}
	}
	strategyResponsesTotal.WithLabelValues(string(class), string(res.Source)).Inc()
	return res
}

// Passthrough fetches req without touching any cache. The response body is
// streamed, not buffered.
func (e *Engine) Passthrough(ctx context.Context, req *http.Request) (*http.Response, error) {
	return e.fetcher.Fetch(ctx, req)
}

// fetchEntry performs a network fetch and buffers the body into an entry.
func (e *Engine) fetchEntry(ctx context.Context, key cache.RequestKey, req *http.Request) (*cache.Entry, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return cache.ResponseToEntry(key, resp)
}

// store writes entry to the named cache when it is 2xx. Failures are logged.
func (e *Engine) store(ctx context.Context, cacheName string, key cache.RequestKey, entry *cache.Entry) bool {
	if !entry.Storable() {
		return false
	}
	c, err := e.storage.Open(ctx, cacheName)
	if err == nil {
		err = c.Put(ctx, key, entry)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("cache", cacheName).Str("url", key.URL).Msg("Cache write failed")
		return false
	}
	return true
}

// match looks key up in one cache. Storage errors count as a miss.
func (e *Engine) match(ctx context.Context, cacheName string, key cache.RequestKey) (*cache.Entry, bool) {
	c, err := e.storage.Open(ctx, cacheName)
	if err != nil {
		e.logger.Warn().Err(err).Str("cache", cacheName).Msg("Cache open failed")
		return nil, false
	}
	entry, err := c.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.Warn().Err(err).Str("cache", cacheName).Str("url", key.URL).Msg("Cache read failed")
		}
		return nil, false
	}
	return entry, true
}

func (e *Engine) matchAny(ctx context.Context, key cache.RequestKey) (*cache.Entry, bool) {
	entry, _, err := cache.MatchAny(ctx, e.storage, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.Warn().Err(err).Str("url", key.URL).Msg("Cross-cache read failed")
		}
		return nil, false
	}
	return entry, true
}
