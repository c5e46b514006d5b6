package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vihaar/vihaar-sw/pkg/cache"
	"github.com/vihaar/vihaar-sw/pkg/fetch"
)

// ErrIncomplete is returned by AddAll when at least one URL could not be
// fetched with a 2xx status.
var ErrIncomplete = errors.New("precache incomplete")

var precacheResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vihaar_precache_results_total",
	Help: "Precache outcomes per URL",
}, []string{"outcome"}) // "stored", "skipped", "not_ok", "failed"

// Config holds batch configuration.
type Config struct {
	// MaxConcurrency bounds parallel fetches. Zero or less means one
	// goroutine per URL.
	MaxConcurrency int
}

// Outcome is the result for one URL.
type Outcome string

const (
	OutcomeStored  Outcome = "stored"
	OutcomeSkipped Outcome = "skipped"
	OutcomeNotOK   Outcome = "not_ok"
	OutcomeFailed  Outcome = "failed"
)

// Report summarises a best-effort run.
type Report struct {
	Outcomes map[string]Outcome
	Duration time.Duration
}

// Count returns how many URLs ended with outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, got := range r.Outcomes {
		if got == o {
			n++
		}
	}
	return n
}

// Batch precaches URL lists.
type Batch struct {
	storage cache.Storage
	fetcher fetch.Fetcher
	config  Config
}

// New creates a Batch.
func New(storage cache.Storage, fetcher fetch.Fetcher, cfg Config) *Batch {
	if storage == nil {
		panic("cache storage cannot be nil")
	}
	if fetcher == nil {
		panic("fetcher cannot be nil")
	}
	return &Batch{storage: storage, fetcher: fetcher, config: cfg}
}

func (b *Batch) workers(n int) int {
	if b.config.MaxConcurrency > 0 && b.config.MaxConcurrency < n {
		return b.config.MaxConcurrency
	}
	return n
}

type job struct {
	url string
}

type result struct {
	url     string
	outcome Outcome
}

// Precache stores every URL not already present in cacheName. URLs must be
// absolute. Only a failure to open the cache is returned as an error.
func (b *Batch) Precache(ctx context.Context, cacheName string, urls []string) (Report, error) {
	start := time.Now()
	report := Report{Outcomes: make(map[string]Outcome, len(urls))}
	if len(urls) == 0 {
		return report, nil
	}

	c, err := b.storage.Open(ctx, cacheName)
	if err != nil {
		return report, fmt.Errorf("open %s: %w", cacheName, err)
	}

	queue := make(chan job, len(urls))
	results := make(chan result, len(urls))
	for _, u := range urls {
		queue <- job{url: u}
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < b.workers(len(urls)); i++ {
		wg.Add(1)
		go b.worker(ctx, c, queue, results, &wg)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		report.Outcomes[r.url] = r.outcome
		precacheResultsTotal.WithLabelValues(string(r.outcome)).Inc()
	}
	report.Duration = time.Since(start)

	log.Debug().
		Str("cache", cacheName).
		Int("stored", report.Count(OutcomeStored)).
		Int("skipped", report.Count(OutcomeSkipped)).
		Int("failed", report.Count(OutcomeFailed)+report.Count(OutcomeNotOK)).
		Dur("duration", report.Duration).
		Msg("Precache batch complete")
	return report, nil
}

func (b *Batch) worker(ctx context.Context, c cache.Cache, queue <-chan job, results chan<- result, wg *sync.WaitGroup) {
	defer wg.Done()
	for j := range queue {
		select {
		case <-ctx.Done():
			results <- result{url: j.url, outcome: OutcomeFailed}
			continue
		default:
		}
		results <- result{url: j.url, outcome: b.precacheOne(ctx, c, j.url)}
	}
}

func (b *Batch) precacheOne(ctx context.Context, c cache.Cache, rawURL string) Outcome {
	key, err := cache.KeyFromURL(rawURL)
	if err != nil {
		log.Warn().Err(err).Str("url", rawURL).Msg("Precache skipped invalid URL")
		return OutcomeFailed
	}
	if _, err := c.Match(ctx, key); err == nil {
		return OutcomeSkipped
	}

	entry, err := b.fetchEntry(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("url", rawURL).Msg("Precache fetch failed")
		return OutcomeFailed
	}
	if !entry.Storable() {
		return OutcomeNotOK
	}
	if err := c.Put(ctx, key, entry); err != nil {
		log.Warn().Err(err).Str("url", rawURL).Str("cache", c.Name()).Msg("Precache write failed")
		return OutcomeFailed
	}
	return OutcomeStored
}

func (b *Batch) fetchEntry(ctx context.Context, key cache.RequestKey) (*cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, key.Method, key.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := b.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return cache.ResponseToEntry(key, resp)
}

// AddAll fetches every URL and stores them only if all succeeded with a 2xx.
// The first failure cancels the remaining fetches.
func (b *Batch) AddAll(ctx context.Context, cacheName string, urls []string) error {
	entries := make([]*cache.Entry, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	if b.config.MaxConcurrency > 0 {
		g.SetLimit(b.config.MaxConcurrency)
	}
	for i, rawURL := range urls {
		g.Go(func() error {
			key, err := cache.KeyFromURL(rawURL)
			if err != nil {
				return err
			}
			entry, err := b.fetchEntry(gctx, key)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", rawURL, err)
			}
			if !entry.Storable() {
				return fmt.Errorf("fetch %s: status %d", rawURL, entry.Status)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		precacheResultsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		return fmt.Errorf("%w: %w", ErrIncomplete, err)
	}

	c, err := b.storage.Open(ctx, cacheName)
	if err != nil {
		return fmt.Errorf("open %s: %w", cacheName, err)
	}
	for _, entry := range entries {
		if err := c.Put(ctx, entry.Key, entry); err != nil {
			return fmt.Errorf("%w: store %s: %w", ErrIncomplete, entry.Key.URL, err)
		}
		precacheResultsTotal.WithLabelValues(string(OutcomeStored)).Inc()
	}
	return nil
}
