package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vihaar/vihaar-sw/pkg/cache"
	"github.com/vihaar/vihaar-sw/pkg/config"
)

// TagCacheCleanup is the periodic sync tag that runs the janitor.
const TagCacheCleanup = "cache-cleanup"

// CleanupReport counts what one janitor run removed.
type CleanupReport struct {
	ImagesEvicted int
	APIExpired    int
}

func (w *Worker) periodicSync(ctx context.Context, tag string) (CleanupReport, error) {
	if tag != TagCacheCleanup {
		w.logger.Debug().Str("tag", tag).Msg("Ignoring unknown periodic sync tag")
		return CleanupReport{}, nil
	}
	return w.cleanup(ctx)
}

// cleanup caps the images cache and expires API entries. Failures on single
// entries do not stop a pass; all of them are returned joined.
func (w *Worker) cleanup(ctx context.Context) (CleanupReport, error) {
	start := time.Now()
	var report CleanupReport

	evicted, imgErr := w.trimImages(ctx)
	report.ImagesEvicted = evicted
	expired, apiErr := w.expireAPI(ctx)
	report.APIExpired = expired

	janitorEvictionsTotal.WithLabelValues("images").Add(float64(evicted))
	janitorEvictionsTotal.WithLabelValues("api").Add(float64(expired))

	err := errors.Join(imgErr, apiErr)
	level := zerolog.InfoLevel
	if err != nil {
		level = zerolog.WarnLevel
	}
	w.logger.WithLevel(level).Err(err).
		Int("images_evicted", report.ImagesEvicted).
		Int("api_expired", report.APIExpired).
		Dur("duration", time.Since(start)).
		Msg("Cache cleanup finished")
	return report, err
}

// openExisting opens name only if it exists, so that cleanup never creates
// caches.
func (w *Worker) openExisting(ctx context.Context, name string) (cache.Cache, bool, error) {
	ok, err := w.storage.Has(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	c, err := w.storage.Open(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// trimImages keeps the newest ImageLimit entries. A limit of zero disables
// the pass.
func (w *Worker) trimImages(ctx context.Context) (int, error) {
	limit := w.cfg.Cache.ImageLimit
	if limit <= 0 {
		return 0, nil
	}
	c, ok, err := w.openExisting(ctx, w.names.Images)
	if err != nil {
		return 0, fmt.Errorf("images pass: %w", err)
	}
	if !ok {
		return 0, nil
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("images pass: %w", err)
	}
	if len(keys) <= limit {
		return 0, nil
	}

	var errs []error
	evicted := 0
	for _, key := range keys[:len(keys)-limit] {
		deleted, err := c.Delete(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("evict %s: %w", key.URL, err))
			continue
		}
		if deleted {
			evicted++
		}
	}
	return evicted, errors.Join(errs...)
}

// expireAPI deletes API entries whose Date header is older than the API TTL.
// Entries without a parseable Date are kept.
func (w *Worker) expireAPI(ctx context.Context) (int, error) {
	c, ok, err := w.openExisting(ctx, w.names.API)
	if err != nil {
		return 0, fmt.Errorf("api pass: %w", err)
	}
	if !ok {
		return 0, nil
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("api pass: %w", err)
	}

	ttl := config.Seconds(w.cfg.Cache.TTL.API)
	now := w.now()
	var errs []error
	expired := 0
	for _, key := range keys {
		entry, err := c.Match(ctx, key)
		if err != nil {
			if !errors.Is(err, cache.ErrCacheMiss) {
				errs = append(errs, fmt.Errorf("read %s: %w", key.URL, err))
			}
			continue
		}
		age, ok := entry.Age(now)
		if !ok || age <= ttl {
			continue
		}
		deleted, err := c.Delete(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", key.URL, err))
			continue
		}
		if deleted {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

// RunPeriodicSync fires tag through sync every interval until ctx is done.
// A non-positive interval returns immediately.
func RunPeriodicSync(ctx context.Context, interval time.Duration, tag string, sync func(ctx context.Context, tag string) error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sync(ctx, tag); err != nil {
				log.Warn().Err(err).Str("tag", tag).Msg("Periodic sync failed")
			}
		}
	}
}
