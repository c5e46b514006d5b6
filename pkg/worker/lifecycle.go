package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vihaar/vihaar-sw/pkg/cache"
)

// install precaches the app shell and clears caches of other generations.
// Both run concurrently; either failing makes the worker redundant.
func (w *Worker) install(ctx context.Context) error {
	if s := w.State(); s != StateParsed {
		return fmt.Errorf("worker %s: install in state %s", w.Version(), s)
	}
	start := time.Now()
	w.setState(StateInstalling)

	manifest, err := w.resolveAll(w.cfg.Cache.Precache)
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("worker %s: install: %w", w.Version(), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.batch.AddAll(gctx, w.names.AppShell, manifest)
	})
	g.Go(func() error {
		_, err := w.deleteStale(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		w.setState(StateRedundant)
		w.logger.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("worker %s: install: %w", w.Version(), err)
	}

	w.setState(StateInstalled)
	if w.cfg.Cache.SkipWaiting {
		w.skipWaiting.Store(true)
	}
	w.logger.Info().
		Int("precached", len(manifest)).
		Bool("skip_waiting", w.SkipWaitingRequested()).
		Dur("duration", time.Since(start)).
		Msg("Worker installed")
	return nil
}

// activate removes stale generations and claims every client. A failed
// cleanup is logged; it does not prevent activation.
func (w *Worker) activate(ctx context.Context) error {
	if s := w.State(); s != StateInstalled {
		return fmt.Errorf("worker %s: activate in state %s", w.Version(), s)
	}
	w.setState(StateActivating)

	if _, err := w.deleteStale(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("Stale cache cleanup failed during activation")
	}
	claimed := w.clients.Claim(w.Version())

	w.setState(StateActivated)
	w.logger.Info().Int("clients", claimed).Msg("Worker activated")
	return nil
}

// deleteStale deletes every cache that is not one of the four current names.
func (w *Worker) deleteStale(ctx context.Context) ([]string, error) {
	deleted, err := cache.DeleteWhere(ctx, w.storage, func(name string) bool {
		return !w.names.Contains(name)
	})
	if len(deleted) > 0 {
		w.logger.Info().Strs("caches", deleted).Msg("Deleted stale caches")
	}
	return deleted, err
}

func (w *Worker) resolveAll(refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		u, err := w.cfg.Resolve(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}
