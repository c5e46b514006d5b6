package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the loader's files when they change. Stop must be called to
// release filesystem resources.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// Watch re-runs Load whenever one of the loader's files is written or
// replaced, and hands every successfully validated snapshot to onChange.
// Invalid snapshots are reported to onError and the previous config stays in
// effect.
func (l *Loader) Watch(ctx context.Context, onChange func(Config), onError func(error)) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch requires a change callback")
	}
	targets := map[string]struct{}{}
	for _, f := range l.files {
		if f == "" {
			continue
		}
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("config: resolve %s: %w", f, err)
		}
		targets[filepath.Clean(abs)] = struct{}{}
	}
	if len(targets) == 0 {
		return nil, errors.New("config: no config files to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	// Watch directories so editors that replace files atomically are seen.
	dirs := map[string]struct{}{}
	for target := range targets {
		dir := filepath.Dir(target)
		if _, ok := dirs[dir]; ok {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("config: watch add %s: %w", dir, err)
		}
		dirs[dir] = struct{}{}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w := &Watcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch close: %w", err))
			}
		}()

		const debounce = 50 * time.Millisecond
		var timer *time.Timer
		var fire <-chan time.Time
		schedule := func() {
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			fire = timer.C
		}
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-fire:
				fire = nil
				cfg, err := l.Load(watchCtx)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					if onError != nil {
						onError(err)
					}
					continue
				}
				onChange(cfg)
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if _, watched := targets[filepath.Clean(event.Name)]; !watched {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					schedule()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return w, nil
}
