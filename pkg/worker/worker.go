// Package worker runs cache generations as actors.
//
// A Worker owns one cache generation (one config.Config). Events arrive on a
// mailbox drained by a single loop: install and activate are handled on the
// loop itself and therefore never overlap, while fetch, message, periodic
// sync, push and notification click events each get their own goroutine.
//
// A Registration holds the active, waiting and installing workers and rolls
// out new generations.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vihaar/vihaar-sw/pkg/cache"
	"github.com/vihaar/vihaar-sw/pkg/config"
	"github.com/vihaar/vihaar-sw/pkg/fetch"
	"github.com/vihaar/vihaar-sw/pkg/logging"
	"github.com/vihaar/vihaar-sw/pkg/precache"
	"github.com/vihaar/vihaar-sw/pkg/router"
	"github.com/vihaar/vihaar-sw/pkg/strategy"
)

var (
	// ErrWorkerClosed is returned for events sent to a closed worker.
	ErrWorkerClosed = errors.New("worker closed")

	// ErrNoActiveWorker is returned when no generation controls requests yet.
	ErrNoActiveWorker = errors.New("no active worker")
)

// State is the worker lifecycle state.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Worker.
type Options struct {
	Config   config.Config
	Storage  cache.Storage
	Fetcher  fetch.Fetcher
	Clients  *Clients
	Notifier Notifier

	// OnSkipWaiting is called when a SKIP_WAITING message reaches the worker.
	OnSkipWaiting func(ctx context.Context, w *Worker) error

	// Now is the clock used by the janitor. Defaults to time.Now.
	Now func() time.Time
}

// Worker is one cache generation.
type Worker struct {
	cfg        config.Config
	names      config.CacheNames
	storage    cache.Storage
	classifier *router.Classifier
	engine     *strategy.Engine
	batch      *precache.Batch
	bg         *strategy.Background
	clients    *Clients
	notifier   Notifier
	onSkip     func(ctx context.Context, w *Worker) error
	now        func() time.Time
	logger     zerolog.Logger

	state       atomic.Int32
	skipWaiting atomic.Bool

	mailbox   chan envelope
	quit      chan struct{}
	stopped   chan struct{}
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// New parses cfg into a worker in state parsed and starts its mailbox loop.
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("worker: storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("worker: fetcher is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	offlinePage := ""
	if opts.Config.Routing.OfflinePage != "" {
		resolved, err := opts.Config.Resolve(opts.Config.Routing.OfflinePage)
		if err != nil {
			return nil, fmt.Errorf("worker: offline page: %w", err)
		}
		offlinePage = resolved
	}
	if opts.Clients == nil {
		opts.Clients = NewClients()
	}
	if opts.Notifier == nil {
		opts.Notifier = NewLogNotifier()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cfg := opts.Config
	logger := logging.ForGeneration("worker", cfg.Cache.Version)
	bg := strategy.NewBackground(cfg.Fetch.BackgroundLimit)

	w := &Worker{
		cfg:        cfg,
		names:      cfg.Cache.Names(),
		storage:    opts.Storage,
		classifier: router.New(cfg.Routing),
		engine: strategy.New(strategy.Options{
			Storage:     opts.Storage,
			Fetcher:     opts.Fetcher,
			Names:       cfg.Cache.Names(),
			APITimeout:  cfg.Cache.APITimeout,
			OfflinePage: offlinePage,
			Background:  bg,
			Logger:      &logger,
		}),
		batch:    precache.New(opts.Storage, opts.Fetcher, precache.Config{MaxConcurrency: cfg.Cache.PrecacheConcurrency}),
		bg:       bg,
		clients:  opts.Clients,
		notifier: opts.Notifier,
		onSkip:   opts.OnSkipWaiting,
		now:      opts.Now,
		logger:   logger,
		mailbox:  make(chan envelope),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	w.setState(StateParsed)
	go w.run()
	return w, nil
}

// Version is the cache version this worker serves.
func (w *Worker) Version() string {
	return w.cfg.Cache.Version
}

// Config returns the worker's configuration snapshot.
func (w *Worker) Config() config.Config {
	return w.cfg
}

// Names returns the worker's cache names.
func (w *Worker) Names() config.CacheNames {
	return w.names
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

// SkipWaitingRequested reports whether the worker asked to be activated
// without waiting for the previous generation to go away.
func (w *Worker) SkipWaitingRequested() bool {
	return w.skipWaiting.Load()
}

func (w *Worker) setState(s State) {
	prev := State(w.state.Swap(int32(s)))
	workerState.WithLabelValues(w.Version()).Set(float64(s))
	if prev != s {
		w.logger.Debug().Str("from", prev.String()).Str("state", s.String()).Msg("Worker state changed")
	}
}

func (w *Worker) run() {
	defer close(w.stopped)
	for {
		select {
		case env := <-w.mailbox:
			if serialized(env.event) {
				w.handle(env)
				continue
			}
			w.inflight.Add(1)
			go func() {
				defer w.inflight.Done()
				w.handle(env)
			}()
		case <-w.quit:
			return
		}
	}
}

func (w *Worker) handle(env envelope) {
	var out outcome
	switch ev := env.event.(type) {
	case InstallEvent:
		out.err = w.install(env.ctx)
	case ActivateEvent:
		out.err = w.activate(env.ctx)
	case FetchEvent:
		out.value = w.fetch(env.ctx, ev.Request)
	case MessageEvent:
		out.value = w.message(env.ctx, ev.Message)
	case PeriodicSyncEvent:
		out.value, out.err = w.periodicSync(env.ctx, ev.Tag)
	case PushEvent:
		out.err = w.push(env.ctx, ev.Data)
	case NotificationClickEvent:
		out.err = w.notificationClick(env.ctx, ev.Notification)
	default:
		out.err = fmt.Errorf("worker: unsupported event %T", ev)
	}
	env.reply <- out
}

// Dispatch delivers ev and waits for its handler to finish.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (any, error) {
	env := envelope{ctx: ctx, event: ev, reply: make(chan outcome, 1)}
	select {
	case w.mailbox <- env:
	case <-w.quit:
		return nil, ErrWorkerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-env.reply:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) Install(ctx context.Context) error {
	_, err := w.Dispatch(ctx, InstallEvent{})
	return err
}

func (w *Worker) Activate(ctx context.Context) error {
	_, err := w.Dispatch(ctx, ActivateEvent{})
	return err
}

// Fetch answers an intercepted request. req.URL must be absolute.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (strategy.Result, error) {
	v, err := w.Dispatch(ctx, FetchEvent{Request: req})
	if err != nil {
		return strategy.Result{}, err
	}
	return v.(strategy.Result), nil
}

// PostMessage delivers a control message and returns the reply.
func (w *Worker) PostMessage(ctx context.Context, msg Message) (Reply, error) {
	v, err := w.Dispatch(ctx, MessageEvent{Message: msg})
	if err != nil {
		return Reply{}, err
	}
	return v.(Reply), nil
}

// PeriodicSync fires a periodic sync tag. Unknown tags are ignored.
func (w *Worker) PeriodicSync(ctx context.Context, tag string) (CleanupReport, error) {
	v, err := w.Dispatch(ctx, PeriodicSyncEvent{Tag: tag})
	report, _ := v.(CleanupReport)
	return report, err
}

func (w *Worker) Push(ctx context.Context, data []byte) error {
	_, err := w.Dispatch(ctx, PushEvent{Data: data})
	return err
}

func (w *Worker) NotificationClick(ctx context.Context, n Notification) error {
	_, err := w.Dispatch(ctx, NotificationClickEvent{Notification: n})
	return err
}

// Close makes the worker redundant. It stops accepting events, waits for
// in-flight handlers and cancels background refreshes.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		w.setState(StateRedundant)
		close(w.quit)
		<-w.stopped
		w.inflight.Wait()
		w.bg.Close()
		w.logger.Info().Msg("Worker redundant")
	})
}

func (w *Worker) fetch(ctx context.Context, req *http.Request) strategy.Result {
	if w.State() != StateActivated {
		return w.engine.Handle(ctx, router.ClassBypass, req)
	}
	class := w.classifier.Classify(req)
	res := w.engine.Handle(ctx, class, req)
	w.logger.Debug().
		Str("url", req.URL.String()).
		Str("class", string(class)).
		Str("source", string(res.Source)).
		Int("status", res.Response.StatusCode).
		Msg("Fetch handled")
	return res
}
