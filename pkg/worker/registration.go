package worker

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vihaar/vihaar-sw/pkg/cache"
	"github.com/vihaar/vihaar-sw/pkg/config"
	"github.com/vihaar/vihaar-sw/pkg/fetch"
	"github.com/vihaar/vihaar-sw/pkg/logging"
	"github.com/vihaar/vihaar-sw/pkg/strategy"
)

// RegistrationOptions holds what every worker generation shares.
type RegistrationOptions struct {
	Storage  cache.Storage
	Fetcher  fetch.Fetcher
	Clients  *Clients
	Notifier Notifier
	Now      func() time.Time
}

// Status describes the registration for the status endpoint.
type Status struct {
	Active     string `json:"active,omitempty"`
	State      string `json:"state"`
	Waiting    string `json:"waiting,omitempty"`
	Installing string `json:"installing,omitempty"`
}

// Registration owns the worker generations for one origin.
type Registration struct {
	opts   RegistrationOptions
	logger zerolog.Logger

	// updateMu serializes installs and promotions.
	updateMu sync.Mutex

	mu         sync.RWMutex
	active     *Worker
	waiting    *Worker
	installing *Worker
	closed     bool
}

func NewRegistration(opts RegistrationOptions) *Registration {
	if opts.Clients == nil {
		opts.Clients = NewClients()
	}
	if opts.Notifier == nil {
		opts.Notifier = NewLogNotifier()
	}
	return &Registration{
		opts:   opts,
		logger: logging.NewLogger("registration"),
	}
}

// Clients returns the client registry shared by all generations.
func (r *Registration) Clients() *Clients {
	return r.opts.Clients
}

// Register installs the first generation. It behaves like Update.
func (r *Registration) Register(ctx context.Context, cfg config.Config) error {
	return r.Update(ctx, cfg)
}

// Update rolls out cfg as a new generation. The new worker is installed,
// then either activated right away (no active worker, or skip-waiting
// requested) or parked as waiting. A config identical to the newest
// generation's is ignored.
func (r *Registration) Update(ctx context.Context, cfg config.Config) error {
	var retired []*Worker
	defer func() { retire(retired) }()

	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.RLock()
	closed := r.closed
	newest := r.waiting
	if newest == nil {
		newest = r.active
	}
	r.mu.RUnlock()
	if closed {
		return ErrWorkerClosed
	}
	if newest != nil && reflect.DeepEqual(newest.Config(), cfg) {
		r.logger.Debug().Str("version", cfg.Cache.Version).Msg("Configuration unchanged, no update")
		return nil
	}

	w, err := New(Options{
		Config:        cfg,
		Storage:       r.opts.Storage,
		Fetcher:       r.opts.Fetcher,
		Clients:       r.opts.Clients,
		Notifier:      r.opts.Notifier,
		OnSkipWaiting: r.skipWaiting,
		Now:           r.opts.Now,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()

	err = w.Install(ctx)

	r.mu.Lock()
	r.installing = nil
	hasActive := r.active != nil
	closed = r.closed
	r.mu.Unlock()

	if err != nil {
		retired = append(retired, w)
		return err
	}
	if closed {
		retired = append(retired, w)
		return ErrWorkerClosed
	}

	if !hasActive || w.SkipWaitingRequested() {
		old, err := r.promote(ctx, w)
		if old != nil {
			retired = append(retired, old)
		}
		if err != nil {
			retired = append(retired, w)
		}
		return err
	}

	r.mu.Lock()
	previous := r.waiting
	r.waiting = w
	r.mu.Unlock()
	if previous != nil {
		retired = append(retired, previous)
	}
	r.logger.Info().Str("version", w.Version()).Msg("New generation waiting")
	r.opts.Clients.Broadcast(ClientEvent{Type: ClientUpdateReady, Version: w.Version()})
	return nil
}

// promote activates w and makes it the active worker. The replaced worker is
// returned for the caller to retire once updateMu is released.
func (r *Registration) promote(ctx context.Context, w *Worker) (*Worker, error) {
	if err := w.Activate(ctx); err != nil {
		r.mu.Lock()
		if r.waiting == w {
			r.waiting = nil
		}
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	old := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	r.mu.Unlock()

	from := ""
	if old != nil {
		from = old.Version()
	}
	r.logger.Info().Str("from", from).Str("version", w.Version()).Msg("Generation activated")
	return old, nil
}

// skipWaiting promotes w if it is the waiting worker. It is installed as the
// SKIP_WAITING hook of every worker; a request that arrives while w is still
// installing is picked up by Update through SkipWaitingRequested.
func (r *Registration) skipWaiting(ctx context.Context, w *Worker) error {
	var retired []*Worker
	defer func() { retire(retired) }()

	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.RLock()
	isWaiting := r.waiting == w
	r.mu.RUnlock()
	if !isWaiting {
		return nil
	}
	old, err := r.promote(ctx, w)
	if old != nil {
		retired = append(retired, old)
	}
	return err
}

// SkipWaiting promotes the waiting worker, if any.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.mu.RLock()
	w := r.waiting
	r.mu.RUnlock()
	if w == nil {
		return nil
	}
	return r.skipWaiting(ctx, w)
}

func retire(workers []*Worker) {
	for _, w := range workers {
		w.Close()
	}
}

// Active returns the controlling worker or nil.
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the waiting worker or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

func (r *Registration) current() (*Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrWorkerClosed
	}
	if r.active == nil {
		return nil, ErrNoActiveWorker
	}
	return r.active, nil
}

// Fetch routes req to the active worker. A worker retired between lookup
// and delivery is retried once against its successor.
func (r *Registration) Fetch(ctx context.Context, req *http.Request) (strategy.Result, error) {
	for attempt := 0; ; attempt++ {
		w, err := r.current()
		if err != nil {
			return strategy.Result{}, err
		}
		res, err := w.Fetch(ctx, req)
		if errors.Is(err, ErrWorkerClosed) && attempt == 0 {
			continue
		}
		return res, err
	}
}

// PostMessage delivers msg to the active worker. SKIP_WAITING goes to the
// waiting worker when there is one.
func (r *Registration) PostMessage(ctx context.Context, msg Message) (Reply, error) {
	r.mu.RLock()
	target := r.active
	if msg.Type == MessageSkipWaiting && r.waiting != nil {
		target = r.waiting
	}
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return Reply{}, ErrWorkerClosed
	}
	if target == nil {
		return Reply{}, ErrNoActiveWorker
	}
	return target.PostMessage(ctx, msg)
}

// PeriodicSync fires tag on the active worker.
func (r *Registration) PeriodicSync(ctx context.Context, tag string) error {
	w, err := r.current()
	if err != nil {
		return err
	}
	_, err = w.PeriodicSync(ctx, tag)
	return err
}

// Push delivers a raw push payload to the active worker.
func (r *Registration) Push(ctx context.Context, data []byte) error {
	w, err := r.current()
	if err != nil {
		return err
	}
	return w.Push(ctx, data)
}

func (r *Registration) NotificationClick(ctx context.Context, n Notification) error {
	w, err := r.current()
	if err != nil {
		return err
	}
	return w.NotificationClick(ctx, n)
}

// Status reports the active, waiting and installing generations.
func (r *Registration) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Status{State: "none"}
	if r.active != nil {
		st.Active = r.active.Version()
		st.State = r.active.State().String()
	}
	if r.waiting != nil {
		st.Waiting = r.waiting.Version()
	}
	if r.installing != nil {
		st.Installing = r.installing.Version()
	}
	return st
}

// Unregister retires every generation and leaves the registration without a
// controller. Caches are kept; the next Register installs over them and its
// activation removes whatever the new generation does not own. It reports
// whether a generation was registered.
func (r *Registration) Unregister(ctx context.Context) (bool, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrWorkerClosed
	}
	var workers []*Worker
	for _, w := range []*Worker{r.waiting, r.active} {
		if w != nil {
			workers = append(workers, w)
		}
	}
	r.active, r.waiting = nil, nil
	r.mu.Unlock()

	retire(workers)
	if len(workers) > 0 {
		r.logger.Info().Int("workers", len(workers)).Msg("Unregistered")
	}
	return len(workers) > 0, nil
}

// Close retires every worker. Further events fail with ErrWorkerClosed.
func (r *Registration) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var workers []*Worker
	for _, w := range []*Worker{r.installing, r.waiting, r.active} {
		if w != nil {
			workers = append(workers, w)
		}
	}
	r.active, r.waiting = nil, nil
	r.mu.Unlock()

	retire(workers)
	return nil
}
