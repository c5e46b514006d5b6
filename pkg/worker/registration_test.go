package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vihaar/vihaar-sw/pkg/cache"
)

type recordingNotifier struct {
	mu    sync.Mutex
	shown []Notification
}

func (n *recordingNotifier) Show(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, notification)
	return nil
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.shown...)
}

func nextEvent(t *testing.T, c *Client) ClientEvent {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no client event")
		return ClientEvent{}
	}
}

func newRegistration(t *testing.T, storage cache.Storage) (*Registration, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	reg := NewRegistration(RegistrationOptions{
		Storage:  storage,
		Fetcher:  shellFetcher(),
		Notifier: notifier,
	})
	t.Cleanup(func() { _ = reg.Close() })
	return reg, notifier
}

func TestRegistration_RegisterActivates(t *testing.T) {
	reg, _ := newRegistration(t, cache.NewMemoryStorage())
	page := reg.Clients().Register(origin + "/")

	_, err := reg.Fetch(context.Background(), get(t, origin+"/"))
	require.ErrorIs(t, err, ErrNoActiveWorker)
	require.Equal(t, Status{State: "none"}, reg.Status())

	require.NoError(t, reg.Register(context.Background(), testConfig("v3")))
	require.Equal(t, Status{Active: "v3", State: "activated"}, reg.Status())

	ev := nextEvent(t, page)
	require.Equal(t, ClientControllerChange, ev.Type)
	require.Equal(t, "v3", ev.Version)
	require.Equal(t, "v3", page.Controller())

	res, err := reg.Fetch(context.Background(), get(t, origin+"/"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Response.StatusCode)
}

func TestRegistration_UpdateWithSkipWaiting(t *testing.T) {
	storage := cache.NewMemoryStorage()
	reg, _ := newRegistration(t, storage)
	require.NoError(t, reg.Register(context.Background(), testConfig("v3")))
	old := reg.Active()

	require.NoError(t, reg.Update(context.Background(), testConfig("v4")))
	require.Equal(t, "v4", reg.Active().Version())
	require.Nil(t, reg.Waiting())
	require.Equal(t, StateRedundant, old.State())

	names, err := storage.Names(context.Background())
	require.NoError(t, err)
	for _, name := range names {
		require.True(t, reg.Active().Names().Contains(name), name)
	}
}

func TestRegistration_WaitingUntilSkipWaiting(t *testing.T) {
	reg, _ := newRegistration(t, cache.NewMemoryStorage())
	require.NoError(t, reg.Register(context.Background(), testConfig("v3")))
	page := reg.Clients().Register(origin + "/explore")

	next := testConfig("v4")
	next.Cache.SkipWaiting = false
	require.NoError(t, reg.Update(context.Background(), next))
	require.Equal(t, Status{Active: "v3", State: "activated", Waiting: "v4"}, reg.Status())

	ev := nextEvent(t, page)
	require.Equal(t, ClientUpdateReady, ev.Type)
	require.Equal(t, "v4", ev.Version)

	reply, err := reg.PostMessage(context.Background(), Message{Type: MessageSkipWaiting})
	require.NoError(t, err)
	require.True(t, reply.OK)
	require.Equal(t, Status{Active: "v4", State: "activated"}, reg.Status())

	ev = nextEvent(t, page)
	require.Equal(t, ClientControllerChange, ev.Type)
	require.Equal(t, "v4", ev.Version)
}

func TestRegistration_SkipWaitingWithoutWaiting(t *testing.T) {
	reg, _ := newRegistration(t, cache.NewMemoryStorage())
	require.NoError(t, reg.Register(context.Background(), testConfig("v3")))

	reply, err := reg.PostMessage(context.Background(), Message{Type: MessageSkipWaiting})
	require.NoError(t, err)
	require.True(t, reply.OK)
	require.Equal(t, "v3", reg.Active().Version())
	require.NoError(t, reg.SkipWaiting(context.Background()))
}

func TestRegistration_UpdateUnchangedIsNoop(t *testing.T) {
	reg, _ := newRegistration(t, cache.NewMemoryStorage())
	require.NoError(t, reg.Register(context.Background(), testConfig("v3")))
	first := reg.Active()

	require.NoError(t, reg.Update(context.Background(), testConfig("v3")))
	require.Same(t, first, reg.Active())
	require.Equal(t, StateActivated, first.State())
}

func TestRegistration_FailedUpdateKeepsActive(t *testing.T) {
	reg, _ := newRegistration(t, cache.NewMemoryStorage())
	require.NoError(t, reg.Register(context.Background(), testConfig("v3")))

	broken := testConfig("v4")
	broken.Cache.Precache = append(broken.Cache.Precache, "/does-not-exist")
	require.Error(t, reg.Update(context.Background(), broken))
	require.Equal(t, Status{Active: "v3", State: "activated"}, reg.Status())
}

func TestRegistration_PushAndNotificationClick(t *testing.T) {
	reg, notifier := newRegistration(t, cache.NewMemoryStorage())
	require.NoError(t, reg.Register(context.Background(), testConfig("v3")))

	require.NoError(t, reg.Push(context.Background(), []byte(`{"body":"New places nearby","url":"/explore"}`)))
	require.NoError(t, reg.Push(context.Background(), nil))
	require.Error(t, reg.Push(context.Background(), []byte(`not json`)))

	shown := notifier.all()
	require.Len(t, shown, 1)
	require.Equal(t, Notification{
		Title: "Vihaar",
		Body:  "New places nearby",
		Icon:  "/icons/icon-192x192.png",
		Badge: "/icons/badge-72x72.png",
		Data:  "/explore",
	}, shown[0])

	require.NoError(t, reg.NotificationClick(context.Background(), shown[0]))
	require.NoError(t, reg.NotificationClick(context.Background(), Notification{Title: "no data"}))
	require.Equal(t, []string{"/explore"}, reg.Clients().Windows())
}

func TestRegistration_PeriodicSync(t *testing.T) {
	storage := cache.NewMemoryStorage()
	reg, _ := newRegistration(t, storage)
	require.ErrorIs(t, reg.PeriodicSync(context.Background(), TagCacheCleanup), ErrNoActiveWorker)

	cfg := testConfig("v3")
	cfg.Cache.ImageLimit = 1
	require.NoError(t, reg.Register(context.Background(), cfg))
	putEntry(t, storage, "vihaar-images-v3", "https://cdn.example/a.jpg", nil)
	putEntry(t, storage, "vihaar-images-v3", "https://cdn.example/b.jpg", nil)

	require.NoError(t, reg.PeriodicSync(context.Background(), TagCacheCleanup))
	require.Equal(t, []string{"https://cdn.example/b.jpg"}, cacheURLs(t, storage, "vihaar-images-v3"))
}

func TestRegistration_Close(t *testing.T) {
	reg, _ := newRegistration(t, cache.NewMemoryStorage())
	require.NoError(t, reg.Register(context.Background(), testConfig("v3")))
	w := reg.Active()

	require.NoError(t, reg.Close())
	require.Equal(t, StateRedundant, w.State())

	_, err := reg.Fetch(context.Background(), get(t, origin+"/"))
	require.ErrorIs(t, err, ErrWorkerClosed)
	_, err = reg.PostMessage(context.Background(), Message{Type: MessageClearCache})
	require.ErrorIs(t, err, ErrWorkerClosed)
	require.ErrorIs(t, reg.Update(context.Background(), testConfig("v4")), ErrWorkerClosed)
}

func TestRegistration_FetchDuringRollout(t *testing.T) {
	reg, _ := newRegistration(t, cache.NewMemoryStorage())
	require.NoError(t, reg.Register(context.Background(), testConfig("v3")))

	reqs := make([]*http.Request, 20)
	for i := range reqs {
		reqs[i] = get(t, origin+"/profile")
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(reqs))
	for _, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := reg.Fetch(context.Background(), req)
			if err == nil && res.Response == nil {
				err = errors.New("nil response")
			}
			errs <- err
		}()
	}
	require.NoError(t, reg.Update(context.Background(), testConfig("v4")))
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestRegistration_Unregister(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	reg, _ := newRegistration(t, storage)

	removed, err := reg.Unregister(ctx)
	require.NoError(t, err)
	require.False(t, removed)

	require.NoError(t, reg.Register(ctx, testConfig("v3")))
	active := reg.Active()

	removed, err = reg.Unregister(ctx)
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, Status{State: "none"}, reg.Status())
	require.Equal(t, StateRedundant, active.State())

	_, err = reg.Fetch(ctx, get(t, origin+"/"))
	require.ErrorIs(t, err, ErrNoActiveWorker)

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, names, "caches outlive the registration")

	require.NoError(t, reg.Register(ctx, testConfig("v3")))
	require.Equal(t, Status{Active: "v3", State: "activated"}, reg.Status())

	require.NoError(t, reg.Close())
	_, err = reg.Unregister(ctx)
	require.ErrorIs(t, err, ErrWorkerClosed)
}
