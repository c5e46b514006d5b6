package worker

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vihaar/vihaar-sw/pkg/cache"
)

func putEntry(t *testing.T, storage cache.Storage, cacheName, url string, header http.Header) {
	t.Helper()
	ctx := context.Background()
	c, err := storage.Open(ctx, cacheName)
	require.NoError(t, err)
	key, err := cache.KeyFromURL(url)
	require.NoError(t, err)
	if header == nil {
		header = http.Header{}
	}
	require.NoError(t, c.Put(ctx, key, &cache.Entry{Key: key, Status: http.StatusOK, Header: header}))
}

func TestCleanup_ImageEviction(t *testing.T) {
	storage := cache.NewMemoryStorage()
	cfg := testConfig("v3")
	cfg.Cache.ImageLimit = 3
	w := activeWorker(t, storage, shellFetcher(), cfg)

	for _, name := range []string{"e1", "e2", "e3", "e4", "e5"} {
		putEntry(t, storage, "vihaar-images-v3", "https://cdn.example/"+name+".jpg", nil)
	}

	report, err := w.PeriodicSync(context.Background(), TagCacheCleanup)
	require.NoError(t, err)
	require.Equal(t, 2, report.ImagesEvicted)
	require.Equal(t, []string{
		"https://cdn.example/e3.jpg",
		"https://cdn.example/e4.jpg",
		"https://cdn.example/e5.jpg",
	}, cacheURLs(t, storage, "vihaar-images-v3"))

	// under the limit nothing changes
	report, err = w.PeriodicSync(context.Background(), TagCacheCleanup)
	require.NoError(t, err)
	require.Zero(t, report.ImagesEvicted)
}

func TestCleanup_RewriteMovesToNewest(t *testing.T) {
	storage := cache.NewMemoryStorage()
	cfg := testConfig("v3")
	cfg.Cache.ImageLimit = 2
	w := activeWorker(t, storage, shellFetcher(), cfg)

	putEntry(t, storage, "vihaar-images-v3", "https://cdn.example/e1.jpg", nil)
	putEntry(t, storage, "vihaar-images-v3", "https://cdn.example/e2.jpg", nil)
	putEntry(t, storage, "vihaar-images-v3", "https://cdn.example/e3.jpg", nil)
	putEntry(t, storage, "vihaar-images-v3", "https://cdn.example/e1.jpg", nil)

	_, err := w.PeriodicSync(context.Background(), TagCacheCleanup)
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://cdn.example/e3.jpg",
		"https://cdn.example/e1.jpg",
	}, cacheURLs(t, storage, "vihaar-images-v3"))
}

func TestCleanup_DefaultImageLimit(t *testing.T) {
	storage := cache.NewMemoryStorage()
	w := activeWorker(t, storage, shellFetcher(), testConfig("v3"))

	for i := 0; i < 105; i++ {
		putEntry(t, storage, "vihaar-images-v3", "https://cdn.example/"+strconv.Itoa(i)+".jpg", nil)
	}
	report, err := w.PeriodicSync(context.Background(), TagCacheCleanup)
	require.NoError(t, err)
	require.Equal(t, 5, report.ImagesEvicted)
	require.Len(t, cacheURLs(t, storage, "vihaar-images-v3"), 100)
}

func TestCleanup_APITTL(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	storage := cache.NewMemoryStorage()
	w, err := New(Options{
		Config:  testConfig("v3"),
		Storage: storage,
		Fetcher: shellFetcher(),
		Now:     func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(w.Close)

	dated := func(age time.Duration) http.Header {
		h := http.Header{}
		h.Set("Date", now.Add(-age).Format(http.TimeFormat))
		return h
	}
	putEntry(t, storage, "vihaar-api-v3", origin+"/api/old", dated(301*time.Second))
	putEntry(t, storage, "vihaar-api-v3", origin+"/api/fresh", dated(299*time.Second))
	putEntry(t, storage, "vihaar-api-v3", origin+"/api/undated", nil)

	report, err := w.PeriodicSync(context.Background(), TagCacheCleanup)
	require.NoError(t, err)
	require.Equal(t, 1, report.APIExpired)
	require.Equal(t, []string{origin + "/api/fresh", origin + "/api/undated"}, cacheURLs(t, storage, "vihaar-api-v3"))
}

func TestCleanup_DoesNotCreateCaches(t *testing.T) {
	storage := cache.NewMemoryStorage()
	w := activeWorker(t, storage, shellFetcher(), testConfig("v3"))

	_, err := w.PeriodicSync(context.Background(), TagCacheCleanup)
	require.NoError(t, err)

	for _, name := range []string{"vihaar-images-v3", "vihaar-api-v3"} {
		ok, err := storage.Has(context.Background(), name)
		require.NoError(t, err)
		require.False(t, ok, name)
	}
}

func TestPeriodicSync_UnknownTag(t *testing.T) {
	storage := cache.NewMemoryStorage()
	cfg := testConfig("v3")
	cfg.Cache.ImageLimit = 1
	w := activeWorker(t, storage, shellFetcher(), cfg)
	putEntry(t, storage, "vihaar-images-v3", "https://cdn.example/a.jpg", nil)
	putEntry(t, storage, "vihaar-images-v3", "https://cdn.example/b.jpg", nil)

	report, err := w.PeriodicSync(context.Background(), "content-sync")
	require.NoError(t, err)
	require.Equal(t, CleanupReport{}, report)
	require.Len(t, cacheURLs(t, storage, "vihaar-images-v3"), 2)
}

func TestRunPeriodicSync(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunPeriodicSync(ctx, 10*time.Millisecond, TagCacheCleanup, func(_ context.Context, tag string) error {
			if tag == TagCacheCleanup {
				calls.Add(1)
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPeriodicSync did not stop")
	}
}

func TestRunPeriodicSync_Disabled(t *testing.T) {
	called := false
	RunPeriodicSync(context.Background(), 0, TagCacheCleanup, func(context.Context, string) error {
		called = true
		return nil
	})
	require.False(t, called)
}
