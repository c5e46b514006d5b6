package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/vihaar/vihaar-sw/internal/testutil"
	"github.com/vihaar/vihaar-sw/pkg/cache"
	"github.com/vihaar/vihaar-sw/pkg/config"
	"github.com/vihaar/vihaar-sw/pkg/router"
	"github.com/vihaar/vihaar-sw/pkg/strategy"
	"github.com/vihaar/vihaar-sw/pkg/worker"
)

const origin = "https://vihaar.example"

type fixture struct {
	reg *worker.Registration
	net *testutil.StubFetcher
	e   *httpexpect.Expect
}

func setup(t *testing.T, ready func(context.Context) error) *fixture {
	t.Helper()

	net := testutil.NewStubFetcher()
	for _, path := range []string{"/", "/explore", "/profile", "/offline.html"} {
		net.Set(origin+path, testutil.StubResponse{StatusCode: http.StatusOK, Body: "page " + path})
	}

	reg := worker.NewRegistration(worker.RegistrationOptions{
		Storage:  cache.NewMemoryStorage(),
		Fetcher:  net,
		Notifier: worker.NotifierFunc(func(context.Context, worker.Notification) error { return nil }),
	})
	t.Cleanup(func() { _ = reg.Close() })

	u, err := url.Parse(origin)
	require.NoError(t, err)

	srv := httptest.NewServer(New(Options{
		Registration: reg,
		Origin:       u,
		Fetcher:      net,
		Ready:        ready,
	}).Handler())
	t.Cleanup(srv.Close)

	e := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	})
	return &fixture{reg: reg, net: net, e: e}
}

func (f *fixture) register(t *testing.T) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Origin = origin
	require.NoError(t, f.reg.Register(context.Background(), cfg))
}

func TestHealthEndpoint(t *testing.T) {
	f := setup(t, nil)
	f.e.GET(PathHealth).Expect().Status(http.StatusOK).Body().IsEqual("OK")
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("no_active_worker", func(t *testing.T) {
		f := setup(t, nil)
		f.e.GET(PathReady).Expect().Status(http.StatusServiceUnavailable)
	})

	t.Run("ready", func(t *testing.T) {
		f := setup(t, func(context.Context) error { return nil })
		f.register(t)
		f.e.GET(PathReady).Expect().Status(http.StatusOK).Body().IsEqual("OK")
	})

	t.Run("storage_down", func(t *testing.T) {
		f := setup(t, func(context.Context) error { return errors.New("connection refused") })
		f.register(t)
		f.e.GET(PathReady).Expect().Status(http.StatusServiceUnavailable)
	})
}

func TestStatusEndpoint(t *testing.T) {
	f := setup(t, nil)
	f.e.GET(PathStatus).Expect().Status(http.StatusOK).
		JSON().Object().IsEqual(map[string]any{"state": "none"})

	f.register(t)
	obj := f.e.GET(PathStatus).Expect().Status(http.StatusOK).JSON().Object()
	obj.HasValue("active", "v3")
	obj.HasValue("state", "activated")
	obj.NotContainsKey("waiting")
}

func TestUnregisterEndpoint(t *testing.T) {
	f := setup(t, nil)
	f.e.POST(PathUnregister).Expect().Status(http.StatusOK).
		JSON().Object().IsEqual(map[string]any{"unregistered": false})

	f.register(t)
	f.e.POST(PathUnregister).Expect().Status(http.StatusOK).
		JSON().Object().IsEqual(map[string]any{"unregistered": true})
	f.e.GET(PathStatus).Expect().Status(http.StatusOK).
		JSON().Object().IsEqual(map[string]any{"state": "none"})

	// uncontrolled again, requests go straight to the network
	f.e.GET("/explore").WithHeader(router.HeaderFetchMode, "navigate").Expect().Status(http.StatusOK).
		Header(HeaderSource).IsEqual(string(strategy.SourceBypass))
}

func TestIntercept_Uncontrolled(t *testing.T) {
	f := setup(t, nil)
	f.net.Set(origin+"/api/feed?page=2", testutil.StubResponse{StatusCode: http.StatusOK, Body: `{"items":[]}`})

	resp := f.e.GET("/api/feed").WithQuery("page", "2").Expect().Status(http.StatusOK)
	resp.Header(HeaderSource).IsEqual(string(strategy.SourceBypass))
	resp.Body().IsEqual(`{"items":[]}`)

	f.net.SetOffline(true)
	f.e.GET("/api/feed").Expect().Status(http.StatusBadGateway).
		Header(HeaderSource).IsEqual(string(strategy.SourceBypass))
}

func TestIntercept_Controlled(t *testing.T) {
	f := setup(t, nil)
	f.register(t)
	f.net.Set(origin+"/api/feed", testutil.StubResponse{
		StatusCode: http.StatusOK,
		Body:       `{"items":[1]}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	})

	resp := f.e.GET("/explore").WithHeader(router.HeaderFetchMode, "navigate").Expect().Status(http.StatusOK)
	resp.Header(HeaderSource).IsEqual(string(strategy.SourceCache))
	resp.Body().IsEqual("page /explore")

	resp = f.e.GET("/api/feed").Expect().Status(http.StatusOK)
	resp.Header(HeaderSource).IsEqual(string(strategy.SourceNetwork))
	resp.Header("Content-Type").IsEqual("application/json")

	// offline, the API answers from the copy just stored
	f.net.SetOffline(true)
	f.e.GET("/api/feed").Expect().Status(http.StatusOK).
		Header(HeaderSource).IsEqual(string(strategy.SourceCache))

	resp = f.e.GET("/api/unknown").Expect().Status(http.StatusServiceUnavailable)
	resp.Header(HeaderSource).IsEqual(string(strategy.SourceFallback))
	resp.JSON().Object().IsEqual(map[string]any{"error": "Offline", "cached": false})
}

func TestMessageEndpoint(t *testing.T) {
	f := setup(t, nil)

	f.e.POST(PathMessage).WithJSON(map[string]any{"type": "CLEAR_CACHE"}).
		Expect().Status(http.StatusServiceUnavailable)

	f.register(t)

	f.e.POST(PathMessage).WithJSON(map[string]any{"type": "CLEAR_CACHE"}).
		Expect().Status(http.StatusOK).
		JSON().Object().IsEqual(map[string]any{"type": "CLEAR_CACHE", "ok": true})

	f.e.POST(PathMessage).WithJSON(map[string]any{"type": "REFRESH_EVERYTHING"}).
		Expect().Status(http.StatusOK).
		JSON().Object().HasValue("ok", false)

	f.e.POST(PathMessage).WithBytes([]byte("{not json")).
		Expect().Status(http.StatusBadRequest)

	f.e.POST(PathMessage).WithJSON(map[string]any{"payload": map[string]any{}}).
		Expect().Status(http.StatusBadRequest).
		JSON().Object().HasValue("error", "message type is required")
}

func TestPushEndpoint(t *testing.T) {
	f := setup(t, nil)
	f.register(t)

	f.e.POST(PathPush).WithJSON(map[string]any{"title": "Trip", "body": "Saved", "url": "/trips/1"}).
		Expect().Status(http.StatusNoContent)

	f.e.POST(PathPush).Expect().Status(http.StatusNoContent)

	f.e.POST(PathPush).WithBytes([]byte("plain text")).
		Expect().Status(http.StatusBadRequest)
}

func TestMetricsEndpoint(t *testing.T) {
	f := setup(t, nil)
	f.register(t)
	f.e.GET("/").WithHeader(router.HeaderFetchMode, "navigate").Expect().Status(http.StatusOK)

	body := f.e.GET(PathMetrics).Expect().Status(http.StatusOK).Body()
	body.Contains("# TYPE")
	body.Contains("vihaar_strategy_responses_total")
	body.Contains("vihaar_worker_state")
}
