package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vihaar/vihaar-sw/pkg/worker"
)

// fakeFront records control messages and serves a scripted status.
type fakeFront struct {
	mu       sync.Mutex
	messages []worker.Message
	status   worker.Status
	failures int // 503s to return before answering
	reject   bool
	server   *httptest.Server

	statusCalls int
}

func newFakeFront(t *testing.T) *fakeFront {
	t.Helper()
	f := &fakeFront{status: worker.Status{Active: "v3", State: "activated"}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathMessage, f.handleMessage)
	mux.HandleFunc("GET "+PathStatus, f.handleStatus)
	mux.HandleFunc("POST "+PathUnregister, f.handleUnregister)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeFront) handleMessage(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		http.Error(w, "no active worker", http.StatusServiceUnavailable)
		return
	}
	var msg worker.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.messages = append(f.messages, msg)

	reply := worker.Reply{Type: msg.Type, OK: !f.reject}
	if f.reject {
		reply.Error = "unknown message type"
	}
	if msg.Type == worker.MessageSkipWaiting && f.status.Waiting != "" {
		f.status.Active, f.status.Waiting = f.status.Waiting, ""
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

func (f *fakeFront) handleStatus(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f.status)
}

func (f *fakeFront) handleUnregister(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := f.status.Active != ""
	f.status = worker.Status{State: "none"}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"unregistered": removed})
}

func (f *fakeFront) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeFront) setStatus(st worker.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
}

func (f *fakeFront) received() []worker.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]worker.Message(nil), f.messages...)
}

func newTestClient(t *testing.T, f *fakeFront, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig(f.server.URL)
	cfg.Retry = fastRetry()
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		baseURL     string
		expectError bool
	}{
		{name: "valid config", baseURL: "http://localhost:8080", expectError: false},
		{name: "trailing slash", baseURL: "https://sw.example/", expectError: false},
		{name: "empty base url", baseURL: "", expectError: true},
		{name: "relative base url", baseURL: "/__sw", expectError: true},
		{name: "unsupported scheme", baseURL: "ftp://sw.example", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(DefaultConfig(tt.baseURL))
			if tt.expectError && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestIsFastConnection(t *testing.T) {
	tests := map[string]bool{
		"":        true,
		"4g":      true,
		"WIFI":    true,
		"3g":      false,
		"2g":      false,
		"slow-2g": false,
	}
	for conn, want := range tests {
		if got := IsFastConnection(conn); got != want {
			t.Errorf("IsFastConnection(%q) = %v, want %v", conn, got, want)
		}
	}
}

func TestPostMessage_Reply(t *testing.T) {
	f := newFakeFront(t)
	c := newTestClient(t, f, nil)

	msg, err := worker.NewMessage(worker.MessageClearCache, nil)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := c.PostMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}
	if !reply.OK || reply.Type != worker.MessageClearCache {
		t.Errorf("reply = %+v, want ok CLEAR_CACHE", reply)
	}
}

func TestPostMessage_RetriesServerErrors(t *testing.T) {
	f := newFakeFront(t)
	f.failures = 2
	c := newTestClient(t, f, nil)

	if err := c.ClearCache(context.Background()); err != nil {
		t.Fatalf("ClearCache() error = %v", err)
	}
	if got := len(f.received()); got != 1 {
		t.Errorf("messages received = %d, want 1", got)
	}
}

func TestPostMessage_Exhausted(t *testing.T) {
	f := newFakeFront(t)
	f.failures = 10
	c := newTestClient(t, f, nil)

	err := c.ClearCache(context.Background())
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected a 503 RemoteError, got %v", err)
	}
}

func TestPostMessage_Rejected(t *testing.T) {
	f := newFakeFront(t)
	f.reject = true
	c := newTestClient(t, f, nil)

	reply, err := c.PostMessage(context.Background(), worker.Message{Type: "NOPE"})
	var rejected *ReplyError
	if !errors.As(err, &rejected) {
		t.Fatalf("Expected ReplyError, got %v", err)
	}
	if reply.OK {
		t.Error("reply.OK should be false")
	}
	if got := len(f.received()); got != 1 {
		t.Errorf("rejected replies must not be retried, got %d messages", got)
	}
}

func TestPrecacheImages_ConnectionGate(t *testing.T) {
	tests := []struct {
		name       string
		connection string
		onlyFast   bool
		wantSent   bool
	}{
		{name: "fast connection", connection: "4g", onlyFast: true, wantSent: true},
		{name: "unknown connection", connection: "", onlyFast: true, wantSent: true},
		{name: "slow connection gated", connection: "3g", onlyFast: true, wantSent: false},
		{name: "slow connection allowed", connection: "3g", onlyFast: false, wantSent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeFront(t)
			c := newTestClient(t, f, func(cfg *Config) {
				cfg.ConnectionType = tt.connection
				cfg.OnlyFastConnection = tt.onlyFast
			})

			if err := c.PrecacheImages(context.Background(), []string{"https://images.unsplash.com/a.jpg"}); err != nil {
				t.Fatalf("PrecacheImages() error = %v", err)
			}
			sent := len(f.received()) == 1
			if sent != tt.wantSent {
				t.Errorf("message sent = %v, want %v", sent, tt.wantSent)
			}
		})
	}
}

func TestPrecacheRoutes_Payload(t *testing.T) {
	f := newFakeFront(t)
	c := newTestClient(t, f, func(cfg *Config) { cfg.ConnectionType = "2g" })

	if err := c.PrecacheRoutes(context.Background(), []string{"/explore", "/places/42"}); err != nil {
		t.Fatalf("PrecacheRoutes() error = %v", err)
	}
	msgs := f.received()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	var payload worker.PrecacheRoutesPayload
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Routes) != 2 || payload.Routes[1] != "/places/42" {
		t.Errorf("routes = %v", payload.Routes)
	}

	// empty lists are not sent
	if err := c.PrecacheRoutes(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(f.received()) != 1 {
		t.Error("empty route list should not be posted")
	}
}

func TestNextImages(t *testing.T) {
	items := []Item{
		{ID: "a", Images: []string{"a1", "a2", "a3"}},
		{ID: "b", Images: []string{"b1"}},
		{ID: "c", Images: []string{"c1", "c2", "c3"}},
		{ID: "d", Images: nil},
		{ID: "e", Images: []string{"e1", "e2"}},
	}

	tests := []struct {
		name    string
		current int
		count   int
		want    []string
	}{
		{name: "next three", current: 0, count: 3, want: []string{"b1", "c1", "c2"}},
		{name: "default count", current: 1, count: 0, want: []string{"c1", "c2", "e1", "e2"}},
		{name: "clipped at end", current: 3, count: 3, want: []string{"e1", "e2"}},
		{name: "past the end", current: 4, count: 3, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextImages(items, tt.current, tt.count)
			if len(got) != len(tt.want) {
				t.Fatalf("NextImages() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("NextImages()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPrefetchNext_SkipsSlowConnection(t *testing.T) {
	f := newFakeFront(t)
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.ConnectionType = "3g"
		cfg.OnlyFastConnection = false
	})

	items := []Item{{ID: "a"}, {ID: "b", Images: []string{"b1"}}}
	if err := c.PrefetchNext(context.Background(), items, 0, 3); err != nil {
		t.Fatal(err)
	}
	if len(f.received()) != 0 {
		t.Error("PrefetchNext should not post on a slow connection")
	}
}

func TestStatus(t *testing.T) {
	f := newFakeFront(t)
	f.setStatus(worker.Status{Active: "v3", State: "activated", Waiting: "v4"})
	c := newTestClient(t, f, nil)

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Active != "v3" || st.Waiting != "v4" || st.State != "activated" {
		t.Errorf("Status() = %+v", st)
	}
}

func TestCachedStatus(t *testing.T) {
	f := newFakeFront(t)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	for range 3 {
		st, err := c.CachedStatus(ctx)
		if err != nil {
			t.Fatalf("CachedStatus() error = %v", err)
		}
		if st.Active != "v3" {
			t.Errorf("CachedStatus() = %+v", st)
		}
	}
	if f.calls() != 1 {
		t.Errorf("Expected one status request, got %d", f.calls())
	}

	// a control message drops the memo
	if err := c.ClearCache(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.CachedStatus(ctx); err != nil {
		t.Fatal(err)
	}
	if f.calls() != 2 {
		t.Errorf("Expected status to be fetched again after a message, got %d requests", f.calls())
	}
}

func TestUnregister(t *testing.T) {
	f := newFakeFront(t)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	if _, err := c.CachedStatus(ctx); err != nil {
		t.Fatal(err)
	}

	removed, err := c.Unregister(ctx)
	if err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if !removed {
		t.Error("Expected an active worker to be unregistered")
	}

	st, err := c.CachedStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != "none" || st.Active != "" {
		t.Errorf("Expected no worker after Unregister, got %+v", st)
	}

	removed, err = c.Unregister(ctx)
	if err != nil || removed {
		t.Errorf("Second Unregister() = %v, %v", removed, err)
	}
}

func TestWatchUpdates(t *testing.T) {
	f := newFakeFront(t)
	c := newTestClient(t, f, func(cfg *Config) { cfg.UpdateInterval = 10 * time.Millisecond })

	var mu sync.Mutex
	var offered []string
	var changes [][2]string

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.WatchUpdates(ctx, UpdateHandlers{
			OnUpdate: func(waiting string) bool {
				mu.Lock()
				defer mu.Unlock()
				offered = append(offered, waiting)
				return true
			},
			OnControllerChange: func(from, to string) {
				mu.Lock()
				defer mu.Unlock()
				changes = append(changes, [2]string{from, to})
			},
		})
	}()

	time.Sleep(30 * time.Millisecond)
	f.setStatus(worker.Status{Active: "v3", State: "activated", Waiting: "v4"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(changes)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(offered) != 1 || offered[0] != "v4" {
		t.Errorf("offered = %v, want [v4]", offered)
	}
	if len(changes) != 1 || changes[0] != [2]string{"v3", "v4"} {
		t.Errorf("controller changes = %v, want [[v3 v4]]", changes)
	}
	var skips int
	for _, m := range f.received() {
		if m.Type == worker.MessageSkipWaiting {
			skips++
		}
	}
	if skips != 1 {
		t.Errorf("SKIP_WAITING sent %d times, want 1", skips)
	}
}

func TestWatchUpdates_Declined(t *testing.T) {
	f := newFakeFront(t)
	f.setStatus(worker.Status{Active: "v3", State: "activated", Waiting: "v4"})
	c := newTestClient(t, f, func(cfg *Config) { cfg.UpdateInterval = 5 * time.Millisecond })

	var asked int
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	c.WatchUpdates(ctx, UpdateHandlers{
		OnUpdate: func(string) bool {
			asked++
			return false
		},
	})

	if asked != 1 {
		t.Errorf("OnUpdate called %d times, want 1", asked)
	}
	if len(f.received()) != 0 {
		t.Error("declined update must not send SKIP_WAITING")
	}
}
