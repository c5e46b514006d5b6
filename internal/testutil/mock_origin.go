// Package testutil provides test doubles for the worker's network.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// OriginResponse defines the behavior of one mock origin path.
type OriginResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockOrigin is a configurable origin server for end-to-end tests.
type MockOrigin struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	requestCount int
	pathCounts   map[string]int
	lastHeader   http.Header
}

// NewMockOrigin starts a mock origin. Unconfigured paths get a small HTML page.
func NewMockOrigin() *MockOrigin {
	mock := &MockOrigin{
		handlers:   make(map[string]http.HandlerFunc),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.lastHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the origin base URL.
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// Close shuts down the server.
func (m *MockOrigin) Close() {
	m.server.Close()
}

// Reset clears the request counters.
func (m *MockOrigin) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCounts = make(map[string]int)
	m.lastHeader = nil
}

// SetHandler sets a custom handler for a path.
func (m *MockOrigin) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockOrigin) SetResponse(path string, resp OriginResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-r.Context().Done():
				return
			}
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			_, _ = w.Write([]byte(resp.Body))
		}
	})
}

// RequestCount returns the number of requests served.
func (m *MockOrigin) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// PathCount returns the number of requests for one path.
func (m *MockOrigin) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockOrigin) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader
}

func (m *MockOrigin) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<html><body>" + r.URL.Path + "</body></html>"))
}

// NewPageResponse creates a 200 HTML response.
func NewPageResponse(html string) OriginResponse {
	return OriginResponse{
		StatusCode: http.StatusOK,
		Body:       html,
		Headers:    map[string]string{"Content-Type": "text/html; charset=utf-8"},
	}
}

// NewJSONResponse creates a 200 JSON response.
func NewJSONResponse(body string) OriginResponse {
	return OriginResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewImageResponse creates a 200 image response.
func NewImageResponse(body string) OriginResponse {
	return OriginResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "image/jpeg"},
	}
}

// NewServerErrorResponse creates a 500 response.
func NewServerErrorResponse() OriginResponse {
	return OriginResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
