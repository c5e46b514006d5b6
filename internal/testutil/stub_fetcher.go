package testutil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrOffline is returned by StubFetcher while offline.
var ErrOffline = errors.New("network unreachable")

// StubResponse defines one canned network response.
type StubResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string

	// Delay is waited before headers are returned.
	Delay time.Duration

	// BodyDelay is waited before the first body byte can be read.
	BodyDelay time.Duration

	// Err makes the fetch fail without a response.
	Err error
}

// StubFetcher is an in-process network keyed by absolute URL. Unknown URLs
// answer 404.
type StubFetcher struct {
	mu        sync.Mutex
	responses map[string]StubResponse
	calls     map[string]int
	offline   bool
}

// NewStubFetcher returns an empty stub network.
func NewStubFetcher() *StubFetcher {
	return &StubFetcher{
		responses: make(map[string]StubResponse),
		calls:     make(map[string]int),
	}
}

// Set configures the response for url.
func (s *StubFetcher) Set(url string, resp StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[url] = resp
}

// SetOffline makes every fetch fail with ErrOffline.
func (s *StubFetcher) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Calls returns how many times url was fetched.
func (s *StubFetcher) Calls(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

// TotalCalls returns the number of fetches across all URLs.
func (s *StubFetcher) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// Fetch implements fetch.Fetcher.
func (s *StubFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	url := req.URL.String()

	s.mu.Lock()
	s.calls[url]++
	offline := s.offline
	resp, ok := s.responses[url]
	s.mu.Unlock()

	if offline {
		return nil, ErrOffline
	}
	if !ok {
		resp = StubResponse{StatusCode: http.StatusNotFound, Body: "not found"}
	}
	if resp.Delay > 0 {
		if err := sleep(ctx, resp.Delay); err != nil {
			return nil, err
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	header := http.Header{}
	header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	for k, v := range resp.Headers {
		header.Set(k, v)
	}
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))

	var body io.ReadCloser = io.NopCloser(strings.NewReader(resp.Body))
	if resp.BodyDelay > 0 {
		body = &slowBody{ctx: ctx, delay: resp.BodyDelay, r: strings.NewReader(resp.Body)}
	}
	return &http.Response{
		Status:        strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode),
		StatusCode:    resp.StatusCode,
		Header:        header,
		Body:          body,
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// slowBody blocks its first read until delay elapses or ctx ends.
type slowBody struct {
	ctx     context.Context
	delay   time.Duration
	r       io.Reader
	started bool
}

func (b *slowBody) Read(p []byte) (int, error) {
	if !b.started {
		if err := sleep(b.ctx, b.delay); err != nil {
			return 0, err
		}
		b.started = true
	}
	return b.r.Read(p)
}

func (b *slowBody) Close() error { return nil }
