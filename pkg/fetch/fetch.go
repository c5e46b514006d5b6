// Package fetch is the worker's network: it forwards requests to the origin
// or to third-party image hosts.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vihaar/vihaar-sw/pkg/config"
)

var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vihaar_fetch_requests_total",
		Help: "Total outbound fetches by HTTP status",
	}, []string{"status"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vihaar_fetch_duration_seconds",
		Help:    "Outbound fetch duration in seconds (headers received)",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
	})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vihaar_fetch_errors_total",
		Help: "Total outbound fetch errors by class",
	}, []string{"class"})
)

// Fetcher performs network requests. A non-nil error means no response was
// received; HTTP error statuses are returned as responses.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Config holds the client configuration.
type Config struct {
	// UserAgent is sent when the incoming request carries none.
	UserAgent string

	// Timeout guards every request end to end. Zero disables it.
	Timeout time.Duration

	// Transport overrides http.DefaultTransport (tests).
	Transport http.RoundTripper
}

// ConfigFrom maps the loaded fetch section.
func ConfigFrom(fc config.FetchConfig) Config {
	return Config{UserAgent: fc.UserAgent, Timeout: fc.Timeout}
}

// Client is the production Fetcher.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		config: cfg,
		logger: log.With().Str("component", "fetch").Logger(),
	}
}

// Fetch forwards req and its body. Headers are copied except Host, and the
// upstream is asked for an identity encoding so cached bodies can be served
// verbatim.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := req.URL.String()

	out, err := http.NewRequestWithContext(ctx, method, target, req.Body)
	if err != nil {
		return nil, &Error{Class: ErrorClassClient, URL: target, Err: fmt.Errorf("create request: %w", err)}
	}
	out.ContentLength = req.ContentLength
	copyHeaders(out.Header, req.Header)
	out.Header.Set("Accept-Encoding", "identity")
	if out.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		out.Header.Set("User-Agent", c.config.UserAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(out)
	fetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		class := Classify(nil, err)
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()
		fetchRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Debug().Err(err).Str("url", target).Str("error_class", string(class)).Msg("Fetch failed")
		return nil, &Error{Class: class, URL: target, Err: err}
	}

	fetchRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if class := Classify(resp, nil); class != "" {
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Debug().
			Str("url", target).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Upstream error status")
	}
	return resp, nil
}

// SetHTTPClient replaces the underlying client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// IsTimeout reports whether err is a deadline or client timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
