// Package client is the page-side helper for a running worker front. It
// posts control messages with reply semantics, drives precaching according
// to the connection quality and watches for new cache generations.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vihaar/vihaar-sw/pkg/fetch"
	"github.com/vihaar/vihaar-sw/pkg/logging"
	"github.com/vihaar/vihaar-sw/pkg/worker"
)

// Worker front endpoints.
const (
	PathMessage = "/__sw/message"
	PathStatus  = "/__sw/status"

	PathUnregister = "/__sw/unregister"

	statusKey = "status"
)

// Client talks to the worker front over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
	memo       *DataCache[worker.Status]
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the worker front, e.g. "http://localhost:8080".
	BaseURL string

	UserAgent string

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// ConnectionType is the reported effective connection type ("4g",
	// "wifi", "3g", ...). Empty means unknown and counts as fast.
	ConnectionType string

	// OnlyFastConnection skips image precaching on slow connections.
	OnlyFastConnection bool

	Retry RetryConfig

	// UpdateInterval is how often WatchUpdates polls the status endpoint.
	UpdateInterval time.Duration

	// StatusTTL is how long CachedStatus reuses the last status.
	StatusTTL time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:            baseURL,
		UserAgent:          "vihaar-sw-client/1.0",
		Timeout:            10 * time.Second,
		OnlyFastConnection: true,
		Retry:              DefaultRetryConfig(),
		UpdateInterval:     time.Hour,
		StatusTTL:          DefaultDataTTL,
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be an absolute http(s) URL", cfg.BaseURL)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = time.Hour
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		config:     cfg,
		logger:     logging.NewLogger("client"),
		memo:       NewDataCache[worker.Status](cfg.StatusTTL),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// IsFastConnection reports whether an effective connection type is good
// enough for speculative downloads.
func IsFastConnection(effectiveType string) bool {
	switch strings.ToLower(effectiveType) {
	case "", "4g", "wifi":
		return true
	default:
		return false
	}
}

// PostMessage sends msg and waits for the worker's reply. Network failures
// and 5xx answers are retried. A reply with ok=false is returned together
// with a *ReplyError.
func (c *Client) PostMessage(ctx context.Context, msg worker.Message) (worker.Reply, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return worker.Reply{}, fmt.Errorf("encode message: %w", err)
	}

	var reply worker.Reply
	err = retryWithBackoff(ctx, c.config.Retry, func() error {
		return c.do(ctx, http.MethodPost, PathMessage, body, &reply)
	}, classifyError)
	if err != nil {
		return worker.Reply{}, err
	}

	// Control messages may change the generations.
	c.memo.Delete(statusKey)
	if !reply.OK {
		return reply, &ReplyError{Type: msg.Type, Message: reply.Error}
	}
	c.logger.Debug().Str("type", string(msg.Type)).Msg("Message acknowledged")
	return reply, nil
}

func (c *Client) post(ctx context.Context, t worker.MessageType, payload any) error {
	msg, err := worker.NewMessage(t, payload)
	if err != nil {
		return err
	}
	_, err = c.PostMessage(ctx, msg)
	return err
}

// PrecacheImages asks the worker to cache urls. It is a no-op on slow
// connections when OnlyFastConnection is set.
func (c *Client) PrecacheImages(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	if c.config.OnlyFastConnection && !IsFastConnection(c.config.ConnectionType) {
		c.logger.Debug().
			Str("connection", c.config.ConnectionType).
			Int("images", len(urls)).
			Msg("Skipping image precache on slow connection")
		return nil
	}
	return c.post(ctx, worker.MessagePrecacheImages, worker.PrecacheImagesPayload{Images: urls})
}

// PrecacheRoutes asks the worker to cache page routes.
func (c *Client) PrecacheRoutes(ctx context.Context, routes []string) error {
	if len(routes) == 0 {
		return nil
	}
	return c.post(ctx, worker.MessagePrecacheRoutes, worker.PrecacheRoutesPayload{Routes: routes})
}

// Item is a list entry whose images can be prefetched.
type Item struct {
	ID     string
	Images []string
}

// NextImages returns the first two images of each of the count items after
// current.
func NextImages(items []Item, current, count int) []string {
	if count <= 0 {
		count = 3
	}
	start := current + 1
	if start < 0 {
		start = 0
	}
	if start >= len(items) {
		return nil
	}
	end := min(start+count, len(items))

	var urls []string
	for _, item := range items[start:end] {
		n := min(2, len(item.Images))
		urls = append(urls, item.Images[:n]...)
	}
	return urls
}

// PrefetchNext precaches the images of the items following current. Slow
// connections are always skipped.
func (c *Client) PrefetchNext(ctx context.Context, items []Item, current, count int) error {
	if !IsFastConnection(c.config.ConnectionType) {
		return nil
	}
	return c.PrecacheImages(ctx, NextImages(items, current, count))
}

// ClearCache deletes every cache of the worker.
func (c *Client) ClearCache(ctx context.Context) error {
	return c.post(ctx, worker.MessageClearCache, nil)
}

// SkipWaiting activates a waiting generation.
func (c *Client) SkipWaiting(ctx context.Context) error {
	return c.post(ctx, worker.MessageSkipWaiting, nil)
}

// Status fetches the registration status.
func (c *Client) Status(ctx context.Context) (worker.Status, error) {
	var st worker.Status
	err := retryWithBackoff(ctx, c.config.Retry, func() error {
		return c.do(ctx, http.MethodGet, PathStatus, nil, &st)
	}, classifyError)
	if err != nil {
		return st, err
	}
	c.memo.Set(statusKey, st, 0)
	return st, nil
}

// CachedStatus returns the status seen within the last StatusTTL, fetching
// it when there is none.
func (c *Client) CachedStatus(ctx context.Context) (worker.Status, error) {
	if st, ok := c.memo.Get(statusKey); ok {
		return st, nil
	}
	return c.Status(ctx)
}

// Unregister removes every worker generation. It reports whether one was
// registered. Caches are left in place.
func (c *Client) Unregister(ctx context.Context) (bool, error) {
	var reply struct {
		Unregistered bool `json:"unregistered"`
	}
	err := retryWithBackoff(ctx, c.config.Retry, func() error {
		return c.do(ctx, http.MethodPost, PathUnregister, nil, &reply)
	}, classifyError)
	c.memo.Delete(statusKey)
	if err != nil {
		return false, err
	}
	c.logger.Info().Bool("unregistered", reply.Unregistered).Msg("Worker unregistered")
	return reply.Unregistered, nil
}

// do performs one attempt and decodes a JSON answer into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	target := c.baseURL.JoinPath(path).String()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &RemoteError{ErrorClass: fetch.ErrorClassClient, Message: "create request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &fetch.Error{Class: fetch.Classify(nil, err), URL: target, Err: err}
	}
	defer resp.Body.Close()

	if class := fetch.Classify(resp, nil); class != "" {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &RemoteError{
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    strings.TrimSpace(string(msg)),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &RemoteError{StatusCode: resp.StatusCode, ErrorClass: fetch.ErrorClassClient, Message: "decode response", Err: err}
	}
	return nil
}
