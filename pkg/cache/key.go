package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RequestKey identifies a cached request: method plus absolute URL without
// fragment. The worker only ever stores GET requests.
type RequestKey struct {
	Method string
	URL    string
}

// NewRequestKey derives the key of an incoming request.
func NewRequestKey(r *http.Request) RequestKey {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	// Request-URI parsing leaves a fragment inside the query.
	u.RawQuery, _, _ = strings.Cut(u.RawQuery, "#")
	return RequestKey{Method: strings.ToUpper(method), URL: u.String()}
}

// KeyFromURL builds a GET key for an absolute URL.
func KeyFromURL(raw string) (RequestKey, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return RequestKey{}, fmt.Errorf("parse url %q: %w", raw, err)
	}
	if !u.IsAbs() {
		return RequestKey{}, fmt.Errorf("url %q is not absolute", raw)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return RequestKey{Method: http.MethodGet, URL: u.String()}, nil
}

// String renders the key as "<METHOD> <URL>".
//
// Example:
//
//	GET https://vihaar.example/api/destinations?page=2
func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// ParseRequestKey reverses String.
func ParseRequestKey(s string) (RequestKey, error) {
	method, rawURL, ok := strings.Cut(s, " ")
	if !ok || method == "" || rawURL == "" {
		return RequestKey{}, fmt.Errorf("malformed request key %q", s)
	}
	return RequestKey{Method: method, URL: rawURL}, nil
}

// NewRequest builds an outbound GET request for the key.
func (k RequestKey) NewRequest() (*http.Request, error) {
	return http.NewRequest(k.Method, k.URL, nil)
}
