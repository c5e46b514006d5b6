package cache

import (
	"net/http"
	"time"
)

// Entry is a cached response snapshot.
type Entry struct {
	// Key is the request identity the entry was stored under.
	Key RequestKey `json:"key"`

	// Status is the HTTP status code of the stored response.
	Status int `json:"status"`

	// Header holds the response headers, including Date when the origin sent one.
	Header http.Header `json:"header"`

	// Body is the full response body.
	Body []byte `json:"body"`

	// CachedAt is when the entry was written.
	CachedAt time.Time `json:"cached_at"`
}

// OK reports whether the stored status is 2xx.
func (e *Entry) OK() bool {
	return IsOK(e.Status)
}

// Storable reports whether the entry may be written to a cache.
func (e *Entry) Storable() bool {
	return IsStorable(e.Status)
}

// Date returns the parsed Date response header.
func (e *Entry) Date() (time.Time, bool) {
	if e == nil || e.Header == nil {
		return time.Time{}, false
	}
	raw := e.Header.Get("Date")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Age returns how old the response is according to its Date header.
// The second result is false when the entry carries no usable Date.
func (e *Entry) Age(now time.Time) (time.Duration, bool) {
	date, ok := e.Date()
	if !ok {
		return 0, false
	}
	return now.Sub(date), true
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Header = e.Header.Clone()
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return &out
}
