package cache

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestEntry_Age(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		date    string
		wantAge time.Duration
		wantOK  bool
	}{
		{name: "301s old", date: now.Add(-301 * time.Second).Format(http.TimeFormat), wantAge: 301 * time.Second, wantOK: true},
		{name: "fresh", date: now.Format(http.TimeFormat), wantAge: 0, wantOK: true},
		{name: "no date", date: "", wantOK: false},
		{name: "garbage date", date: "yesterday", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Entry{Header: http.Header{}}
			if tt.date != "" {
				e.Header.Set("Date", tt.date)
			}
			age, ok := e.Age(now)
			if ok != tt.wantOK {
				t.Fatalf("Age ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && age != tt.wantAge {
				t.Errorf("Age = %s, want %s", age, tt.wantAge)
			}
		})
	}
}

func TestEntry_Clone(t *testing.T) {
	e := &Entry{Status: 200, Header: http.Header{"X": []string{"1"}}, Body: []byte("abc")}
	c := e.Clone()
	c.Body[0] = 'z'
	c.Header.Set("X", "2")

	if string(e.Body) != "abc" || e.Header.Get("X") != "1" {
		t.Errorf("Clone shares state with the original: %+v", e)
	}
	if (*Entry)(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestResponseToEntry(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"image/png"}, "Date": []string{time.Now().UTC().Format(http.TimeFormat)}},
		Body:       io.NopCloser(strings.NewReader("png-bytes")),
	}
	key := RequestKey{Method: http.MethodGet, URL: "https://images.unsplash.com/a.png"}

	entry, err := ResponseToEntry(key, resp)
	if err != nil {
		t.Fatalf("ResponseToEntry failed: %v", err)
	}
	if string(entry.Body) != "png-bytes" || entry.Key != key || !entry.OK() {
		t.Errorf("unexpected entry: %+v", entry)
	}

	// The live response body is still readable.
	rest, _ := io.ReadAll(resp.Body)
	if string(rest) != "png-bytes" {
		t.Errorf("Expected restored body, got %q", rest)
	}

	if _, err := ResponseToEntry(key, nil); err == nil {
		t.Error("Expected error for nil response")
	}
}

func TestEntryToResponse_IndependentBodies(t *testing.T) {
	entry := &Entry{Status: http.StatusNotFound, Header: http.Header{"Content-Type": []string{"text/plain"}}, Body: []byte("missing")}
	req := httptest.NewRequest(http.MethodGet, "https://vihaar.example/x", nil)

	a := EntryToResponse(entry, req)
	b := EntryToResponse(entry, req)

	ab, _ := io.ReadAll(a.Body)
	bb, _ := io.ReadAll(b.Body)
	if !bytes.Equal(ab, bb) || string(ab) != "missing" {
		t.Errorf("bodies = %q / %q", ab, bb)
	}
	if a.StatusCode != http.StatusNotFound || a.Header.Get("Content-Length") != "7" {
		t.Errorf("unexpected response: %d %v", a.StatusCode, a.Header)
	}
	if a.Request != req {
		t.Error("Expected request to be attached")
	}
}

func TestRequestKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://vihaar.example/explore?tab=2#top", nil)
	key := NewRequestKey(req)

	if key.URL != "https://vihaar.example/explore?tab=2" {
		t.Errorf("URL = %s, fragment should be stripped", key.URL)
	}
	req, err := http.NewRequest(http.MethodGet, "https://vihaar.example/explore?tab=2#top", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := NewRequestKey(req); got != key {
		t.Errorf("NewRequestKey = %v, want %v", got, key)
	}

	parsed, err := ParseRequestKey(key.String())
	if err != nil || parsed != key {
		t.Errorf("ParseRequestKey(%q) = %v, %v", key.String(), parsed, err)
	}

	if _, err := KeyFromURL("/relative"); err == nil {
		t.Error("Expected error for relative URL")
	}
	if _, err := ParseRequestKey("nospace"); err == nil {
		t.Error("Expected error for malformed key")
	}
}

func TestIsStorable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusOK, true},
		{http.StatusNoContent, true},
		{http.StatusPartialContent, false},
		{http.StatusNotModified, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		if got := IsStorable(tt.status); got != tt.want {
			t.Errorf("IsStorable(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
