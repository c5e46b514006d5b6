package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// IsOK reports whether status is in the 2xx range.
func IsOK(status int) bool {
	return status >= 200 && status < 300
}

// IsStorable reports whether a response with status may be written to a
// cache. Partial content is never stored under the full-resource key.
func IsStorable(status int) bool {
	return IsOK(status) && status != http.StatusPartialContent
}

// ResponseToEntry snapshots resp for storage under key.
// The response body is read fully and restored so the caller can still use it.
func ResponseToEntry(key RequestKey, resp *http.Response) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = b
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	return &Entry{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		CachedAt: time.Now(),
	}, nil
}

// EntryToResponse builds a new response from a stored entry. Every call
// returns an independent body reader.
func EntryToResponse(e *Entry, req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
