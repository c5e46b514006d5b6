package strategy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

const imagePlaceholderSVG = `<svg width="400" height="300" xmlns="http://www.w3.org/2000/svg">
  <rect fill="#201612" width="400" height="300"/>
  <text x="50%" y="50%" fill="#666" text-anchor="middle" dy=".3em">Image unavailable</text>
</svg>
`

const offlineAPIBody = `{"error":"Offline","cached":false}`

func syntheticResponse(req *http.Request, status int, contentType string, body []byte) *http.Response {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// ImagePlaceholder is served when an uncached image cannot be fetched.
func ImagePlaceholder(req *http.Request) *http.Response {
	return syntheticResponse(req, http.StatusOK, "image/svg+xml", []byte(imagePlaceholderSVG))
}

// OfflineText is the generic 503 fallback.
func OfflineText(req *http.Request) *http.Response {
	return syntheticResponse(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Offline"))
}

// OfflineJSON is the API fallback when nothing is cached.
func OfflineJSON(req *http.Request) *http.Response {
	return syntheticResponse(req, http.StatusServiceUnavailable, "application/json", []byte(offlineAPIBody))
}
