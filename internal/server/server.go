// Package server is the HTTP front of the worker. Requests for the origin
// are rewritten to absolute URLs and answered by the active generation;
// control, push and status endpoints live under /__sw/.
package server

import (
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
	"github.com/vihaar/vihaar-sw/pkg/metrics"
	"github.com/vihaar/vihaar-sw/pkg/strategy"
	"github.com/vihaar/vihaar-sw/pkg/worker"
)

const (
	PathMessage = "/__sw/message"
	PathPush    = "/__sw/push"
	PathStatus  = "/__sw/status"
	PathMetrics = "/metrics"
	PathHealth  = "/health"
	PathReady   = "/ready"

	PathUnregister = "/__sw/unregister"

	// HeaderSource tells where an intercepted response came from.
	HeaderSource = "X-Sw-Source"

	maxControlBody = 1 << 20
)

// hop-by-hop headers are not forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Registration is what the front needs from the worker registration.
type Registration interface {
	Fetch(ctx context.Context, req *http.Request) (strategy.Result, error)
	PostMessage(ctx context.Context, msg worker.Message) (worker.Reply, error)
	Push(ctx context.Context, data []byte) error
	Status() worker.Status
	Unregister(ctx context.Context) (bool, error)
}

// Options configures a Server.
type Options struct {
	Registration Registration

	// Origin is the application base URL incoming paths resolve against.
	Origin *url.URL

	// Fetcher serves requests while no generation is active.
	Fetcher fetch.Fetcher

	// Ready reports backend readiness (e.g. the Redis ping).
	Ready func(ctx context.Context) error
}

// Server is the HTTP front.
type Server struct {
	reg     Registration
	origin  *url.URL
	fetcher fetch.Fetcher
	ready   func(ctx context.Context) error
	logger  zerolog.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Registration == nil {
		panic("registration cannot be nil")
	}
	if opts.Origin == nil {
		panic("origin cannot be nil")
	}
	return &Server{
		reg:     opts.Registration,
		origin:  opts.Origin,
		fetcher: opts.Fetcher,
		ready:   opts.Ready,
		logger:  logging.NewLogger("server"),
	}
}

// Handler returns the routed front.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathMessage, s.handleMessage)
	mux.HandleFunc("POST "+PathPush, s.handlePush)
	mux.HandleFunc("GET "+PathStatus, s.handleStatus)
	mux.HandleFunc("POST "+PathUnregister, s.handleUnregister)
	mux.Handle("GET "+PathMetrics, metrics.Handler())
	mux.HandleFunc("GET "+PathHealth, healthHandler)
	mux.HandleFunc("GET "+PathReady, s.handleReady)
	mux.HandleFunc("/", s.intercept)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.reg.Status().Active == "" {
		http.Error(w, "no active worker", http.StatusServiceUnavailable)
		return
	}
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			http.Error(w, "storage not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Status())
}

// UnregisterReply is the body of an unregister answer.
type UnregisterReply struct {
	Unregistered bool `json:"unregistered"`
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	removed, err := s.reg.Unregister(r.Context())
	if err != nil {
		s.writeRegistrationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UnregisterReply{Unregistered: removed})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg worker.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid message: " + err.Error()})
		return
	}
	if msg.Type == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "message type is required"})
		return
	}

	reply, err := s.reg.PostMessage(r.Context(), msg)
	if err != nil {
		s.writeRegistrationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "push payload must be JSON"})
		return
	}
	if err := s.reg.Push(r.Context(), body); err != nil {
		s.writeRegistrationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeRegistrationError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, worker.ErrNoActiveWorker) || errors.Is(err, worker.ErrWorkerClosed) {
		status = http.StatusServiceUnavailable
	} else {
		s.logger.Error().Err(err).Msg("Registration call failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// intercept answers an origin request through the active generation.
func (s *Server) intercept(w http.ResponseWriter, r *http.Request) {
	req, err := s.upstreamRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	res, err := s.reg.Fetch(r.Context(), req)
	if errors.Is(err, worker.ErrNoActiveWorker) && s.fetcher != nil {
		resp, ferr := s.fetcher.Fetch(r.Context(), req)
		if ferr != nil {
			s.logger.Warn().Err(ferr).Str("url", req.URL.String()).Msg("Uncontrolled fetch failed")
			w.Header().Set(HeaderSource, string(strategy.SourceBypass))
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		res, err = strategy.Result{Response: resp, Source: strategy.SourceBypass}, nil
	}
	if err != nil {
		s.writeRegistrationError(w, err)
		return
	}
	writeResponse(w, res.Response, string(res.Source))
}

// upstreamRequest rewrites an origin-form request to an absolute URL on the
// origin.
func (s *Server) upstreamRequest(r *http.Request) (*http.Request, error) {
	target := *s.origin
	target.Path = strings.TrimRight(s.origin.Path, "/") + r.URL.Path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery
	target.Fragment = ""

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if body != nil {
		out.ContentLength = r.ContentLength
	}
	return out, nil
}

func writeResponse(w http.ResponseWriter, resp *http.Response, source string) {
	defer resp.Body.Close()

	header := w.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Set(HeaderSource, source)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
