package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/pkeller/passauth/api"
)

// Header names used by proxy callers to identify themselves and correlate
// in-flight requests for later cancellation.
const (
	HeaderUserID    = "X-Pass-User-ID"
	HeaderRequestID = "X-Pass-Request-ID"
)

// StatusClientClosedRequest is the nonstandard status surfaced for aborted
// requests, so callers can tell "user cancelled" from "network failed".
const StatusClientClosedRequest = 499

// Caller dispatches a request through the authenticated call pipeline.
type Caller interface {
	Do(ctx context.Context, req api.Request) (*api.Response, error)
}

var _ Caller = (*api.Client)(nil)

// Proxy forwards intercepted HTTP calls through the call pipeline and keeps
// an abort registry so callers can cancel a specific outstanding request by
// its request id.
type Proxy struct {
	caller     Caller
	controller *Controller
	logger     *slog.Logger

	// unauth lists upstream path prefixes that may be proxied without a
	// user id header.
	unauth []string
}

// Option configures the proxy.
type Option func(*Proxy)

// WithLogger sets the structured logger. If not set, a default JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// WithUnauthenticatedPrefixes marks upstream path prefixes that bypass the
// user-id check and are forwarded without auth headers.
func WithUnauthenticatedPrefixes(prefixes ...string) Option {
	return func(p *Proxy) {
		p.unauth = append(p.unauth, prefixes...)
	}
}

// New creates a proxy forwarding through caller.
func New(caller Caller, opts ...Option) *Proxy {
	p := &Proxy{
		caller:     caller,
		controller: NewController(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return p
}

// Controller returns the abort registry.
func (p *Proxy) Controller() *Controller {
	return p.controller
}

// Abort cancels the outstanding proxied request registered under id.
func (p *Proxy) Abort(id string) bool {
	return p.controller.Abort(id)
}

// Router returns a chi.Router with the proxy routes mounted.
func (p *Proxy) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(p.logRequests)

	r.Handle("/proxy/*", http.HandlerFunc(p.handle))

	// Control endpoint: cancel the request identified by the request id
	// header.
	r.Post("/abort", func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(HeaderRequestID)
		if id == "" {
			writeError(w, http.StatusBadRequest, "missing "+HeaderRequestID+" header")
			return
		}
		if !p.controller.Abort(id) {
			writeError(w, http.StatusNotFound, "no in-flight request for id")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

// logRequests tags every proxied call with a generated correlation id so
// log lines for one call can be grepped together even when the caller sent
// no request id of its own.
func (p *Proxy) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logID := uuid.NewString()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		p.logger.Debug("proxied request",
			"logID", logID,
			"method", r.Method,
			"path", r.URL.Path,
			"requestID", r.Header.Get(HeaderRequestID),
			"status", ww.Status(),
		)
	})
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	upstreamPath := chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		upstreamPath += "?" + r.URL.RawQuery
	}

	unauthenticated := p.isUnauthenticated(upstreamPath)
	if !unauthenticated && r.Header.Get(HeaderUserID) == "" {
		writeError(w, http.StatusUnauthorized, "missing "+HeaderUserID+" header")
		return
	}

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		// Callers that don't correlate requests can still abort by URL.
		requestID = r.URL.String()
	}

	ctx, done := p.controller.Register(r.Context(), requestID)
	defer done()

	req, err := p.buildRequest(r, upstreamPath, unauthenticated)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := p.caller.Do(ctx, req)
	if err != nil {
		p.writeCallError(w, requestID, err)
		return
	}
	defer resp.Close()

	relayHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.Status)
	if resp.Body != nil {
		if _, err := io.Copy(w, resp.Body); err != nil {
			p.logger.Warn("relaying response body", "requestID", requestID, "error", err)
		}
	}
}

func (p *Proxy) buildRequest(r *http.Request, upstreamPath string, unauthenticated bool) (api.Request, error) {
	req := api.Request{
		Method:          r.Method,
		Path:            upstreamPath,
		Header:          forwardHeader(r.Header),
		Output:          api.OutputStream,
		Unauthenticated: unauthenticated,
	}

	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return api.Request{}, err
		}
		if len(body) > 0 {
			req.Body = json.RawMessage(body)
		}
	}
	return req, nil
}

// writeCallError translates pipeline failures into synthetic responses.
// Offline and timeout failures carry the session network error code so the
// caller's error classification keeps working across the proxy boundary.
func (p *Proxy) writeCallError(w http.ResponseWriter, requestID string, err error) {
	switch api.KindOf(err) {
	case api.KindAborted:
		writeProxyError(w, StatusClientClosedRequest, api.CodeNetworkError, "request aborted")
	case api.KindOffline:
		writeProxyError(w, http.StatusServiceUnavailable, api.CodeNetworkError, "network unreachable")
	case api.KindTimeout:
		writeProxyError(w, http.StatusRequestTimeout, api.CodeNetworkError, "request timed out")
	default:
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.Status > 0 {
			writeProxyError(w, apiErr.Status, apiErr.Code, apiErr.Message)
			return
		}
		p.logger.Warn("proxied call failed", "requestID", requestID, "error", err)
		writeProxyError(w, http.StatusBadGateway, 0, err.Error())
	}
}

func (p *Proxy) isUnauthenticated(upstreamPath string) bool {
	for _, prefix := range p.unauth {
		if strings.HasPrefix(upstreamPath, prefix) {
			return true
		}
	}
	return false
}

// forwardHeader copies caller headers onto the upstream request, dropping
// the proxy's own correlation headers and anything the pipeline sets itself.
func forwardHeader(src http.Header) http.Header {
	dst := make(http.Header)
	for name, values := range src {
		switch http.CanonicalHeaderKey(name) {
		case HeaderUserID, HeaderRequestID,
			api.HeaderAuthorization, api.HeaderUID, api.HeaderAppVersion,
			"Host", "Content-Length", "Connection":
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	return dst
}

func relayHeader(dst, src http.Header) {
	for name, values := range src {
		switch http.CanonicalHeaderKey(name) {
		case "Connection", "Transfer-Encoding", "Content-Length":
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

type errorResponse struct {
	Code  int    `json:"Code,omitempty"`
	Error string `json:"Error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeProxyError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Error: msg})
}
