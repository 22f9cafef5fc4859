package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Header names used on account API calls.
const (
	HeaderUID           = "X-Pm-Uid"
	HeaderAuthorization = "Authorization"
	HeaderLocale        = "X-Pm-Locale"
	HeaderAppVersion    = "X-Pm-Appversion"
)

// OutputMode selects how the response body is surfaced to the caller.
type OutputMode int

const (
	// OutputBuffered reads the full body into memory before returning,
	// so the response can be decoded more than once. Default.
	OutputBuffered OutputMode = iota
	// OutputStream leaves the body streaming; the caller owns closing it.
	OutputStream
)

// Request describes one API call.
type Request struct {
	Method string
	Path   string
	Header http.Header
	// Body is JSON-encoded when non-nil.
	Body   any
	Output OutputMode
	// UID overrides the stored session UID for this call, e.g. when
	// revoking a session other than the active one.
	UID string
	// Unauthenticated calls skip auth headers and the session-state
	// gates, receiving locale headers instead.
	Unauthenticated bool
	// SideEffectFree marks calls that must not disturb pipeline state on
	// failure (e.g. revoking a non-active session).
	SideEffectFree bool
	// Silence lists protocol error codes that must not be published as
	// user-visible error events. SilenceAll suppresses every code.
	Silence    []int
	SilenceAll bool
}

func (r Request) silenced(code int) bool {
	if r.SilenceAll {
		return true
	}
	for _, c := range r.Silence {
		if c == code {
			return true
		}
	}
	return false
}

// Response is the transport-level result of a call.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	// Time is the authoritative server clock parsed from the Date
	// header. Zero until the pipeline has parsed it.
	Time time.Time
}

// DecodeJSON decodes the body into v and closes it.
func (r *Response) DecodeJSON(v any) error {
	if r.Body == nil {
		return fmt.Errorf("response has no body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Close releases the response body, if any.
func (r *Response) Close() {
	if r.Body != nil {
		r.Body.Close()
	}
}

// Transport is the raw call primitive beneath the pipeline. It must return
// a typed *Error of kind KindOffline, KindTimeout, or KindAborted for the
// corresponding low-level failures and a Response for anything that
// produced an HTTP status, success or not.
type Transport interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// parseServerTime reads the Date header.
func parseServerTime(header http.Header) (time.Time, error) {
	value := header.Get("Date")
	if value == "" {
		return time.Time{}, ErrServerTime
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}, ErrServerTime
	}
	return t, nil
}

// HTTPTransport implements Transport over net/http.
type HTTPTransport struct {
	// BaseURL is prefixed to every request path.
	BaseURL string
	// AppVersion is sent on every call; the server rejects stale builds.
	AppVersion string
	// Client defaults to http.DefaultClient. Cookie-auth deployments
	// install a cookie jar here.
	Client *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

func (t *HTTPTransport) Call(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.BaseURL+"/"+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if t.AppVersion != "" {
		httpReq.Header.Set(HeaderAppVersion, t.AppVersion)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   httpResp.Body,
	}, nil
}

// classifyTransportError maps low-level net/http failures onto the closed
// error taxonomy.
func classifyTransportError(ctx context.Context, err error) *Error {
	switch {
	case ctx.Err() == context.Canceled:
		return abortedError(err)
	case ctx.Err() == context.DeadlineExceeded:
		return &Error{Kind: KindTimeout, Message: "request timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: "request timed out", Err: err}
	}
	return &Error{Kind: KindOffline, Message: "network unreachable", Err: err}
}
