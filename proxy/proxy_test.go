package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkeller/passauth/api"
)

type fakeCaller struct {
	mu    sync.Mutex
	calls []api.Request
	fn    func(ctx context.Context, req api.Request) (*api.Response, error)
}

func (f *fakeCaller) Do(ctx context.Context, req api.Request) (*api.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return okUpstream(), nil
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCaller) lastCall(t *testing.T) api.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

func okUpstream() *api.Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &api.Response{
		Status: http.StatusOK,
		Header: header,
		Body:   io.NopCloser(strings.NewReader(`{"Code":1000}`)),
	}
}

func newTestProxy(t *testing.T, caller *fakeCaller, opts ...Option) *Proxy {
	t.Helper()
	opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return New(caller, opts...)
}

func doProxy(t *testing.T, p *Proxy, method, target string, header http.Header, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)
	return rec
}

func authedHeader(requestID string) http.Header {
	h := make(http.Header)
	h.Set(HeaderUserID, "user-1")
	if requestID != "" {
		h.Set(HeaderRequestID, requestID)
	}
	return h
}

func TestProxy_ForwardsAndRelays(t *testing.T) {
	caller := &fakeCaller{}
	p := newTestProxy(t, caller)

	rec := doProxy(t, p, http.MethodGet, "/proxy/pass/v1/share?Page=2", authedHeader("req-1"), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"Code":1000}`, rec.Body.String())

	req := caller.lastCall(t)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "pass/v1/share?Page=2", req.Path)
	assert.False(t, req.Unauthenticated)
	assert.Equal(t, api.OutputStream, req.Output)
	assert.Empty(t, req.Header.Get(HeaderUserID))
	assert.Empty(t, req.Header.Get(HeaderRequestID))
}

func TestProxy_ForwardsBodyVerbatim(t *testing.T) {
	caller := &fakeCaller{}
	p := newTestProxy(t, caller)

	body := `{"Name":"new vault"}`
	rec := doProxy(t, p, http.MethodPost, "/proxy/pass/v1/vault", authedHeader("req-1"),
		strings.NewReader(body))

	require.Equal(t, http.StatusOK, rec.Code)
	raw, ok := caller.lastCall(t).Body.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, body, string(raw))
}

func TestProxy_MissingUserIDNeverInvokesCaller(t *testing.T) {
	caller := &fakeCaller{}
	p := newTestProxy(t, caller)

	rec := doProxy(t, p, http.MethodGet, "/proxy/pass/v1/share", nil, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, caller.callCount())
	assert.Equal(t, 0, p.Controller().Pending())
}

func TestProxy_UnauthenticatedPrefixBypassesUserIDCheck(t *testing.T) {
	caller := &fakeCaller{}
	p := newTestProxy(t, caller, WithUnauthenticatedPrefixes("core/v4/"))

	rec := doProxy(t, p, http.MethodGet, "/proxy/core/v4/notifications", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, caller.lastCall(t).Unauthenticated)
}

func TestProxy_AbortIdentity(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})
	caller := &fakeCaller{}
	caller.fn = func(ctx context.Context, req api.Request) (*api.Response, error) {
		started <- req.Path
		select {
		case <-ctx.Done():
			return nil, &api.Error{Kind: api.KindAborted, Message: "aborted", Err: ctx.Err()}
		case <-release:
			return okUpstream(), nil
		}
	}
	p := newTestProxy(t, caller)

	type result struct {
		path string
		code int
	}
	results := make(chan result, 2)
	start := func(requestID, path string) {
		go func() {
			rec := doProxy(t, p, http.MethodGet, "/proxy/"+path, authedHeader(requestID), nil)
			results <- result{path: path, code: rec.Code}
		}()
	}

	start("req-a", "pass/v1/a")
	start("req-b", "pass/v1/b")
	<-started
	<-started

	// Aborting req-a cancels exactly that request; req-b keeps running
	// until released.
	require.True(t, p.Abort("req-a"))

	first := <-results
	assert.Equal(t, "pass/v1/a", first.path)
	assert.Equal(t, StatusClientClosedRequest, first.code)

	close(release)
	second := <-results
	assert.Equal(t, "pass/v1/b", second.path)
	assert.Equal(t, http.StatusOK, second.code)

	assert.Equal(t, 0, p.Controller().Pending())
	assert.False(t, p.Abort("req-a"))
}

func TestProxy_RequestIDFallsBackToURL(t *testing.T) {
	started := make(chan struct{})
	caller := &fakeCaller{}
	caller.fn = func(ctx context.Context, req api.Request) (*api.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, &api.Error{Kind: api.KindAborted, Message: "aborted", Err: ctx.Err()}
	}
	p := newTestProxy(t, caller)

	done := make(chan int, 1)
	go func() {
		rec := doProxy(t, p, http.MethodGet, "/proxy/pass/v1/share", authedHeader(""), nil)
		done <- rec.Code
	}()
	<-started

	require.True(t, p.Abort("/proxy/pass/v1/share"))
	assert.Equal(t, StatusClientClosedRequest, <-done)
}

func TestProxy_SyntheticNetworkResponses(t *testing.T) {
	tests := []struct {
		name       string
		err        *api.Error
		wantStatus int
	}{
		{
			name:       "offline",
			err:        &api.Error{Kind: api.KindOffline, Message: "network unreachable"},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "timeout",
			err:        &api.Error{Kind: api.KindTimeout, Message: "request timed out"},
			wantStatus: http.StatusRequestTimeout,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			caller := &fakeCaller{fn: func(ctx context.Context, req api.Request) (*api.Response, error) {
				return nil, tc.err
			}}
			p := newTestProxy(t, caller)

			rec := doProxy(t, p, http.MethodGet, "/proxy/pass/v1/share", authedHeader("req-1"), nil)

			assert.Equal(t, tc.wantStatus, rec.Code)
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, api.CodeNetworkError, body.Code)
			assert.Equal(t, 0, p.Controller().Pending())
		})
	}
}

func TestProxy_RelaysUpstreamErrorStatus(t *testing.T) {
	caller := &fakeCaller{fn: func(ctx context.Context, req api.Request) (*api.Response, error) {
		return nil, &api.Error{
			Kind:    api.KindSessionLocked,
			Status:  http.StatusUnprocessableEntity,
			Code:    api.CodeSessionLocked,
			Message: "session locked",
		}
	}}
	p := newTestProxy(t, caller)

	rec := doProxy(t, p, http.MethodGet, "/proxy/pass/v1/share", authedHeader("req-1"), nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, api.CodeSessionLocked, body.Code)
}

func TestProxy_AbortEndpoint(t *testing.T) {
	started := make(chan struct{})
	caller := &fakeCaller{}
	caller.fn = func(ctx context.Context, req api.Request) (*api.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, &api.Error{Kind: api.KindAborted, Message: "aborted", Err: ctx.Err()}
	}
	p := newTestProxy(t, caller)

	done := make(chan int, 1)
	go func() {
		rec := doProxy(t, p, http.MethodGet, "/proxy/pass/v1/share", authedHeader("req-1"), nil)
		done <- rec.Code
	}()
	<-started

	rec := doProxy(t, p, http.MethodPost, "/abort", authedHeader("req-1"), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, StatusClientClosedRequest, <-done)

	rec = doProxy(t, p, http.MethodPost, "/abort", authedHeader("req-1"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
