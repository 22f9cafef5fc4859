package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_OfflineRetrySucceeds(t *testing.T) {
	transport := &fakeTransport{}
	transport.fn = func(ctx context.Context, req Request) (*Response, error) {
		if transport.callCount() < 3 {
			return nil, offlineErr()
		}
		return okResponse(), nil
	}
	c := newTestClient(t, transport)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "pass/v1/test"})
	require.NoError(t, err)
	assert.Equal(t, 3, transport.callCount())
}

func TestDispatch_OfflineRetryExhausted(t *testing.T) {
	transport := &fakeTransport{fn: func(ctx context.Context, req Request) (*Response, error) {
		return nil, offlineErr()
	}}
	c := newTestClient(t, transport, WithMaxAttempts(3))

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "pass/v1/test"})
	require.True(t, IsKind(err, KindOffline))
	assert.Equal(t, 3, transport.callCount())
}

func TestDispatch_TimeoutRetry(t *testing.T) {
	transport := &fakeTransport{}
	transport.fn = func(ctx context.Context, req Request) (*Response, error) {
		if transport.callCount() == 1 {
			return nil, timeoutErr()
		}
		return okResponse(), nil
	}
	c := newTestClient(t, transport)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "pass/v1/test"})
	require.NoError(t, err)
	assert.Equal(t, 2, transport.callCount())
}

func TestDispatch_RateLimitedHonorsRetryAfter(t *testing.T) {
	transport := &fakeTransport{}
	transport.fn = func(ctx context.Context, req Request) (*Response, error) {
		if transport.callCount() == 1 {
			resp := jsonResponse(http.StatusTooManyRequests, `{"Code":85131,"Error":"Too many requests"}`)
			resp.Header.Set("Retry-After", "3")
			return resp, nil
		}
		return okResponse(), nil
	}
	clock := newFakeClock()
	c := newTestClient(t, transport, WithClock(clock))

	before := clock.Now()
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "pass/v1/test"})
	require.NoError(t, err)
	assert.Equal(t, 2, transport.callCount())
	// The fake clock advances by each waited duration.
	assert.GreaterOrEqual(t, clock.Now().Sub(before).Seconds(), 3.0)
}

func TestDispatch_UnauthorizedRefreshThenRetry(t *testing.T) {
	var refreshCalls, apiCalls int
	transport := &fakeTransport{}
	transport.fn = func(ctx context.Context, req Request) (*Response, error) {
		if req.Path == RefreshPath {
			refreshCalls++
			return jsonResponse(http.StatusOK,
				`{"UID":"test-uid","AccessToken":"new-access","RefreshToken":"new-refresh"}`), nil
		}
		apiCalls++
		if apiCalls == 1 {
			return jsonResponse(http.StatusUnauthorized, `{"Code":401,"Error":"Invalid access token"}`), nil
		}
		return okResponse(), nil
	}
	c := newTestClient(t, transport)

	var refreshed []RefreshEvent
	c.Events().Subscribe(func(e Event) {
		if re, ok := e.(RefreshEvent); ok {
			refreshed = append(refreshed, re)
		}
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "pass/v1/test"})
	require.NoError(t, err)
	assert.Equal(t, 1, refreshCalls)
	assert.Equal(t, 2, apiCalls)

	// Rotated tokens are written back into the auth store.
	assert.Equal(t, "new-access", c.store.AccessToken())
	assert.Equal(t, "new-refresh", c.store.RefreshToken())
	assert.Equal(t, testServerDate, c.store.RefreshTime())
	require.Len(t, refreshed, 1)
	assert.Equal(t, "new-access", refreshed[0].AccessToken)
	assert.False(t, c.State().Refreshing)
}

func TestDispatch_UnauthorizedUnrecoverableCode(t *testing.T) {
	var refreshCalls int
	transport := &fakeTransport{}
	transport.fn = func(ctx context.Context, req Request) (*Response, error) {
		if req.Path == RefreshPath {
			refreshCalls++
		}
		return jsonResponse(http.StatusUnauthorized, `{"Code":10013,"Error":"Invalid refresh token"}`), nil
	}
	c := newTestClient(t, transport)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "pass/v1/test"})
	require.True(t, IsKind(err, KindSessionInactive))
	assert.Equal(t, 0, refreshCalls)
}

func TestDispatch_RefreshFailure4xxNormalizedToInactive(t *testing.T) {
	transport := &fakeTransport{}
	transport.fn = func(ctx context.Context, req Request) (*Response, error) {
		if req.Path == RefreshPath {
			return jsonResponse(http.StatusBadRequest, `{"Code":10013,"Error":"Invalid refresh token"}`), nil
		}
		return jsonResponse(http.StatusUnauthorized, `{"Code":401,"Error":"Invalid access token"}`), nil
	}
	c := newTestClient(t, transport)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "pass/v1/test"})
	require.True(t, IsKind(err, KindSessionInactive))
	assert.True(t, c.State().SessionInactive)
	assert.False(t, c.State().Refreshing)
}

func TestDispatch_RefreshFailureServerErrorPropagates(t *testing.T) {
	transport := &fakeTransport{}
	transport.fn = func(ctx context.Context, req Request) (*Response, error) {
		if req.Path == RefreshPath {
			return jsonResponse(http.StatusServiceUnavailable, `{"Code":0,"Error":"Down"}`), nil
		}
		return jsonResponse(http.StatusUnauthorized, `{"Code":401,"Error":"Invalid access token"}`), nil
	}
	c := newTestClient(t, transport)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "pass/v1/test"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnreachable))
	assert.False(t, c.State().SessionInactive)
}

func TestDispatch_InvalidCookiesRefreshNormalizedToInactive(t *testing.T) {
	transport := &fakeTransport{fn: func(ctx context.Context, req Request) (*Response, error) {
		return jsonResponse(http.StatusUnprocessableEntity, `{"Code":10021,"Error":"Invalid cookies"}`), nil
	}}
	c := newTestClient(t, transport)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "pass/v1/test"})
	require.True(t, IsKind(err, KindSessionInactive))
}

func TestDispatch_PreAbortedRequest(t *testing.T) {
	transport := &fakeTransport{fn: func(ctx context.Context, req Request) (*Response, error) {
		return okResponse(), nil
	}}
	c := newTestClient(t, transport)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "pass/v1/test"})
	require.True(t, IsKind(err, KindAborted))
	assert.Equal(t, 0, transport.callCount())
}
