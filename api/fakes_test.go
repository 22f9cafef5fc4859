package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// fakeClock fires every After immediately and advances its notion of now
// by the requested duration, so bounded polling loops terminate without
// real sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// fakeTransport counts calls and delegates to a per-test handler.
type fakeTransport struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req Request) (*Response, error)
}

func (t *fakeTransport) Call(ctx context.Context, req Request) (*Response, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return t.fn(ctx, req)
}

func (t *fakeTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

var testServerDate = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func jsonResponse(status int, body string) *Response {
	header := make(http.Header)
	header.Set("Date", testServerDate.Format(http.TimeFormat))
	return &Response{
		Status: status,
		Header: header,
		Body:   io.NopCloser(strings.NewReader(body)),
	}
}

func okResponse() *Response {
	return jsonResponse(http.StatusOK, `{"Code":1000}`)
}

func offlineErr() error {
	return &Error{Kind: KindOffline, Message: "network unreachable"}
}

func timeoutErr() error {
	return &Error{Kind: KindTimeout, Message: "request timed out"}
}
