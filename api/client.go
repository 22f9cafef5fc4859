// Package api implements the authenticated call pipeline: auth headers,
// admission control, retry and refresh handling, and runtime state
// tracking over a raw HTTP transport.
package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pkeller/passauth/authstore"
)

// Defaults for the pipeline's timing knobs. All overridable via options so
// tests can run against a fake clock.
const (
	DefaultMaxAttempts        = 5
	DefaultOfflineRetryDelay  = 2 * time.Second
	DefaultRefreshWaitTimeout = 15 * time.Second
	DefaultPollInterval       = 50 * time.Millisecond
	DefaultIdleTimeout        = 30 * time.Second
	DefaultRefreshJitterMin   = 500 * time.Millisecond
	DefaultRefreshJitterMax   = 2 * time.Second
)

// State is a snapshot of the pipeline's runtime status.
type State struct {
	AppVersionBad   bool
	Online          bool
	PendingCount    int
	QueuedCount     int
	Refreshing      bool
	ServerTime      time.Time
	SessionInactive bool
	SessionLocked   bool
	Unreachable     bool
}

type config struct {
	threshold          int
	locale             string
	maxAttempts        int
	offlineRetryDelay  time.Duration
	refreshWaitTimeout time.Duration
	pollInterval       time.Duration
	idleTimeout        time.Duration
	jitterMin          time.Duration
	jitterMax          time.Duration
	clock              Clock
	logger             *slog.Logger
}

// Option configures a Client.
type Option func(*config)

// WithThreshold bounds the number of concurrent in-flight calls; extra
// callers queue in FIFO order. Zero means unbounded.
func WithThreshold(n int) Option {
	return func(c *config) { c.threshold = n }
}

// WithLocale sets the locale header attached to unauthenticated calls.
func WithLocale(locale string) Option {
	return func(c *config) { c.locale = locale }
}

// WithMaxAttempts bounds retry loops (offline, timeout, rate limit,
// refresh-then-retry).
func WithMaxAttempts(n int) Option {
	return func(c *config) { c.maxAttempts = n }
}

// WithOfflineRetryDelay sets the fixed delay between offline retries.
func WithOfflineRetryDelay(d time.Duration) Option {
	return func(c *config) { c.offlineRetryDelay = d }
}

// WithRefreshWaitTimeout bounds how long a call waits for an in-flight
// refresh before proceeding.
func WithRefreshWaitTimeout(d time.Duration) Option {
	return func(c *config) { c.refreshWaitTimeout = d }
}

// WithPollInterval sets the polling interval of bounded waits.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) { c.pollInterval = d }
}

// WithIdleTimeout bounds Idle's wait for pending calls to settle.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.idleTimeout = d }
}

// WithRefreshJitter sets the randomized pause after a successful refresh,
// desynchronizing client clusters. Equal min and max of zero disables it.
func WithRefreshJitter(min, max time.Duration) Option {
	return func(c *config) {
		c.jitterMin = min
		c.jitterMax = max
	}
}

// WithClock injects the clock used for delays and polling.
func WithClock(clock Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithLogger sets the structured logger. If not set, a JSON logger writing
// to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// Client is the single entry point for API calls.
type Client struct {
	transport Transport
	store     *authstore.Store
	cfg       config
	clock     Clock
	logger    *slog.Logger
	events    *Hub
	refresher *Refresher

	mu              sync.Mutex
	appVersionBad   bool
	online          bool
	refreshing      bool
	sessionInactive bool
	sessionLocked   bool
	unreachable     bool
	serverTime      time.Time
	pending         int
	inflight        int
	queued          []chan struct{}
}

// New creates a Client over the given transport and auth store.
func New(transport Transport, store *authstore.Store, opts ...Option) *Client {
	cfg := config{
		maxAttempts:        DefaultMaxAttempts,
		offlineRetryDelay:  DefaultOfflineRetryDelay,
		refreshWaitTimeout: DefaultRefreshWaitTimeout,
		pollInterval:       DefaultPollInterval,
		idleTimeout:        DefaultIdleTimeout,
		jitterMin:          DefaultRefreshJitterMin,
		jitterMax:          DefaultRefreshJitterMax,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = RealClock()
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	c := &Client{
		transport: transport,
		store:     store,
		cfg:       cfg,
		clock:     cfg.clock,
		logger:    cfg.logger,
		events:    NewHub(),
		online:    true,
	}
	c.refresher = newRefresher(transport, store, c.events, cfg)
	return c
}

// Events returns the pipeline's pubsub hub.
func (c *Client) Events() *Hub {
	return c.events
}

// State returns a snapshot of the pipeline's runtime status.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		AppVersionBad:   c.appVersionBad,
		Online:          c.online,
		PendingCount:    c.pending,
		QueuedCount:     len(c.queued),
		Refreshing:      c.refreshing,
		ServerTime:      c.serverTime,
		SessionInactive: c.sessionInactive,
		SessionLocked:   c.sessionLocked,
		Unreachable:     c.unreachable,
	}
}

// ServerTime returns the last known authoritative server clock.
func (c *Client) ServerTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverTime
}

// Do performs one API call through the full pipeline: state gates, the
// refresh gate, admission control, auth headers, retry handling, and
// error classification.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, abortedError(err)
	}
	if err := c.gate(req); err != nil {
		return nil, err
	}

	c.waitRefreshGate(ctx)

	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending--
		c.mu.Unlock()
	}()

	if err := c.admit(ctx); err != nil {
		return nil, err
	}
	defer c.releaseSlot()

	resp, err := c.dispatch(ctx, req)
	c.observe(req, err)
	return resp, err
}

// DoJSON performs the call and decodes the JSON result into out.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		resp.Close()
		return nil
	}
	return resp.DecodeJSON(out)
}

// gate fails fast on fatal or session-state conditions without touching
// the network. Unauthenticated calls bypass the session gates but app
// version rejection is always fatal.
func (c *Client) gate(req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.appVersionBad {
		return &Error{Kind: KindAppVersionBad, Code: CodeAppVersionBad, Message: "app version no longer supported"}
	}
	if req.Unauthenticated {
		return nil
	}
	if c.sessionInactive {
		return &Error{Kind: KindSessionInactive, Message: "session is inactive"}
	}
	if c.sessionLocked {
		return &Error{Kind: KindSessionLocked, Status: http.StatusUnprocessableEntity, Code: CodeSessionLocked, Message: "session is locked"}
	}
	return nil
}

// waitRefreshGate polls until no refresh is in flight, bounded by the
// configured timeout. On timeout the call proceeds; the gate is a
// best-effort ordering guarantee, not a lock.
func (c *Client) waitRefreshGate(ctx context.Context) {
	deadline := c.clock.Now().Add(c.cfg.refreshWaitTimeout)
	for {
		c.mu.Lock()
		refreshing := c.refreshing
		c.mu.Unlock()
		if !refreshing || c.clock.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.cfg.pollInterval):
		}
	}
}

// admit blocks until an in-flight slot frees up. Queued callers are
// released strictly in arrival order.
func (c *Client) admit(ctx context.Context) error {
	c.mu.Lock()
	if c.cfg.threshold <= 0 || c.inflight < c.cfg.threshold {
		c.inflight++
		c.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	c.queued = append(c.queued, waiter)
	c.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return c.abortAdmit(waiter, ctx.Err())
	}
}

// abortAdmit withdraws a queued waiter whose context fired. If the waiter
// is no longer queued, releaseSlot already granted it the slot and the
// grant must be passed on, or the slot leaks.
func (c *Client) abortAdmit(waiter chan struct{}, cause error) error {
	granted := true
	c.mu.Lock()
	for i, w := range c.queued {
		if w == waiter {
			c.queued = append(c.queued[:i], c.queued[i+1:]...)
			granted = false
			break
		}
	}
	c.mu.Unlock()
	if granted {
		c.releaseSlot()
	}
	return abortedError(cause)
}

// releaseSlot hands the freed slot to the oldest queued caller, if any.
func (c *Client) releaseSlot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.threshold <= 0 {
		return
	}
	if len(c.queued) > 0 {
		waiter := c.queued[0]
		c.queued = c.queued[1:]
		close(waiter)
		return
	}
	c.inflight--
}

// call attaches headers, dispatches one attempt through the transport, and
// enforces the server-time requirement.
func (c *Client) call(ctx context.Context, req Request) (*Response, error) {
	header := make(http.Header)
	for name, values := range req.Header {
		header[name] = values
	}
	if req.Unauthenticated {
		if c.cfg.locale != "" {
			header.Set(HeaderLocale, c.cfg.locale)
		}
	} else {
		uid := req.UID
		if uid == "" {
			uid = c.store.UID()
		}
		if uid != "" {
			header.Set(HeaderUID, uid)
		}
		if c.store.Mode() == authstore.AuthModeToken {
			if token := c.store.AccessToken(); token != "" {
				header.Set(HeaderAuthorization, "Bearer "+token)
			}
		}
	}
	attempt := req
	attempt.Header = header

	resp, err := c.transport.Call(ctx, attempt)
	if err != nil {
		return nil, err
	}

	serverTime, err := parseServerTime(resp.Header)
	if err != nil {
		resp.Close()
		return nil, err
	}
	resp.Time = serverTime
	c.mu.Lock()
	c.serverTime = serverTime
	c.mu.Unlock()

	if resp.Status >= 400 {
		return nil, decodeAPIError(resp)
	}

	if req.Output == OutputBuffered && resp.Body != nil {
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, &Error{Kind: KindOffline, Message: "reading response body", Err: readErr}
		}
		resp.Body = io.NopCloser(bytes.NewReader(data))
	}
	return resp, nil
}

// observe applies the failure-classification table to shared state and
// publishes the corresponding events. Side-effect-free calls skip state
// mutation entirely.
func (c *Client) observe(req Request, err error) {
	if req.SideEffectFree {
		return
	}

	var events []Event

	c.mu.Lock()
	if err == nil {
		if !c.online {
			c.online = true
			events = append(events, NetworkEvent{Online: true})
		}
		c.unreachable = false
		c.mu.Unlock()
		c.publish(events)
		return
	}

	apiErr, ok := asError(err)
	if !ok {
		c.mu.Unlock()
		return
	}

	switch apiErr.Kind {
	case KindOffline:
		if c.online {
			c.online = false
			events = append(events, NetworkEvent{Online: false})
		}
	case KindUnreachable:
		c.unreachable = true
	case KindAppVersionBad:
		c.appVersionBad = true
	case KindSessionLocked:
		if !c.sessionLocked {
			c.sessionLocked = true
			events = append(events, SessionEvent{Status: SessionLocked})
		}
	case KindSessionInactive:
		if !c.sessionInactive {
			c.sessionInactive = true
			events = append(events, SessionEvent{Status: SessionInactive})
		}
	}
	c.mu.Unlock()

	if apiErr.Message != "" && !req.silenced(apiErr.Code) {
		events = append(events, ErrorEvent{
			Message: apiErr.Message,
			Code:    apiErr.Code,
			Status:  apiErr.Status,
		})
	}
	c.publish(events)
}

func (c *Client) publish(events []Event) {
	for _, e := range events {
		c.events.Publish(e)
	}
}

// Idle resolves once no requests are pending, bounded by the idle timeout.
// Used to let error propagation settle before a full Reset.
func (c *Client) Idle(ctx context.Context) error {
	deadline := c.clock.Now().Add(c.cfg.idleTimeout)
	for {
		c.mu.Lock()
		pending := c.pending
		c.mu.Unlock()
		if pending == 0 {
			return nil
		}
		if c.clock.Now().After(deadline) {
			return &Error{Kind: KindTimeout, Message: "idle wait timed out"}
		}
		select {
		case <-ctx.Done():
			return abortedError(ctx.Err())
		case <-c.clock.After(c.cfg.pollInterval):
		}
	}
}

// Reset drains pending calls and restores the pipeline to its initial
// state. The last known server time is kept; it stays authoritative
// across session transitions.
func (c *Client) Reset(ctx context.Context) error {
	if err := c.Idle(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.appVersionBad = false
	c.online = true
	c.refreshing = false
	c.sessionInactive = false
	c.sessionLocked = false
	c.unreachable = false
	c.mu.Unlock()
	return nil
}

func (c *Client) setRefreshing(v bool) {
	c.mu.Lock()
	c.refreshing = v
	c.mu.Unlock()
}

// sleep waits for d on the pipeline clock; returns false if ctx fired.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	return sleepClock(ctx, c.clock, d)
}
