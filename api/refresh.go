package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pkeller/passauth/authstore"
	"github.com/pkeller/passauth/internal/util"
)

// RefreshPath is the token refresh endpoint.
const RefreshPath = "auth/v4/refresh"

// refreshRequest is the refresh call body. Grant semantics follow the
// account API's OAuth-style contract.
type refreshRequest struct {
	UID          string `json:"UID"`
	RefreshToken string `json:"RefreshToken"`
	ResponseType string `json:"ResponseType"`
	GrantType    string `json:"GrantType"`
	RedirectURI  string `json:"RedirectURI"`
}

type refreshResponse struct {
	UID          string `json:"UID"`
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
}

// Refresher serializes token refreshes: at most one network refresh per
// UID is in flight at any time, and concurrent callers share its outcome.
type Refresher struct {
	transport Transport
	store     *authstore.Store
	events    *Hub
	clock     Clock
	logger    *slog.Logger

	maxAttempts       int
	offlineRetryDelay time.Duration
	jitterMin         time.Duration
	jitterMax         time.Duration

	group singleflight.Group

	// onRefresh receives the rotated token bundle. Defaults to writing
	// the tokens back into the auth store.
	onRefresh func(RefreshEvent)
}

func newRefresher(transport Transport, store *authstore.Store, events *Hub, cfg config) *Refresher {
	r := &Refresher{
		transport:         transport,
		store:             store,
		events:            events,
		clock:             cfg.clock,
		logger:            cfg.logger,
		maxAttempts:       cfg.maxAttempts,
		offlineRetryDelay: cfg.offlineRetryDelay,
		jitterMin:         cfg.jitterMin,
		jitterMax:         cfg.jitterMax,
	}
	r.onRefresh = r.storeTokens
	return r
}

// SetOnRefresh replaces the refresh callback. Must be called before the
// first refresh.
func (r *Refresher) SetOnRefresh(fn func(RefreshEvent)) {
	r.onRefresh = fn
}

func (r *Refresher) storeTokens(e RefreshEvent) {
	r.store.SetAccessToken(e.AccessToken)
	r.store.SetRefreshToken(e.RefreshToken)
	r.store.SetRefreshTime(e.RefreshTime)
}

// Refresh performs a coalesced token refresh for uid. responseTime is the
// Date header of the response that triggered the refresh; if the stored
// refresh time is already at or past it, a concurrent caller has refreshed
// for this staleness window and the call is a no-op.
func (r *Refresher) Refresh(ctx context.Context, uid string, responseTime time.Time) error {
	_, err, _ := r.group.Do(uid, func() (any, error) {
		last := r.store.RefreshTime()
		if !last.IsZero() && !responseTime.After(last) {
			return nil, nil
		}

		resp, err := r.callRefresh(ctx, uid)
		if err != nil {
			return nil, err
		}

		refreshTime := resp.Time
		if refreshTime.IsZero() {
			refreshTime = r.clock.Now()
		}

		var body refreshResponse
		if err := resp.DecodeJSON(&body); err != nil {
			return nil, &Error{Kind: KindHTTP, Message: "decoding refresh response", Err: err}
		}

		event := RefreshEvent{
			UID:          body.UID,
			AccessToken:  body.AccessToken,
			RefreshToken: body.RefreshToken,
			RefreshTime:  refreshTime,
		}
		if r.onRefresh != nil {
			r.onRefresh(event)
		}
		r.events.Publish(event)

		// Randomized pause before letting callers proceed, so clusters
		// of clients that expired together don't stampede the backend.
		if jitter, err := util.RandomDuration(r.jitterMin, r.jitterMax); err == nil && jitter > 0 {
			select {
			case <-ctx.Done():
			case <-r.clock.After(jitter):
			}
		}
		return nil, nil
	})
	return err
}

// callRefresh issues the refresh network call with its own bounded retry:
// offline retries with delay, timeouts immediately, 429 honors
// Retry-After. Anything else propagates.
func (r *Refresher) callRefresh(ctx context.Context, uid string) (*Response, error) {
	header := make(http.Header)
	header.Set(HeaderUID, uid)

	req := Request{
		Method: http.MethodPost,
		Path:   RefreshPath,
		Header: header,
		Body: refreshRequest{
			UID:          uid,
			RefreshToken: r.store.RefreshToken(),
			ResponseType: "token",
			GrantType:    "refresh_token",
			RedirectURI:  "https://protonmail.ch/",
		},
	}

	for attempt := 1; ; attempt++ {
		resp, err := r.transport.Call(ctx, req)
		if err == nil {
			serverTime, timeErr := parseServerTime(resp.Header)
			if timeErr == nil {
				resp.Time = serverTime
			}
			if resp.Status >= 400 {
				err = decodeAPIError(resp)
			} else {
				return resp, nil
			}
		}

		apiErr, ok := asError(err)
		if !ok || attempt >= r.maxAttempts {
			return nil, err
		}

		switch apiErr.Kind {
		case KindOffline:
			if !sleepClock(ctx, r.clock, r.offlineRetryDelay) {
				return nil, abortedError(ctx.Err())
			}
		case KindTimeout:
			// Immediate retry.
		case KindRateLimited:
			if !sleepClock(ctx, r.clock, apiErr.RetryAfter) {
				return nil, abortedError(ctx.Err())
			}
		default:
			return nil, err
		}
	}
}

func sleepClock(ctx context.Context, clock Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-clock.After(d):
		return true
	}
}
