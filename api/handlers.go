package api

import (
	"context"
	"net/http"
)

// dispatch runs one logical call through the retry policy:
//
//   - offline errors retry with a fixed delay between attempts
//   - timeouts retry immediately
//   - 429 honors Retry-After
//   - 401 triggers a coalesced token refresh, then one retry of the
//     original call; an unrecoverable auth code or a 4xx refresh failure
//     is normalized to an inactive session
//   - 422 with the invalid-cookies-refresh code is normalized to an
//     inactive session
//
// All loops share one bounded attempt budget.
func (c *Client) dispatch(ctx context.Context, req Request) (*Response, error) {
	for attempt := 1; ; attempt++ {
		resp, err := c.call(ctx, req)
		if err == nil {
			return resp, nil
		}

		apiErr, ok := asError(err)
		if !ok {
			return nil, err
		}
		exhausted := attempt >= c.cfg.maxAttempts

		switch apiErr.Kind {
		case KindOffline:
			if exhausted {
				return nil, err
			}
			if !c.sleep(ctx, c.cfg.offlineRetryDelay) {
				return nil, abortedError(ctx.Err())
			}
		case KindTimeout:
			// Immediate retry; the timeout itself already consumed time.
			if exhausted {
				return nil, err
			}
		case KindRateLimited:
			if exhausted {
				return nil, err
			}
			if !c.sleep(ctx, apiErr.RetryAfter) {
				return nil, abortedError(ctx.Err())
			}
		case KindAborted, KindUnreachable, KindAppVersionBad, KindSessionLocked, KindSessionInactive:
			return nil, err
		default:
			switch {
			case apiErr.Status == http.StatusUnauthorized && !req.Unauthenticated:
				if unrecoverableAuthCode(apiErr.Code) {
					return nil, inactiveError(apiErr)
				}
				if exhausted {
					return nil, err
				}
				if refreshErr := c.refreshTokens(ctx, apiErr); refreshErr != nil {
					return nil, refreshErr
				}
				// Retry the original call with the rotated tokens.
			case apiErr.Status == http.StatusUnprocessableEntity && apiErr.Code == CodeInvalidCookiesRefresh:
				return nil, inactiveError(apiErr)
			default:
				return nil, err
			}
		}
	}
}

// unrecoverableAuthCode reports whether a 401's protocol code means the
// session cannot be saved by refreshing.
func unrecoverableAuthCode(code int) bool {
	return code == CodeRefreshTokenInvalid || code == CodeSessionRevoked
}

// refreshTokens drives the refresh coordinator while holding the pipeline
// refresh gate. A refresh rejected with a 4xx status means the session is
// terminally invalid; anything else propagates as-is.
func (c *Client) refreshTokens(ctx context.Context, cause *Error) error {
	c.setRefreshing(true)
	defer c.setRefreshing(false)

	err := c.refresher.Refresh(ctx, c.store.UID(), cause.ServerTime)
	if err == nil {
		return nil
	}
	if refreshErr, ok := asError(err); ok && refreshErr.Status >= 400 && refreshErr.Status < 500 {
		return inactiveError(refreshErr)
	}
	return err
}
