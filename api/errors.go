package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind is the closed set of failure classes produced at the transport
// boundary. Downstream code switches on Kind instead of probing error
// strings or numeric codes.
type Kind int

const (
	// KindHTTP is a plain API error carrying an HTTP status and an
	// optional protocol error code.
	KindHTTP Kind = iota
	// KindOffline means the network was unreachable from this host.
	KindOffline
	// KindTimeout means the request timed out in flight.
	KindTimeout
	// KindRateLimited is HTTP 429; RetryAfter carries the server's wait.
	KindRateLimited
	// KindSessionLocked means the session lock gate is engaged (422 +
	// the session-locked protocol code).
	KindSessionLocked
	// KindSessionInactive means the session is terminally invalid and
	// must be logged out.
	KindSessionInactive
	// KindAppVersionBad means the server refuses this client build.
	// Fatal until the process updates.
	KindAppVersionBad
	// KindUnreachable is the 5xx service-down class.
	KindUnreachable
	// KindAborted means the caller cancelled the request.
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindOffline:
		return "offline"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate limited"
	case KindSessionLocked:
		return "session locked"
	case KindSessionInactive:
		return "session inactive"
	case KindAppVersionBad:
		return "app version bad"
	case KindUnreachable:
		return "unreachable"
	case KindAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Protocol error codes surfaced by the account API.
const (
	// CodeAppVersionBad: the server refuses this client version outright.
	CodeAppVersionBad = 5003
	// CodeRefreshTokenInvalid: the refresh token was revoked or consumed;
	// the session cannot be recovered by refreshing.
	CodeRefreshTokenInvalid = 10013
	// CodeSessionRevoked: the session was revoked server-side.
	CodeSessionRevoked = 10014
	// CodeInvalidCookiesRefresh: cookie-based refresh rejected, seen
	// mid cookie-upgrade. Normalized to an inactive session.
	CodeInvalidCookiesRefresh = 10021
	// CodeSessionLocked: the session lock gate is engaged (with 422).
	CodeSessionLocked = 300008
	// CodeNetworkError is used by the network proxy for synthetic
	// offline/timeout responses.
	CodeNetworkError = 399001
)

// ErrServerTime is returned when a response carries no Date header; the
// pipeline refuses to proceed without an authoritative server clock.
var ErrServerTime = errors.New("could not fetch server time")

// Error is the typed error produced by the call pipeline.
type Error struct {
	Kind       Kind
	Status     int
	Code       int
	Message    string
	RetryAfter time.Duration
	// ServerTime is the Date header of the failing response, when one
	// was received. The refresh coordinator compares it against the
	// stored refresh time to skip redundant refreshes.
	ServerTime time.Time
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (status %d, code %d): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("api error (%s): %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure class of err, or KindHTTP if err is not a
// pipeline error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindHTTP
}

// IsKind reports whether err is a pipeline error of the given kind.
func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// errorBody is the JSON error envelope used by the account API.
type errorBody struct {
	Code  int    `json:"Code"`
	Error string `json:"Error"`
}

// decodeAPIError turns a non-2xx response into a typed *Error, consuming
// and closing the body.
func decodeAPIError(resp *Response) *Error {
	var body errorBody
	if resp.Body != nil {
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
	}

	apiErr := &Error{
		Kind:       KindHTTP,
		Status:     resp.Status,
		Code:       body.Code,
		Message:    body.Error,
		ServerTime: resp.Time,
	}

	switch {
	case body.Code == CodeAppVersionBad:
		apiErr.Kind = KindAppVersionBad
	case resp.Status == http.StatusUnprocessableEntity && body.Code == CodeSessionLocked:
		apiErr.Kind = KindSessionLocked
	case resp.Status == http.StatusTooManyRequests:
		apiErr.Kind = KindRateLimited
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.Status == http.StatusServiceUnavailable:
		apiErr.Kind = KindUnreachable
	}
	return apiErr
}

// parseRetryAfter reads a Retry-After header in either of its two forms,
// delta-seconds or an HTTP-date. Missing or malformed values fall back to
// a conservative default.
func parseRetryAfter(value string) time.Duration {
	const defaultRetryAfter = 10 * time.Second
	if value == "" {
		return defaultRetryAfter
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return defaultRetryAfter
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		d := time.Until(at)
		if d < 0 {
			return 0
		}
		return d
	}
	return defaultRetryAfter
}

func asError(err error) (*Error, bool) {
	var apiErr *Error
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

func inactiveError(cause *Error) *Error {
	return &Error{
		Kind:       KindSessionInactive,
		Status:     cause.Status,
		Code:       cause.Code,
		Message:    "session is inactive",
		ServerTime: cause.ServerTime,
		Err:        cause,
	}
}

func abortedError(cause error) *Error {
	return &Error{Kind: KindAborted, Message: "request aborted", Err: cause}
}
