package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/pkeller/passauth/api"
	"github.com/pkeller/passauth/session"
)

// Remote endpoint paths consumed by the auth service.
const (
	LockCheckPath  = "pass/v1/user/session/lock/check"
	LockForcePath  = "pass/v1/user/session/lock/force_lock"
	LockPath       = "pass/v1/user/session/lock"
	LockUnlockPath = "pass/v1/user/session/lock/unlock"

	SRPPath     = "pass/v1/user/srp"
	SRPInfoPath = "pass/v1/user/srp/info"
	SRPAuthPath = "pass/v1/user/srp/auth"

	UserPath = "core/v4/users"

	SessionsPath        = "auth/v4/sessions"
	SessionForkPath     = "auth/v4/sessions/forks"
	SessionCookiesPath  = "auth/v4/sessions/cookies"
	SessionLocalKeyPath = "auth/v4/sessions/local/key"
)

// Lock is the current session lock state as reported by the server.
type Lock struct {
	Mode   session.LockMode
	Locked bool
	// TTL is the unlocked lifetime in seconds.
	TTL int
}

// ForkSession is the credential bundle returned when a fork selector is
// exchanged for a full session. The key password travels out of band (it is
// carried by the forking client, not the server).
type ForkSession struct {
	UID          string
	AccessToken  string
	RefreshToken string
	UserID       string
	LocalID      int
}

// ActiveSession is one entry of the server's active-session list, used to
// revalidate locally remembered sessions.
type ActiveSession struct {
	UID          string    `json:"UID"`
	UserID       string    `json:"UserID"`
	LocalID      int       `json:"LocalID"`
	DisplayName  string    `json:"DisplayName"`
	PrimaryEmail string    `json:"PrimaryEmail"`
	LastUsedAt   time.Time `json:"-"`
}

// User is the account owning the current session.
type User struct {
	ID          string `json:"ID"`
	Name        string `json:"Name"`
	Email       string `json:"Email"`
	DisplayName string `json:"DisplayName"`
}

// AccountClient covers the generic account endpoints the auth service
// depends on: fork exchange, local session key retrieval, cookie upgrade,
// revocation, user info, and the active-session list.
type AccountClient interface {
	PullFork(ctx context.Context, selector string) (ForkSession, error)
	LocalKey(ctx context.Context) ([]byte, error)
	SetCookies(ctx context.Context, uid, refreshToken string, persistent bool) error
	RevokeSession(ctx context.Context, uid string) error
	User(ctx context.Context) (User, error)
	ActiveSessions(ctx context.Context) ([]ActiveSession, error)
}

// LockClient covers the session-lock endpoints.
type LockClient interface {
	Check(ctx context.Context) (Lock, error)
	ForceLock(ctx context.Context) error
	Create(ctx context.Context, pin string, ttl int) (string, error)
	Remove(ctx context.Context, pin string) error
	Unlock(ctx context.Context, pin string) (string, error)
}

// SRPClient verifies the optional extra password via the SRP endpoints. The
// handshake itself is opaque to this package.
type SRPClient interface {
	VerifyExtraPassword(ctx context.Context, password string) error
}

// NewAccountClient returns an AccountClient backed by the call pipeline.
func NewAccountClient(c *api.Client) AccountClient {
	return &accountClient{c: c}
}

// NewLockClient returns a LockClient backed by the call pipeline.
func NewLockClient(c *api.Client) LockClient {
	return &lockClient{c: c}
}

type accountClient struct {
	c *api.Client
}

type forkResponse struct {
	UID          string `json:"UID"`
	AccessToken  string `json:"AccessToken"`
	RefreshToken string `json:"RefreshToken"`
	UserID       string `json:"UserID"`
	LocalID      int    `json:"LocalID"`
}

func (a *accountClient) PullFork(ctx context.Context, selector string) (ForkSession, error) {
	var body forkResponse
	err := a.c.DoJSON(ctx, api.Request{
		Method: http.MethodGet,
		Path:   SessionForkPath + "/" + selector,
	}, &body)
	if err != nil {
		return ForkSession{}, fmt.Errorf("pulling fork: %w", err)
	}
	return ForkSession{
		UID:          body.UID,
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		UserID:       body.UserID,
		LocalID:      body.LocalID,
	}, nil
}

func (a *accountClient) LocalKey(ctx context.Context) ([]byte, error) {
	var body struct {
		Key string `json:"Key"`
	}
	err := a.c.DoJSON(ctx, api.Request{
		Method: http.MethodGet,
		Path:   SessionLocalKeyPath,
	}, &body)
	if err != nil {
		return nil, fmt.Errorf("fetching local key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(body.Key)
	if err != nil {
		return nil, fmt.Errorf("decoding local key: %w", err)
	}
	return key, nil
}

func (a *accountClient) SetCookies(ctx context.Context, uid, refreshToken string, persistent bool) error {
	req := api.Request{
		Method: http.MethodPost,
		Path:   SessionCookiesPath,
		UID:    uid,
		Body: map[string]any{
			"UID":          uid,
			"ResponseType": "cookie",
			"GrantType":    "refresh_token",
			"RefreshToken": refreshToken,
			"RedirectURI":  "https://protonmail.ch/",
			"Persistent":   persistent,
		},
	}
	resp, err := a.c.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("upgrading to cookie auth: %w", err)
	}
	resp.Close()
	return nil
}

func (a *accountClient) RevokeSession(ctx context.Context, uid string) error {
	resp, err := a.c.Do(ctx, api.Request{
		Method:         http.MethodDelete,
		Path:           SessionsPath,
		UID:            uid,
		SideEffectFree: true,
		SilenceAll:     true,
	})
	if err != nil {
		return fmt.Errorf("revoking session %s: %w", uid, err)
	}
	resp.Close()
	return nil
}

func (a *accountClient) User(ctx context.Context) (User, error) {
	var body struct {
		User User `json:"User"`
	}
	err := a.c.DoJSON(ctx, api.Request{
		Method: http.MethodGet,
		Path:   UserPath,
	}, &body)
	if err != nil {
		return User{}, fmt.Errorf("fetching user: %w", err)
	}
	return body.User, nil
}

func (a *accountClient) ActiveSessions(ctx context.Context) ([]ActiveSession, error) {
	var body struct {
		Sessions []ActiveSession `json:"Sessions"`
	}
	err := a.c.DoJSON(ctx, api.Request{
		Method: http.MethodGet,
		Path:   SessionsPath,
	}, &body)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	return body.Sessions, nil
}

type lockClient struct {
	c *api.Client
}

type lockCheckResponse struct {
	Mode   string `json:"Mode"`
	Locked bool   `json:"Locked"`
	TTL    int    `json:"TTL"`
}

type lockTokenResponse struct {
	SessionLockToken string `json:"SessionLockToken"`
}

func (l *lockClient) Check(ctx context.Context) (Lock, error) {
	var body lockCheckResponse
	err := l.c.DoJSON(ctx, api.Request{
		Method:  http.MethodGet,
		Path:    LockCheckPath,
		Silence: []int{api.CodeSessionLocked},
	}, &body)
	if err != nil {
		// A locked session answers the check itself.
		if api.IsKind(err, api.KindSessionLocked) {
			return Lock{Mode: session.LockModeSession, Locked: true}, nil
		}
		return Lock{}, fmt.Errorf("checking session lock: %w", err)
	}
	return Lock{
		Mode:   session.LockMode(body.Mode),
		Locked: body.Locked,
		TTL:    body.TTL,
	}, nil
}

func (l *lockClient) ForceLock(ctx context.Context) error {
	resp, err := l.c.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   LockForcePath,
	})
	if err != nil {
		return fmt.Errorf("forcing session lock: %w", err)
	}
	resp.Close()
	return nil
}

func (l *lockClient) Create(ctx context.Context, pin string, ttl int) (string, error) {
	var body lockTokenResponse
	err := l.c.DoJSON(ctx, api.Request{
		Method: http.MethodPost,
		Path:   LockPath,
		Body: map[string]any{
			"LockCode":     pin,
			"UnlockedSecs": ttl,
		},
	}, &body)
	if err != nil {
		return "", fmt.Errorf("creating session lock: %w", err)
	}
	return body.SessionLockToken, nil
}

func (l *lockClient) Remove(ctx context.Context, pin string) error {
	resp, err := l.c.Do(ctx, api.Request{
		Method: http.MethodDelete,
		Path:   LockPath,
		Body: map[string]any{
			"LockCode": pin,
		},
	})
	if err != nil {
		return fmt.Errorf("removing session lock: %w", err)
	}
	resp.Close()
	return nil
}

func (l *lockClient) Unlock(ctx context.Context, pin string) (string, error) {
	var body lockTokenResponse
	err := l.c.DoJSON(ctx, api.Request{
		Method: http.MethodPost,
		Path:   LockUnlockPath,
		Body: map[string]any{
			"LockCode": pin,
		},
	}, &body)
	if err != nil {
		return "", fmt.Errorf("unlocking session: %w", err)
	}
	return body.SessionLockToken, nil
}
