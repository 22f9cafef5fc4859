package auth

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkeller/passauth/api"
	"github.com/pkeller/passauth/authstore"
	"github.com/pkeller/passauth/session"
)

func newClientEnv(t *testing.T, transport *fakeTransport) *api.Client {
	t.Helper()
	store := authstore.New(authstore.NewMemoryKV(), authstore.AuthModeToken)
	store.SetSession(session.PartialOf(testSession()))
	return api.New(transport, store,
		api.WithRefreshJitter(0, 0),
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func (f *fakeTransport) lastCall(t *testing.T) api.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

func TestLockClient_Check(t *testing.T) {
	transport := &fakeTransport{fn: func(ctx context.Context, req api.Request) (*api.Response, error) {
		return jsonResponse(http.StatusOK, `{"Mode":"session","Locked":false,"TTL":600}`), nil
	}}
	client := NewLockClient(newClientEnv(t, transport))

	lck, err := client.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Lock{Mode: session.LockModeSession, Locked: false, TTL: 600}, lck)
	assert.Equal(t, LockCheckPath, transport.lastCall(t).Path)
}

func TestLockClient_CheckLockedSessionAnswersItself(t *testing.T) {
	transport := &fakeTransport{fn: func(ctx context.Context, req api.Request) (*api.Response, error) {
		return jsonResponse(http.StatusUnprocessableEntity, `{"Code":300008,"Error":"session locked"}`), nil
	}}
	client := NewLockClient(newClientEnv(t, transport))

	lck, err := client.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Lock{Mode: session.LockModeSession, Locked: true}, lck)
}

func TestLockClient_Unlock(t *testing.T) {
	transport := &fakeTransport{fn: func(ctx context.Context, req api.Request) (*api.Response, error) {
		return jsonResponse(http.StatusOK, `{"SessionLockToken":"fresh-token"}`), nil
	}}
	client := NewLockClient(newClientEnv(t, transport))

	token, err := client.Unlock(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)

	req := transport.lastCall(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, LockUnlockPath, req.Path)
}

func TestAccountClient_PullFork(t *testing.T) {
	transport := &fakeTransport{fn: func(ctx context.Context, req api.Request) (*api.Response, error) {
		return jsonResponse(http.StatusOK,
			`{"UID":"uid-f","AccessToken":"at-f","RefreshToken":"rt-f","UserID":"user-f","LocalID":7}`), nil
	}}
	client := NewAccountClient(newClientEnv(t, transport))

	fork, err := client.PullFork(context.Background(), "selector-1")
	require.NoError(t, err)
	assert.Equal(t, ForkSession{
		UID:          "uid-f",
		AccessToken:  "at-f",
		RefreshToken: "rt-f",
		UserID:       "user-f",
		LocalID:      7,
	}, fork)
	assert.Equal(t, SessionForkPath+"/selector-1", transport.lastCall(t).Path)
}

func TestAccountClient_LocalKey(t *testing.T) {
	key := testLocalKey()
	encoded := base64.StdEncoding.EncodeToString(key)
	transport := &fakeTransport{fn: func(ctx context.Context, req api.Request) (*api.Response, error) {
		return jsonResponse(http.StatusOK, `{"Key":"`+encoded+`"}`), nil
	}}
	client := NewAccountClient(newClientEnv(t, transport))

	got, err := client.LocalKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestAccountClient_User(t *testing.T) {
	transport := &fakeTransport{fn: func(ctx context.Context, req api.Request) (*api.Response, error) {
		return jsonResponse(http.StatusOK,
			`{"Code":1000,"User":{"ID":"user-1","Name":"alice","Email":"alice@example.com","DisplayName":"Alice"}}`), nil
	}}
	client := NewAccountClient(newClientEnv(t, transport))

	user, err := client.User(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "Alice", user.DisplayName)
	assert.Equal(t, UserPath, transport.lastCall(t).Path)
}

func TestAccountClient_RevokeSessionScopedToUID(t *testing.T) {
	transport := &fakeTransport{}
	client := NewAccountClient(newClientEnv(t, transport))

	require.NoError(t, client.RevokeSession(context.Background(), "uid-other"))

	req := transport.lastCall(t)
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, SessionsPath, req.Path)
	assert.True(t, req.SideEffectFree)
	assert.True(t, req.SilenceAll)
	// The revoke authenticates as the target session, not the active one.
	assert.Equal(t, "uid-other", req.Header.Get(api.HeaderUID))
}

func TestAccountClient_ActiveSessions(t *testing.T) {
	transport := &fakeTransport{fn: func(ctx context.Context, req api.Request) (*api.Response, error) {
		return jsonResponse(http.StatusOK,
			`{"Sessions":[{"UID":"uid-a","UserID":"user-a","LocalID":1,"DisplayName":"Alice","PrimaryEmail":"alice@example.com"}]}`), nil
	}}
	client := NewAccountClient(newClientEnv(t, transport))

	sessions, err := client.ActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "Alice", sessions[0].DisplayName)
}
