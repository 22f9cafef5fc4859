package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkeller/passauth/session"
	"github.com/pkeller/passauth/storage/memory"
)

func newTestSwitcher(t *testing.T, account *fakeAccount) (*Switcher, *memory.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	sw := NewSwitcher(repo, account,
		WithSwitcherLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return sw, repo
}

func seedSwitchable(t *testing.T, repo *memory.Repository, localID int, uid string) {
	t.Helper()
	require.NoError(t, repo.Put(context.Background(), session.Persisted{
		UID:            uid,
		UserID:         "user-" + uid,
		LocalID:        localID,
		AccessToken:    "at",
		RefreshToken:   "rt",
		PayloadVersion: session.PayloadVersion,
		Blob:           "blob",
	}))
}

func collectCallbacks() (SwitchCallbacks, *[]SwitchableSession, *[]SwitchableSession) {
	var active, inactive []SwitchableSession
	cb := SwitchCallbacks{
		OnActive:   func(s SwitchableSession) { active = append(active, s) },
		OnInactive: func(s SwitchableSession) { inactive = append(inactive, s) },
	}
	return cb, &active, &inactive
}

func TestSwitcher_SyncTrustsLocalList(t *testing.T) {
	account := &fakeAccount{}
	sw, repo := newTestSwitcher(t, account)
	seedSwitchable(t, repo, 1, "uid-a")
	seedSwitchable(t, repo, 2, "uid-b")

	cb, active, inactive := collectCallbacks()
	require.NoError(t, sw.Sync(context.Background(), false, cb))

	require.Len(t, *active, 2)
	assert.Empty(t, *inactive)
	assert.Equal(t, 1, (*active)[0].LocalID)
	assert.Equal(t, 2, (*active)[1].LocalID)
}

func TestSwitcher_SyncRevalidatePartitions(t *testing.T) {
	account := &fakeAccount{
		active: []ActiveSession{
			{UID: "uid-a", UserID: "user-uid-a", DisplayName: "Alice", PrimaryEmail: "alice@example.com"},
		},
	}
	sw, repo := newTestSwitcher(t, account)
	seedSwitchable(t, repo, 1, "uid-a")
	seedSwitchable(t, repo, 2, "uid-b")

	cb, active, inactive := collectCallbacks()
	require.NoError(t, sw.Sync(context.Background(), true, cb))

	require.Len(t, *active, 1)
	assert.Equal(t, "uid-a", (*active)[0].UID)
	assert.Equal(t, "Alice", (*active)[0].DisplayName)
	assert.Equal(t, "alice@example.com", (*active)[0].PrimaryEmail)

	require.Len(t, *inactive, 1)
	assert.Equal(t, "uid-b", (*inactive)[0].UID)
}

func TestSwitcher_SyncKeepsEnrichmentWithoutRevalidate(t *testing.T) {
	account := &fakeAccount{
		active: []ActiveSession{
			{UID: "uid-a", DisplayName: "Alice", PrimaryEmail: "alice@example.com"},
		},
	}
	sw, repo := newTestSwitcher(t, account)
	seedSwitchable(t, repo, 1, "uid-a")

	require.NoError(t, sw.Sync(context.Background(), true, SwitchCallbacks{}))

	// A later non-revalidating sync keeps the enrichment from before.
	cb, active, _ := collectCallbacks()
	require.NoError(t, sw.Sync(context.Background(), false, cb))
	require.Len(t, *active, 1)
	assert.Equal(t, "Alice", (*active)[0].DisplayName)
}

func TestSwitcher_RevokeMarksInactive(t *testing.T) {
	account := &fakeAccount{}
	sw, repo := newTestSwitcher(t, account)
	seedSwitchable(t, repo, 1, "uid-a")
	seedSwitchable(t, repo, 2, "uid-b")
	require.NoError(t, sw.Sync(context.Background(), false, SwitchCallbacks{}))

	sw.Revoke(context.Background(), "uid-b")

	assert.Equal(t, []string{"uid-b"}, account.revoked)
	sessions := sw.Sessions()
	require.Len(t, sessions, 2)
	// Active sessions sort first.
	assert.Equal(t, "uid-a", sessions[0].UID)
	assert.Equal(t, "uid-b", sessions[1].UID)
}

func TestSwitcher_RevokeUnknownUIDStillCallsRemote(t *testing.T) {
	account := &fakeAccount{}
	sw, _ := newTestSwitcher(t, account)

	sw.Revoke(context.Background(), "uid-ghost")
	assert.Equal(t, []string{"uid-ghost"}, account.revoked)
}
