package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession() Session {
	return Session{
		UID:             "uid-123",
		UserID:          "user-456",
		LocalID:         3,
		AccessToken:     "access",
		RefreshToken:    "refresh",
		KeyPassword:     "key-password",
		LockMode:        LockModeSession,
		LockTTL:         600,
		LockToken:       "lock-token",
		OfflineVerifier: "verifier",
		Persistent:      true,
		PayloadVersion:  PayloadVersion,
	}
}

func TestDigest_Deterministic(t *testing.T) {
	s := testSession()

	d1, err := Digest(s, DigestVersion)
	require.NoError(t, err)
	d2, err := Digest(s, DigestVersion)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.True(t, strings.HasSuffix(d1, ".1"))
}

func TestDigest_SensitiveToIntegrityFields(t *testing.T) {
	base := testSession()
	baseDigest, err := Digest(base, DigestVersion)
	require.NoError(t, err)

	mutated := base
	mutated.LocalID = 4
	mutatedDigest, err := Digest(mutated, DigestVersion)
	require.NoError(t, err)

	assert.NotEqual(t, baseDigest, mutatedDigest)
}

func TestDigest_IgnoresNonIntegrityFields(t *testing.T) {
	base := testSession()
	baseDigest, err := Digest(base, DigestVersion)
	require.NoError(t, err)

	mutated := base
	mutated.AccessToken = "rotated"
	mutated.RefreshToken = "rotated"
	mutatedDigest, err := Digest(mutated, DigestVersion)
	require.NoError(t, err)

	assert.Equal(t, baseDigest, mutatedDigest)
}

func TestDigest_UnknownVersion(t *testing.T) {
	_, err := Digest(testSession(), 99)
	assert.ErrorIs(t, err, ErrDigestVersion)
}

func TestDigestVersionOf(t *testing.T) {
	tests := []struct {
		name   string
		digest string
		want   int
	}{
		{"current version", "abc=.1", 1},
		{"future version", "abc=.7", 7},
		{"no suffix falls back", "abc", DigestVersion},
		{"empty suffix falls back", "abc=.", DigestVersion},
		{"garbage suffix falls back", "abc=.x", DigestVersion},
		{"zero falls back", "abc=.0", DigestVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DigestVersionOf(tt.digest))
		})
	}
}
