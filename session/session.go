// Package session defines the authentication session model and its
// encrypted at-rest representation.
package session

import (
	"time"

	"github.com/pkeller/passauth/internal/util"
)

// LockMode selects which secret-verification mechanism gates unlocking.
type LockMode string

const (
	LockModeNone       LockMode = "none"
	LockModePassword   LockMode = "password"
	LockModeSession    LockMode = "session"
	LockModeBiometrics LockMode = "biometrics"
)

// PayloadVersion is the current schema version for persisted session blobs.
// Version 2 binds the blob to its purpose with an AAD tag; version 1 blobs
// have no tag and remain readable for backwards compatibility.
const PayloadVersion = 2

// Session is the complete authentication record for one logical user
// session. KeyPassword, LockToken and OfflineKD are sensitive and never
// leave the process unencrypted.
type Session struct {
	UID          string
	UserID       string
	LocalID      int
	AccessToken  string
	RefreshToken string
	RefreshTime  time.Time

	KeyPassword string
	LockMode    LockMode
	LockTTL     int
	LockToken   string

	OfflineKD       []byte
	OfflineConfig   *OfflineConfig
	OfflineVerifier string

	Cookies       bool
	Persistent    bool
	ExtraPassword bool

	PayloadVersion int
}

// OfflineConfig holds the salt and KDF parameters needed to re-derive the
// offline key from the user's password without a network round-trip.
type OfflineConfig struct {
	Salt   []byte              `json:"salt"`
	Params util.Argon2idParams `json:"params"`
}

// Valid reports whether the session is complete enough to authenticate
// with: identity and key material present, offline material consistent,
// and either cookie auth or a full token pair.
func (s Session) Valid() bool {
	if s.UID == "" || s.UserID == "" || s.KeyPassword == "" {
		return false
	}
	if s.OfflineConfig != nil && len(s.OfflineKD) == 0 {
		return false
	}
	if s.Cookies {
		return true
	}
	return s.AccessToken != "" && s.RefreshToken != ""
}

// Partial is a draft session: only non-nil fields are considered set.
// It is how callers hand incremental updates to the auth store without
// clobbering fields they did not touch.
type Partial struct {
	UID          *string
	UserID       *string
	LocalID      *int
	AccessToken  *string
	RefreshToken *string
	RefreshTime  *time.Time

	KeyPassword *string
	LockMode    *LockMode
	LockTTL     *int
	LockToken   *string

	OfflineKD       []byte
	OfflineConfig   *OfflineConfig
	OfflineVerifier *string

	Cookies       *bool
	Persistent    *bool
	ExtraPassword *bool

	PayloadVersion *int
}

// PartialOf returns a Partial with every field of s set.
func PartialOf(s Session) Partial {
	return Partial{
		UID:             &s.UID,
		UserID:          &s.UserID,
		LocalID:         &s.LocalID,
		AccessToken:     &s.AccessToken,
		RefreshToken:    &s.RefreshToken,
		RefreshTime:     &s.RefreshTime,
		KeyPassword:     &s.KeyPassword,
		LockMode:        &s.LockMode,
		LockTTL:         &s.LockTTL,
		LockToken:       &s.LockToken,
		OfflineKD:       s.OfflineKD,
		OfflineConfig:   s.OfflineConfig,
		OfflineVerifier: &s.OfflineVerifier,
		Cookies:         &s.Cookies,
		Persistent:      &s.Persistent,
		ExtraPassword:   &s.ExtraPassword,
		PayloadVersion:  &s.PayloadVersion,
	}
}

// Persisted is the at-rest form of a Session: the non-sensitive fields in
// the clear plus one opaque encrypted blob carrying the sensitive fields
// and the integrity digest.
type Persisted struct {
	UID             string         `json:"UID"`
	UserID          string         `json:"UserID"`
	LocalID         int            `json:"LocalID"`
	AccessToken     string         `json:"AccessToken,omitempty"`
	RefreshToken    string         `json:"RefreshToken,omitempty"`
	LockMode        LockMode       `json:"lockMode,omitempty"`
	LockTTL         int            `json:"lockTTL,omitempty"`
	OfflineConfig   *OfflineConfig `json:"offlineConfig,omitempty"`
	OfflineVerifier string         `json:"offlineVerifier,omitempty"`
	Cookies         bool           `json:"cookies,omitempty"`
	Persistent      bool           `json:"persistent,omitempty"`
	ExtraPassword   bool           `json:"extraPassword,omitempty"`
	PayloadVersion  int            `json:"payloadVersion"`
	Blob            string         `json:"blob"`
}
