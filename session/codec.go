package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pkeller/passauth/internal/util"
)

var (
	// ErrInvalidPersisted indicates a persisted session that cannot be
	// trusted: missing required fields, an undecryptable blob, or an
	// integrity digest mismatch. Resume must fail, never continue.
	ErrInvalidPersisted = errors.New("invalid persisted session")
	// ErrDigestVersion indicates an unknown integrity digest version.
	ErrDigestVersion = errors.New("unknown digest version")
)

// blobAADTag binds version >= 2 blobs to their purpose. Version 1 blobs
// carry no tag.
var blobAADTag = []byte("session")

func blobAAD(payloadVersion int) []byte {
	if payloadVersion >= 2 {
		return blobAADTag
	}
	return nil
}

// blobPayload is the plaintext carried inside the encrypted blob: the
// sensitive session fields plus the integrity digest over the full session.
type blobPayload struct {
	KeyPassword string `json:"keyPassword"`
	OfflineKD   []byte `json:"offlineKD,omitempty"`
	LockToken   string `json:"sessionLockToken,omitempty"`
	Digest      string `json:"digest,omitempty"`
}

// Seal separates the sensitive fields out of s, computes a fresh integrity
// digest over the full session, and encrypts them into the returned
// Persisted record under key.
func Seal(s Session, key []byte) (Persisted, error) {
	payloadVersion := s.PayloadVersion
	if payloadVersion == 0 {
		payloadVersion = PayloadVersion
	}
	s.PayloadVersion = payloadVersion

	digest, err := Digest(s, DigestVersion)
	if err != nil {
		return Persisted{}, err
	}

	plaintext, err := json.Marshal(blobPayload{
		KeyPassword: s.KeyPassword,
		OfflineKD:   s.OfflineKD,
		LockToken:   s.LockToken,
		Digest:      digest,
	})
	if err != nil {
		return Persisted{}, fmt.Errorf("encoding session blob: %w", err)
	}
	defer util.WipeBytes(plaintext)

	ciphertext, err := util.Encrypt(plaintext, key, blobAAD(payloadVersion))
	if err != nil {
		return Persisted{}, fmt.Errorf("encrypting session blob: %w", err)
	}

	return Persisted{
		UID:             s.UID,
		UserID:          s.UserID,
		LocalID:         s.LocalID,
		AccessToken:     s.AccessToken,
		RefreshToken:    s.RefreshToken,
		LockMode:        s.LockMode,
		LockTTL:         s.LockTTL,
		OfflineConfig:   s.OfflineConfig,
		OfflineVerifier: s.OfflineVerifier,
		Cookies:         s.Cookies,
		Persistent:      s.Persistent,
		ExtraPassword:   s.ExtraPassword,
		PayloadVersion:  payloadVersion,
		Blob:            util.Base64Encode(ciphertext),
	}, nil
}

// openBlob decrypts and decodes the sensitive-field bundle. A blob without
// a key password is unusable and rejected outright.
func openBlob(key []byte, blob string, payloadVersion int) (blobPayload, error) {
	ciphertext, err := util.Base64Decode(blob)
	if err != nil {
		return blobPayload{}, fmt.Errorf("%w: malformed blob encoding", ErrInvalidPersisted)
	}

	plaintext, err := util.Decrypt(ciphertext, key, blobAAD(payloadVersion))
	if err != nil {
		return blobPayload{}, fmt.Errorf("%w: %v", ErrInvalidPersisted, err)
	}
	defer util.WipeBytes(plaintext)

	var payload blobPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return blobPayload{}, fmt.Errorf("%w: malformed blob payload", ErrInvalidPersisted)
	}
	if payload.KeyPassword == "" {
		return blobPayload{}, fmt.Errorf("%w: missing key password", ErrInvalidPersisted)
	}
	return payload, nil
}

// Open decrypts a persisted session and reconstructs the full Session.
// When the blob carries an integrity digest, the digest is recomputed over
// the reconstructed session using the version embedded in the stored
// digest and must match exactly; a mismatch signals tampering or
// corruption and fails the open.
func Open(key []byte, p Persisted) (Session, error) {
	payload, err := openBlob(key, p.Blob, p.PayloadVersion)
	if err != nil {
		return Session{}, err
	}

	s := Session{
		UID:             p.UID,
		UserID:          p.UserID,
		LocalID:         p.LocalID,
		AccessToken:     p.AccessToken,
		RefreshToken:    p.RefreshToken,
		KeyPassword:     payload.KeyPassword,
		LockMode:        p.LockMode,
		LockTTL:         p.LockTTL,
		LockToken:       payload.LockToken,
		OfflineKD:       payload.OfflineKD,
		OfflineConfig:   p.OfflineConfig,
		OfflineVerifier: p.OfflineVerifier,
		Cookies:         p.Cookies,
		Persistent:      p.Persistent,
		ExtraPassword:   p.ExtraPassword,
		PayloadVersion:  p.PayloadVersion,
	}

	if payload.Digest != "" {
		expected, err := Digest(s, DigestVersionOf(payload.Digest))
		if err != nil {
			return Session{}, fmt.Errorf("%w: %v", ErrInvalidPersisted, err)
		}
		if expected != payload.Digest {
			return Session{}, fmt.Errorf("%w: integrity digest mismatch", ErrInvalidPersisted)
		}
	}

	return s, nil
}
