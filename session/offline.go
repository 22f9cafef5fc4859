package session

import (
	"errors"
	"fmt"

	"github.com/pkeller/passauth/internal/util"
)

// ErrOfflinePassword indicates the supplied password does not verify
// against the stored offline verifier.
var ErrOfflinePassword = errors.New("offline password verification failed")

const offlineSaltLen = 16

// verifierInfo scopes the HKDF subkey under which the offline verifier is
// sealed, so the verifier cannot be confused with other uses of the
// offline key.
var verifierInfo = []byte("passauth:offline:verifier:v1")

// verifierMarker is the fixed plaintext sealed into the offline verifier.
var verifierMarker = []byte("offline-verifier")

// NewOfflineConfig generates a fresh salt with the default KDF parameters.
func NewOfflineConfig() (*OfflineConfig, error) {
	salt, err := util.RandomBytes(offlineSaltLen)
	if err != nil {
		return nil, err
	}
	return &OfflineConfig{
		Salt:   salt,
		Params: util.DefaultArgon2idParams(),
	}, nil
}

// DeriveOfflineKey derives the offline key from a password and the stored
// salt/params. The password is NFKD-normalized first so unicode input
// composes consistently across platforms.
func DeriveOfflineKey(password string, cfg OfflineConfig) ([]byte, error) {
	return util.DeriveArgon2idKey(util.Normalize(password), cfg.Salt, cfg.Params)
}

// NewOfflineVerifier seals a fixed marker under a subkey of the offline
// key. Verification is a local decrypt; no network round-trip needed.
func NewOfflineVerifier(offlineKD []byte) (string, error) {
	vkey, err := util.HKDFSubKey(offlineKD, nil, verifierInfo)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(vkey)

	sealed, err := util.Encrypt(verifierMarker, vkey, nil)
	if err != nil {
		return "", fmt.Errorf("sealing offline verifier: %w", err)
	}
	return util.Base64Encode(sealed), nil
}

// VerifyOfflinePassword re-derives the offline key from password and checks
// it opens the stored verifier. On success the derived key is returned so
// the caller can reuse it without deriving twice.
func VerifyOfflinePassword(password string, cfg OfflineConfig, verifier string) ([]byte, error) {
	offlineKD, err := DeriveOfflineKey(password, cfg)
	if err != nil {
		return nil, err
	}

	vkey, err := util.HKDFSubKey(offlineKD, nil, verifierInfo)
	if err != nil {
		util.WipeBytes(offlineKD)
		return nil, err
	}
	defer util.WipeBytes(vkey)

	sealed, err := util.Base64Decode(verifier)
	if err != nil {
		util.WipeBytes(offlineKD)
		return nil, fmt.Errorf("%w: malformed verifier", ErrOfflinePassword)
	}

	if _, err := util.Decrypt(sealed, vkey, nil); err != nil {
		util.WipeBytes(offlineKD)
		return nil, ErrOfflinePassword
	}
	return offlineKD, nil
}
