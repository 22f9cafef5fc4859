package session

import (
	"crypto/sha256"
	"strconv"
	"strings"

	"github.com/pkeller/passauth/internal/util"
)

// DigestVersion is the current integrity digest version. The version is
// encoded into the digest string so that digests created under an older
// key set can still be validated after the key set changes.
const DigestVersion = 1

const (
	digestSeparator        = ";"
	digestVersionSeparator = "."
	digestAbsent           = "-"
)

// integrityFields returns the ordered list of field renderings covered by
// the digest for the given version. Adding or removing a field requires a
// new version.
func integrityFields(s Session, version int) []string {
	switch version {
	case 1:
		return []string{
			strconv.Itoa(s.LocalID),
			renderString(string(s.LockMode)),
			renderInt(s.LockTTL),
			renderInt(s.PayloadVersion),
			strconv.FormatBool(s.Persistent),
			renderString(s.OfflineVerifier),
			renderString(s.UID),
			renderString(s.UserID),
		}
	default:
		return nil
	}
}

func renderString(v string) string {
	if v == "" {
		return digestAbsent
	}
	return v
}

func renderInt(v int) string {
	if v == 0 {
		return digestAbsent
	}
	return strconv.Itoa(v)
}

// Digest computes the integrity digest over the session's integrity fields
// for the given version. The result is base64(sha256) followed by the
// version suffix, e.g. "qL3…Zk=.1".
func Digest(s Session, version int) (string, error) {
	fields := integrityFields(s, version)
	if fields == nil {
		return "", ErrDigestVersion
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, digestSeparator)))
	return util.Base64Encode(sum[:]) + digestVersionSeparator + strconv.Itoa(version), nil
}

// DigestVersionOf extracts the version suffix from a stored digest string.
// An unparsable suffix falls back to the current DigestVersion, matching
// the legacy client behavior (see DESIGN.md for the trade-off).
func DigestVersionOf(digest string) int {
	idx := strings.LastIndex(digest, digestVersionSeparator)
	if idx < 0 || idx == len(digest)-1 {
		return DigestVersion
	}
	version, err := strconv.Atoi(digest[idx+1:])
	if err != nil || version < 1 {
		return DigestVersion
	}
	return version
}
