// Package authstore holds the active session's credentials and lock state
// behind typed accessors over a generic key-value abstraction. It performs
// no persistence, crypto, or network work of its own; every mutation is a
// synchronous local write.
package authstore

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkeller/passauth/internal/util"
	"github.com/pkeller/passauth/session"
)

// AuthMode selects the transport-level authentication scheme.
type AuthMode string

const (
	// AuthModeToken sends bearer access tokens on every call.
	AuthModeToken AuthMode = "token"
	// AuthModeCookie relies on UID-scoped cookies set by the server.
	AuthModeCookie AuthMode = "cookie"
)

// KV is the minimal key-value contract the store needs. Implementations
// must be safe for concurrent use.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// Store keys. Kept in one place so Clear can enumerate them.
const (
	keyUID             = "uid"
	keyUserID          = "user_id"
	keyLocalID         = "local_id"
	keyAccessToken     = "access_token"
	keyRefreshToken    = "refresh_token"
	keyRefreshTime     = "refresh_time"
	keyKeyPassword     = "key_password"
	keyLockMode        = "lock_mode"
	keyLockTTL         = "lock_ttl"
	keyLockToken       = "lock_token"
	keyLockLastExtend  = "lock_last_extend"
	keyOfflineKD       = "offline_kd"
	keyOfflineConfig   = "offline_config"
	keyOfflineVerifier = "offline_verifier"
	keyCookies         = "cookies"
	keyPersistent      = "persistent"
	keyExtraPassword   = "extra_password"
	keyPayloadVersion  = "payload_version"
)

var allKeys = []string{
	keyUID, keyUserID, keyLocalID, keyAccessToken, keyRefreshToken,
	keyRefreshTime, keyKeyPassword, keyLockMode, keyLockTTL, keyLockToken,
	keyLockLastExtend, keyOfflineKD, keyOfflineConfig, keyOfflineVerifier,
	keyCookies, keyPersistent, keyExtraPassword, keyPayloadVersion,
}

// Store is the single shared mutable holder for the active session.
type Store struct {
	kv   KV
	mode AuthMode
}

// New creates a Store over the given KV using the given auth mode.
func New(kv KV, mode AuthMode) *Store {
	return &Store{kv: kv, mode: mode}
}

// Mode returns the transport auth mode the store was constructed with.
func (s *Store) Mode() AuthMode { return s.mode }

func (s *Store) getString(key string) string {
	v, _ := s.kv.Get(key)
	return v
}

func (s *Store) setString(key, value string) {
	if value == "" {
		s.kv.Delete(key)
		return
	}
	s.kv.Set(key, value)
}

func (s *Store) getInt(key string) int {
	v, ok := s.kv.Get(key)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func (s *Store) setInt(key string, value int) {
	s.kv.Set(key, strconv.Itoa(value))
}

func (s *Store) getBool(key string) bool {
	v, _ := s.kv.Get(key)
	return v == "1"
}

func (s *Store) setBool(key string, value bool) {
	if !value {
		s.kv.Delete(key)
		return
	}
	s.kv.Set(key, "1")
}

func (s *Store) getTime(key string) time.Time {
	v, ok := s.kv.Get(key)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) setTime(key string, t time.Time) {
	if t.IsZero() {
		s.kv.Delete(key)
		return
	}
	s.kv.Set(key, t.Format(time.RFC3339Nano))
}

func (s *Store) UID() string                { return s.getString(keyUID) }
func (s *Store) SetUID(v string)            { s.setString(keyUID, v) }
func (s *Store) UserID() string             { return s.getString(keyUserID) }
func (s *Store) SetUserID(v string)         { s.setString(keyUserID, v) }
func (s *Store) LocalID() int               { return s.getInt(keyLocalID) }
func (s *Store) SetLocalID(v int)           { s.setInt(keyLocalID, v) }
func (s *Store) AccessToken() string        { return s.getString(keyAccessToken) }
func (s *Store) SetAccessToken(v string)    { s.setString(keyAccessToken, v) }
func (s *Store) RefreshToken() string       { return s.getString(keyRefreshToken) }
func (s *Store) SetRefreshToken(v string)   { s.setString(keyRefreshToken, v) }
func (s *Store) RefreshTime() time.Time     { return s.getTime(keyRefreshTime) }
func (s *Store) SetRefreshTime(t time.Time) { s.setTime(keyRefreshTime, t) }
func (s *Store) KeyPassword() string        { return s.getString(keyKeyPassword) }
func (s *Store) SetKeyPassword(v string)    { s.setString(keyKeyPassword, v) }
func (s *Store) LockToken() string          { return s.getString(keyLockToken) }
func (s *Store) SetLockToken(v string)      { s.setString(keyLockToken, v) }
func (s *Store) LockTTL() int               { return s.getInt(keyLockTTL) }
func (s *Store) SetLockTTL(v int)           { s.setInt(keyLockTTL, v) }
func (s *Store) Cookies() bool              { return s.getBool(keyCookies) }
func (s *Store) SetCookies(v bool)          { s.setBool(keyCookies, v) }
func (s *Store) Persistent() bool           { return s.getBool(keyPersistent) }
func (s *Store) SetPersistent(v bool)       { s.setBool(keyPersistent, v) }
func (s *Store) ExtraPassword() bool        { return s.getBool(keyExtraPassword) }
func (s *Store) SetExtraPassword(v bool)    { s.setBool(keyExtraPassword, v) }
func (s *Store) PayloadVersion() int        { return s.getInt(keyPayloadVersion) }
func (s *Store) SetPayloadVersion(v int)    { s.setInt(keyPayloadVersion, v) }
func (s *Store) OfflineVerifier() string    { return s.getString(keyOfflineVerifier) }
func (s *Store) SetOfflineVerifier(v string) {
	s.setString(keyOfflineVerifier, v)
}

// LockMode defaults to none when unset.
func (s *Store) LockMode() session.LockMode {
	v, ok := s.kv.Get(keyLockMode)
	if !ok || v == "" {
		return session.LockModeNone
	}
	return session.LockMode(v)
}

func (s *Store) SetLockMode(m session.LockMode) {
	if m == "" || m == session.LockModeNone {
		s.kv.Delete(keyLockMode)
		return
	}
	s.kv.Set(keyLockMode, string(m))
}

// LockLastExtendTime is when the lock TTL countdown was last refreshed
// against the server.
func (s *Store) LockLastExtendTime() time.Time     { return s.getTime(keyLockLastExtend) }
func (s *Store) SetLockLastExtendTime(t time.Time) { s.setTime(keyLockLastExtend, t) }

func (s *Store) OfflineKD() []byte {
	v, ok := s.kv.Get(keyOfflineKD)
	if !ok {
		return nil
	}
	b, err := util.Base64Decode(v)
	if err != nil {
		return nil
	}
	return b
}

func (s *Store) SetOfflineKD(b []byte) {
	if len(b) == 0 {
		s.kv.Delete(keyOfflineKD)
		return
	}
	s.kv.Set(keyOfflineKD, util.Base64Encode(b))
}

func (s *Store) OfflineConfig() *session.OfflineConfig {
	v, ok := s.kv.Get(keyOfflineConfig)
	if !ok {
		return nil
	}
	var cfg session.OfflineConfig
	if err := json.Unmarshal([]byte(v), &cfg); err != nil {
		return nil
	}
	return &cfg
}

func (s *Store) SetOfflineConfig(cfg *session.OfflineConfig) {
	if cfg == nil {
		s.kv.Delete(keyOfflineConfig)
		return
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	s.kv.Set(keyOfflineConfig, string(data))
}

// Session assembles a snapshot of the active session. Absent tokens come
// back as empty strings and an absent lock mode as none.
func (s *Store) Session() session.Session {
	return session.Session{
		UID:             s.UID(),
		UserID:          s.UserID(),
		LocalID:         s.LocalID(),
		AccessToken:     s.AccessToken(),
		RefreshToken:    s.RefreshToken(),
		RefreshTime:     s.RefreshTime(),
		KeyPassword:     s.KeyPassword(),
		LockMode:        s.LockMode(),
		LockTTL:         s.LockTTL(),
		LockToken:       s.LockToken(),
		OfflineKD:       s.OfflineKD(),
		OfflineConfig:   s.OfflineConfig(),
		OfflineVerifier: s.OfflineVerifier(),
		Cookies:         s.Cookies(),
		Persistent:      s.Persistent(),
		ExtraPassword:   s.ExtraPassword(),
		PayloadVersion:  s.PayloadVersion(),
	}
}

// SetSession applies only the set fields of the partial; fields left nil
// keep their current value.
func (s *Store) SetSession(p session.Partial) {
	if p.UID != nil {
		s.SetUID(*p.UID)
	}
	if p.UserID != nil {
		s.SetUserID(*p.UserID)
	}
	if p.LocalID != nil {
		s.SetLocalID(*p.LocalID)
	}
	if p.AccessToken != nil {
		s.SetAccessToken(*p.AccessToken)
	}
	if p.RefreshToken != nil {
		s.SetRefreshToken(*p.RefreshToken)
	}
	if p.RefreshTime != nil {
		s.SetRefreshTime(*p.RefreshTime)
	}
	if p.KeyPassword != nil {
		s.SetKeyPassword(*p.KeyPassword)
	}
	if p.LockMode != nil {
		s.SetLockMode(*p.LockMode)
	}
	if p.LockTTL != nil {
		s.SetLockTTL(*p.LockTTL)
	}
	if p.LockToken != nil {
		s.SetLockToken(*p.LockToken)
	}
	if p.OfflineKD != nil {
		s.SetOfflineKD(p.OfflineKD)
	}
	if p.OfflineConfig != nil {
		s.SetOfflineConfig(p.OfflineConfig)
	}
	if p.OfflineVerifier != nil {
		s.SetOfflineVerifier(*p.OfflineVerifier)
	}
	if p.Cookies != nil {
		s.SetCookies(*p.Cookies)
	}
	if p.Persistent != nil {
		s.SetPersistent(*p.Persistent)
	}
	if p.ExtraPassword != nil {
		s.SetExtraPassword(*p.ExtraPassword)
	}
	if p.PayloadVersion != nil {
		s.SetPayloadVersion(*p.PayloadVersion)
	}
}

// Clear resets every key. Used on logout.
func (s *Store) Clear() {
	for _, k := range allKeys {
		s.kv.Delete(k)
	}
}

// ShouldCookieUpgrade reports whether the given persisted session predates
// cookie auth while the runtime auth mode is cookie-based.
func (s *Store) ShouldCookieUpgrade(p session.Persisted) bool {
	return s.mode == AuthModeCookie && !p.Cookies
}

// ValidPersisted is the structural check applied to an encrypted session
// before any decryption is attempted.
func ValidPersisted(p session.Persisted) bool {
	if p.UID == "" || p.UserID == "" || p.Blob == "" {
		return false
	}
	if p.Cookies {
		return true
	}
	return p.AccessToken != "" && p.RefreshToken != ""
}

// MemoryKV is an in-process KV suitable for the active session.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ KV = (*MemoryKV)(nil)

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemoryKV) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

func (m *MemoryKV) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}
