// Package auth orchestrates the session lifecycle: login, logout, fork
// consumption, session resume, locking and persistence, composing the auth
// store, the session codec and the call pipeline.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/pkeller/passauth/api"
	"github.com/pkeller/passauth/authstore"
	"github.com/pkeller/passauth/session"
	"github.com/pkeller/passauth/storage"
)

// Status is the service's lifecycle state. Locked and authorized are not
// mutually exclusive with having credentials loaded; they describe what the
// caller may do next.
type Status string

const (
	StatusUnauthenticated Status = "unauthenticated"
	StatusAuthorizing     Status = "authorizing"
	StatusAuthorized      Status = "authorized"
	StatusLocked          Status = "locked"
)

var (
	// ErrInvalidSession covers structural and integrity failures on resume:
	// incomplete persisted data, digest mismatch, undecryptable blob.
	ErrInvalidSession = errors.New("invalid session")
	// ErrSessionNotFound is returned when no persisted session exists for
	// the requested local id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidFork is returned when a fork selector cannot be exchanged
	// for a usable session.
	ErrInvalidFork = errors.New("invalid fork")
)

// Service drives the auth state machine over its collaborators.
type Service struct {
	store   *authstore.Store
	client  *api.Client
	repo    storage.Repository
	account AccountClient
	lock    LockClient
	srp     SRPClient
	logger  *slog.Logger

	mu       sync.Mutex
	status   Status
	localKey *memguard.Enclave
	unsub    func()
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the structured logger. If not set, a default JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithSRPClient installs the extra-password verifier.
func WithSRPClient(srp SRPClient) Option {
	return func(s *Service) {
		s.srp = srp
	}
}

// New creates the auth service. repo holds encrypted persisted sessions;
// account and lock are the remote collaborators.
func New(client *api.Client, store *authstore.Store, repo storage.Repository, account AccountClient, lock LockClient, opts ...Option) *Service {
	s := &Service{
		store:   store,
		client:  client,
		repo:    repo,
		account: account,
		lock:    lock,
		status:  StatusUnauthenticated,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return s
}

// Status returns the current lifecycle state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Service) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// ResumeSession restores the session for localID: the in-memory session is
// the fast path (no network), otherwise the persisted record is loaded,
// decrypted and integrity-checked, legacy token auth is upgraded to cookie
// auth when the runtime expects it, and login completes the transition.
// It reports whether the session is usable (false means locked).
func (s *Service) ResumeSession(ctx context.Context, localID int) (bool, error) {
	if mem := s.store.Session(); mem.Valid() && mem.LocalID == localID {
		return s.Login(ctx, mem)
	}

	p, err := s.repo.Get(ctx, localID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("%w: local id %d", ErrSessionNotFound, localID)
		}
		return false, fmt.Errorf("loading persisted session: %w", err)
	}
	if !authstore.ValidPersisted(p) {
		return false, fmt.Errorf("%w: persisted session incomplete", ErrInvalidSession)
	}

	// The local-key call below authenticates with the persisted session's
	// own credentials, so they must be on the store before the blob can be
	// opened.
	s.store.SetSession(session.Partial{
		UID:          &p.UID,
		UserID:       &p.UserID,
		LocalID:      &p.LocalID,
		AccessToken:  &p.AccessToken,
		RefreshToken: &p.RefreshToken,
		Cookies:      &p.Cookies,
	})

	keyBuf, err := s.sessionKey(ctx)
	if err != nil {
		return false, err
	}
	defer keyBuf.Destroy()

	sess, err := session.Open(keyBuf.Bytes(), p)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	if s.store.ShouldCookieUpgrade(p) {
		if err := s.upgradeToCookies(ctx, &sess); err != nil {
			return false, err
		}
	}

	ok, err := s.Login(ctx, sess)
	if err != nil || !ok {
		return ok, err
	}
	if sess.Persistent {
		if err := s.Persist(ctx); err != nil {
			s.logger.Warn("persisting resumed session", "localID", localID, "error", err)
		}
	}
	return true, nil
}

// upgradeToCookies moves a token-auth session onto cookie auth: one
// cookie-set call, then the bearer tokens are dropped from the session.
func (s *Service) upgradeToCookies(ctx context.Context, sess *session.Session) error {
	if err := s.account.SetCookies(ctx, sess.UID, sess.RefreshToken, sess.Persistent); err != nil {
		return fmt.Errorf("cookie upgrade: %w", err)
	}
	sess.AccessToken = ""
	sess.RefreshToken = ""
	sess.Cookies = true
	return nil
}

// Login hydrates the auth store from sess, wires the pipeline event
// subscription and settles the lock state. It returns false when the
// session is locked and a secret is needed before use.
func (s *Service) Login(ctx context.Context, sess session.Session) (bool, error) {
	if !sess.Valid() {
		return false, fmt.Errorf("%w: session incomplete", ErrInvalidSession)
	}

	s.setStatus(StatusAuthorizing)
	s.store.SetSession(session.PartialOf(sess))
	s.subscribe()

	lockMode := s.store.LockMode()
	if lockMode == session.LockModeNone {
		// Unknown locally; ask the server.
		lck, err := s.CheckLock(ctx)
		switch {
		case err == nil:
			lockMode = lck.Mode
			if lck.Locked {
				s.setStatus(StatusLocked)
				return false, nil
			}
		case isNetworkError(err):
			// Offline resume stays possible; the next successful call
			// re-synchronizes the lock state.
			s.logger.Warn("checking lock on login", "error", err)
		default:
			// The server answered and rejected the check. Authorizing
			// with an unknown lock state would bypass the lock gate.
			s.setStatus(StatusUnauthenticated)
			return false, fmt.Errorf("checking lock on login: %w", err)
		}
	}

	// A registered lock without a token means the unlock secret has not
	// been presented yet in this process.
	if lockMode != session.LockModeNone && s.store.LockToken() == "" {
		s.setStatus(StatusLocked)
		return false, nil
	}

	s.setStatus(StatusAuthorized)
	return true, nil
}

// ConsumeFork exchanges a fork selector for a full session, logs it in and
// persists it. Any failure tears the half-built session down and reports
// the fork as invalid.
func (s *Service) ConsumeFork(ctx context.Context, payload ForkPayload) (bool, error) {
	s.setStatus(StatusAuthorizing)

	forked, err := s.account.PullFork(ctx, payload.Selector)
	if err != nil {
		s.setStatus(StatusUnauthenticated)
		return false, fmt.Errorf("%w: %v", ErrInvalidFork, err)
	}
	sess := session.Session{
		UID:            forked.UID,
		UserID:         forked.UserID,
		LocalID:        forked.LocalID,
		AccessToken:    forked.AccessToken,
		RefreshToken:   forked.RefreshToken,
		KeyPassword:    payload.KeyPassword,
		Persistent:     payload.Persistent,
		ExtraPassword:  payload.ExtraPassword,
		PayloadVersion: session.PayloadVersion,
	}

	if sess.UserID == "" {
		// Older servers omit the user from the fork exchange. Hydrate the
		// credentials so the lookup can authenticate, then resolve it.
		s.store.SetSession(session.PartialOf(sess))
		user, err := s.account.User(ctx)
		if err != nil {
			s.setStatus(StatusUnauthenticated)
			return false, fmt.Errorf("%w: %v", ErrInvalidFork, err)
		}
		sess.UserID = user.ID
	}

	ok, err := s.Login(ctx, sess)
	if err != nil {
		if logoutErr := s.Logout(ctx, true); logoutErr != nil {
			s.logger.Warn("logout after failed fork", "error", logoutErr)
		}
		return false, fmt.Errorf("%w: %v", ErrInvalidFork, err)
	}
	if sess.Persistent {
		if err := s.Persist(ctx); err != nil {
			s.logger.Warn("persisting forked session", "error", err)
		}
	}
	return ok, nil
}

// ForkPayload is the out-of-band material accompanying a fork selector.
type ForkPayload struct {
	Selector      string
	KeyPassword   string
	Persistent    bool
	ExtraPassword bool
}

// ConfirmExtraPassword verifies the account's extra password over SRP.
// Sessions without an extra password confirm trivially.
func (s *Service) ConfirmExtraPassword(ctx context.Context, password string) error {
	if !s.store.ExtraPassword() {
		return nil
	}
	if s.srp == nil {
		return fmt.Errorf("extra password required but no SRP client configured")
	}
	return s.srp.VerifyExtraPassword(ctx, password)
}

// Lock transitions to the locked state. A hard lock additionally tells the
// server to invalidate outstanding lock tokens; a soft lock only reacts to
// a lock the server already reported.
func (s *Service) Lock(ctx context.Context, soft bool) error {
	if !soft {
		if err := s.lock.ForceLock(ctx); err != nil {
			return fmt.Errorf("force lock: %w", err)
		}
	}
	s.unsubscribe()
	s.store.SetLockToken("")
	s.setStatus(StatusLocked)
	return nil
}

// Unlock exchanges the pin for a fresh lock token and re-runs login. A
// session the server no longer recognizes is logged out; any other failure
// re-locks and propagates so the caller can prompt again.
func (s *Service) Unlock(ctx context.Context, pin string) error {
	if err := s.client.Reset(ctx); err != nil {
		return fmt.Errorf("resetting pipeline: %w", err)
	}
	s.subscribe()

	token, err := s.lock.Unlock(ctx, pin)
	if err != nil {
		if isInactiveError(err) {
			if logoutErr := s.Logout(ctx, true); logoutErr != nil {
				s.logger.Warn("logout after inactive unlock", "error", logoutErr)
			}
		} else {
			s.setStatus(StatusLocked)
		}
		return fmt.Errorf("unlocking session: %w", err)
	}

	s.store.SetLockToken(token)
	if _, err := s.CheckLock(ctx); err != nil {
		s.logger.Warn("checking lock after unlock", "error", err)
	}
	if s.store.Persistent() {
		if err := s.Persist(ctx); err != nil {
			s.logger.Warn("persisting unlocked session", "error", err)
		}
	}
	_, err = s.Login(ctx, s.store.Session())
	return err
}

// Logout clears every trace of the active session. Soft logout skips the
// remote revoke, for sessions already known to be invalid server-side.
func (s *Service) Logout(ctx context.Context, soft bool) error {
	if !soft {
		if uid := s.store.UID(); uid != "" {
			if err := s.account.RevokeSession(ctx, uid); err != nil {
				s.logger.Warn("revoking session on logout", "uid", uid, "error", err)
			}
		}
	}

	s.unsubscribe()

	localID := s.store.LocalID()
	s.store.Clear()
	if err := s.repo.Delete(ctx, localID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("deleting persisted session", "localID", localID, "error", err)
	}

	s.mu.Lock()
	s.localKey = nil
	s.status = StatusUnauthenticated
	s.mu.Unlock()

	if err := s.client.Reset(ctx); err != nil {
		return fmt.Errorf("resetting pipeline: %w", err)
	}
	return nil
}

// CheckLock queries the remote lock state, mirrors it into the auth store
// and stamps the last-extend time so local ttl countdowns know when they
// were last synchronized against the server.
func (s *Service) CheckLock(ctx context.Context) (Lock, error) {
	lck, err := s.lock.Check(ctx)
	if err != nil {
		return Lock{}, err
	}
	s.store.SetLockMode(lck.Mode)
	s.store.SetLockTTL(lck.TTL)
	stamp := s.client.ServerTime()
	if stamp.IsZero() {
		stamp = time.Now()
	}
	s.store.SetLockLastExtendTime(stamp)
	return lck, nil
}

// lockExtendInterval bounds how often ExtendLock re-synchronizes the ttl
// countdown with the server.
const lockExtendInterval = 5 * time.Minute

// ExtendLock refreshes the lock ttl countdown against the server. Calls
// within lockExtendInterval of the previous synchronization are no-ops, so
// callers may invoke it on every user interaction.
func (s *Service) ExtendLock(ctx context.Context) error {
	if s.store.LockMode() == session.LockModeNone {
		return nil
	}
	last := s.store.LockLastExtendTime()
	if !last.IsZero() && time.Since(last) < lockExtendInterval {
		return nil
	}
	_, err := s.CheckLock(ctx)
	return err
}

// CreateLock registers a session lock with the server and adopts it
// locally.
func (s *Service) CreateLock(ctx context.Context, pin string, ttl int) error {
	token, err := s.lock.Create(ctx, pin, ttl)
	if err != nil {
		return fmt.Errorf("creating lock: %w", err)
	}
	mode := session.LockModeSession
	s.store.SetSession(session.Partial{
		LockMode:  &mode,
		LockTTL:   &ttl,
		LockToken: &token,
	})
	if s.store.Persistent() {
		if err := s.Persist(ctx); err != nil {
			s.logger.Warn("persisting session after lock create", "error", err)
		}
	}
	return nil
}

// RemoveLock deregisters the session lock.
func (s *Service) RemoveLock(ctx context.Context, pin string) error {
	if err := s.lock.Remove(ctx, pin); err != nil {
		return fmt.Errorf("removing lock: %w", err)
	}
	mode := session.LockModeNone
	ttl := 0
	token := ""
	s.store.SetSession(session.Partial{
		LockMode:  &mode,
		LockTTL:   &ttl,
		LockToken: &token,
	})
	if s.store.Persistent() {
		if err := s.Persist(ctx); err != nil {
			s.logger.Warn("persisting session after lock remove", "error", err)
		}
	}
	return nil
}

// Persist encrypts the current session under the local key and writes it to
// the repository. Non-persistent sessions are left alone.
func (s *Service) Persist(ctx context.Context) error {
	if !s.store.Persistent() {
		return nil
	}
	sess := s.store.Session()
	if !sess.Valid() {
		return fmt.Errorf("%w: refusing to persist incomplete session", ErrInvalidSession)
	}

	keyBuf, err := s.sessionKey(ctx)
	if err != nil {
		return err
	}
	defer keyBuf.Destroy()

	p, err := session.Seal(sess, keyBuf.Bytes())
	if err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}
	if err := s.repo.Put(ctx, p); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// sessionKey opens the cached local-key enclave, fetching the key from the
// account on first use. The caller destroys the returned buffer.
func (s *Service) sessionKey(ctx context.Context) (*memguard.LockedBuffer, error) {
	s.mu.Lock()
	enclave := s.localKey
	s.mu.Unlock()

	if enclave == nil {
		raw, err := s.account.LocalKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching local session key: %w", err)
		}
		enclave = memguard.NewEnclave(raw)
		s.mu.Lock()
		s.localKey = enclave
		s.mu.Unlock()
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening local key enclave: %w", err)
	}
	return buf, nil
}

// subscribe wires the pipeline's events into lifecycle reactions: a locked
// session soft-locks, an inactive session soft-logs-out, a refresh persists
// the rotated tokens. Re-subscribing replaces any previous subscription.
//
// Reactions run on a dedicated goroutine. The hub delivers synchronously
// from inside the failing call, which is still counted as pending there,
// and the reactions re-enter the pipeline: Logout waits for it to idle and
// Persist issues calls of its own. Running them inline would stall the
// publishing caller against itself.
func (s *Service) subscribe() {
	s.unsubscribe()

	queue := make(chan api.Event, 16)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case e := <-queue:
				s.react(e)
			}
		}
	}()

	// The enqueue must never block: reactions issue pipeline calls of
	// their own, whose events are delivered from the worker goroutine.
	cancel := s.client.Events().Subscribe(func(e api.Event) {
		select {
		case queue <- e:
		case <-stop:
		default:
			s.logger.Warn("event backlog full, dropping", "event", fmt.Sprintf("%T", e))
		}
	})

	s.mu.Lock()
	s.unsub = func() {
		cancel()
		close(stop)
	}
	s.mu.Unlock()
}

func (s *Service) react(e api.Event) {
	switch ev := e.(type) {
	case api.SessionEvent:
		switch ev.Status {
		case api.SessionLocked:
			if err := s.Lock(context.Background(), true); err != nil {
				s.logger.Warn("soft lock on session event", "error", err)
			}
		case api.SessionInactive:
			if err := s.Logout(context.Background(), true); err != nil {
				s.logger.Warn("soft logout on session event", "error", err)
			}
		}
	case api.RefreshEvent:
		if err := s.Persist(context.Background()); err != nil {
			s.logger.Warn("persisting session after refresh", "error", err)
		}
	}
}

func (s *Service) unsubscribe() {
	s.mu.Lock()
	cancel := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// isInactiveError reports whether err means the server no longer accepts
// this session at all.
// isNetworkError reports whether err means the server was never reached,
// as opposed to an authoritative rejection.
func isNetworkError(err error) bool {
	return api.IsKind(err, api.KindOffline) ||
		api.IsKind(err, api.KindTimeout) ||
		api.IsKind(err, api.KindUnreachable)
}

func isInactiveError(err error) bool {
	if api.IsKind(err, api.KindSessionInactive) {
		return true
	}
	var apiErr *api.Error
	return errors.As(err, &apiErr) && apiErr.Status == 401
}
