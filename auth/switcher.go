package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkeller/passauth/storage"
)

// SwitchableSession is the lightweight multi-account summary shown in a
// session switcher. It is derived from persisted sessions and the server's
// active-session list; it is never authoritative over either.
type SwitchableSession struct {
	DisplayName  string
	LocalID      int
	PrimaryEmail string
	UID          string
	UserID       string
	LastUsedAt   time.Time
}

// SwitchCallbacks receive the partition produced by Sync: sessions the
// server still considers active and sessions it no longer does.
type SwitchCallbacks struct {
	OnActive   func(SwitchableSession)
	OnInactive func(SwitchableSession)
}

type switchEntry struct {
	summary SwitchableSession
	active  bool
}

// Switcher reconciles the locally remembered session list against the
// server's active sessions.
type Switcher struct {
	repo    storage.Repository
	account AccountClient
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[int]*switchEntry
}

// SwitcherOption configures the switcher.
type SwitcherOption func(*Switcher)

// WithSwitcherLogger sets the structured logger.
func WithSwitcherLogger(logger *slog.Logger) SwitcherOption {
	return func(s *Switcher) {
		s.logger = logger
	}
}

// NewSwitcher creates a switcher over the persisted session repository.
func NewSwitcher(repo storage.Repository, account AccountClient, opts ...SwitcherOption) *Switcher {
	s := &Switcher{
		repo:     repo,
		account:  account,
		sessions: make(map[int]*switchEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return s
}

// Sync rebuilds the local session list from the repository. Without
// revalidation the local list is trusted as-is; with revalidation the
// server's active-session list decides which local sessions survive, and
// surviving entries are enriched with fresh display name and primary email.
// Each session is reported through the callbacks exactly once.
func (s *Switcher) Sync(ctx context.Context, revalidate bool, cb SwitchCallbacks) error {
	persisted, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("listing persisted sessions: %w", err)
	}

	entries := make(map[int]*switchEntry, len(persisted))
	for _, p := range persisted {
		entries[p.LocalID] = &switchEntry{
			summary: SwitchableSession{
				LocalID: p.LocalID,
				UID:     p.UID,
				UserID:  p.UserID,
			},
			active: true,
		}
	}

	// Carry enrichment from earlier syncs forward.
	s.mu.Lock()
	for localID, prev := range s.sessions {
		if entry, ok := entries[localID]; ok && entry.summary.UID == prev.summary.UID {
			entry.summary.DisplayName = prev.summary.DisplayName
			entry.summary.PrimaryEmail = prev.summary.PrimaryEmail
			entry.summary.LastUsedAt = prev.summary.LastUsedAt
		}
	}
	s.mu.Unlock()

	if revalidate {
		active, err := s.account.ActiveSessions(ctx)
		if err != nil {
			return fmt.Errorf("revalidating sessions: %w", err)
		}
		byUID := make(map[string]ActiveSession, len(active))
		for _, a := range active {
			byUID[a.UID] = a
		}
		for _, entry := range entries {
			remote, ok := byUID[entry.summary.UID]
			if !ok {
				entry.active = false
				continue
			}
			entry.summary.DisplayName = remote.DisplayName
			entry.summary.PrimaryEmail = remote.PrimaryEmail
			if !remote.LastUsedAt.IsZero() {
				entry.summary.LastUsedAt = remote.LastUsedAt
			}
		}
	}

	s.mu.Lock()
	s.sessions = entries
	s.mu.Unlock()

	for _, entry := range sortedEntries(entries) {
		if entry.active {
			if cb.OnActive != nil {
				cb.OnActive(entry.summary)
			}
		} else if cb.OnInactive != nil {
			cb.OnInactive(entry.summary)
		}
	}
	return nil
}

// Revoke remotely invalidates the session with the given UID and marks it
// inactive locally. The revoke call is scoped to that UID and flagged
// side-effect-free so the active session's pipeline state stays untouched;
// a failed revoke is logged, not propagated, matching its fire-and-forget
// contract.
func (s *Switcher) Revoke(ctx context.Context, uid string) {
	if err := s.account.RevokeSession(ctx, uid); err != nil {
		s.logger.Warn("revoking session", "uid", uid, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.sessions {
		if entry.summary.UID == uid {
			entry.active = false
		}
	}
}

// Sessions returns the current summaries, active sessions first, each group
// ordered by local id.
func (s *Switcher) Sessions() []SwitchableSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := sortedEntries(s.sessions)
	out := make([]SwitchableSession, 0, len(entries))
	for _, entry := range entries {
		if entry.active {
			out = append(out, entry.summary)
		}
	}
	for _, entry := range entries {
		if !entry.active {
			out = append(out, entry.summary)
		}
	}
	return out
}

func sortedEntries(m map[int]*switchEntry) []*switchEntry {
	out := make([]*switchEntry, 0, len(m))
	for _, entry := range m {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].summary.LocalID < out[j].summary.LocalID
	})
	return out
}
