package api

import (
	"sort"
	"sync"
	"time"
)

// Event is the closed set of notifications published by the pipeline.
type Event interface {
	isEvent()
}

// SessionStatus is carried by SessionEvent.
type SessionStatus string

const (
	SessionLocked   SessionStatus = "locked"
	SessionInactive SessionStatus = "inactive"
)

// RefreshEvent is published after a successful token refresh so the auth
// service can persist the rotated tokens.
type RefreshEvent struct {
	UID          string
	AccessToken  string
	RefreshToken string
	RefreshTime  time.Time
}

// SessionEvent is published when the pipeline detects a locked or inactive
// session.
type SessionEvent struct {
	Status SessionStatus
}

// ErrorEvent is published for user-visible API errors not silenced by the
// originating call.
type ErrorEvent struct {
	Message string
	Code    int
	Status  int
}

// NetworkEvent is published on online/offline transitions.
type NetworkEvent struct {
	Online bool
}

func (RefreshEvent) isEvent() {}
func (SessionEvent) isEvent() {}
func (ErrorEvent) isEvent()   {}
func (NetworkEvent) isEvent() {}

// Hub is a minimal in-process publish/subscribe fan-out. Delivery is
// synchronous and in subscription order; subscribers must not block.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a cancel function that removes it.
func (h *Hub) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Publish delivers e to every current subscriber, oldest subscription
// first.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}
