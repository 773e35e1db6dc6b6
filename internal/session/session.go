// Package session implements the Session Manager: an at-most-one-owner
// invariant over a bidirectional message channel, with a takeover protocol
// and freshness tokens. Ported from the reference Python's ws.py SessionHub.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// Slot is the process-wide owner slot.
type Slot struct {
	SessionID  string
	OwnerToken string
	Since      time.Time
}

// Hub owns the single Slot and the callback used to notify the previous
// owner on takeover.
type Hub struct {
	mu   sync.Mutex
	slot *Slot

	// onKick, when set, is invoked with the token that no longer owns the
	// slot, so the caller can close that connection.
	onKick func(previousOwnerToken string)
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{}
}

// SetKickHandler registers the callback invoked when an owner is displaced
// by a takeover.
func (h *Hub) SetKickHandler(fn func(previousOwnerToken string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onKick = fn
}

func newToken() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard reader only fails if the OS
		// entropy source is unavailable; there is nothing a retry would fix.
		panic("session: failed to read random bytes: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// TryGrant atomically grants ownership if the slot is empty. Returns the
// new Slot and true on success, or the zero Slot and false if already
// occupied.
func (h *Hub) TryGrant() (Slot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slot != nil {
		return Slot{}, false
	}
	s := Slot{SessionID: newToken(), OwnerToken: newToken(), Since: time.Now().UTC()}
	h.slot = &s
	return s, true
}

// IsOwner reports whether (sessionID, ownerToken) matches the current slot.
func (h *Hub) IsOwner(sessionID, ownerToken string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slot != nil && h.slot.SessionID == sessionID && h.slot.OwnerToken == ownerToken
}

// OwnerSince returns the current owner's Since timestamp, or the zero time
// if unoccupied.
func (h *Hub) OwnerSince() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slot == nil {
		return time.Time{}
	}
	return h.slot.Since
}

// Occupied reports whether the slot currently has an owner.
func (h *Hub) Occupied() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slot != nil
}

// Takeover atomically installs a new owner, kicking any previous one. It
// returns the fresh Slot.
func (h *Hub) Takeover() Slot {
	h.mu.Lock()
	prev := h.slot
	next := Slot{SessionID: newToken(), OwnerToken: newToken(), Since: time.Now().UTC()}
	h.slot = &next
	kick := h.onKick
	h.mu.Unlock()

	if prev != nil && kick != nil {
		kick(prev.OwnerToken)
	}
	return next
}

// ReleaseIfOwner clears the slot iff (sessionID, ownerToken) currently owns
// it. Used on owner disconnect.
func (h *Hub) ReleaseIfOwner(sessionID, ownerToken string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slot != nil && h.slot.SessionID == sessionID && h.slot.OwnerToken == ownerToken {
		h.slot = nil
		return true
	}
	return false
}
