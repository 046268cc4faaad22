// Package session owns the rendezvous state: the mapping from pin to session
// and its lifecycle (create, join, disconnect teardown, expiry). The registry
// is the single shared mutable resource of the server; every operation is
// atomic under one mutex so that create/join races resolve to exactly one
// winner.
package session

import (
	"errors"
	"sync"
	"time"
)

// Registry errors. All are non-fatal protocol conditions surfaced to the
// requesting peer, never faults that unwind a connection.
var (
	// ErrPinTaken means a live session already holds the requested pin.
	ErrPinTaken = errors.New("session: pin already in use")

	// ErrSessionNotFound means no session is keyed by the given pin.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrSessionFull means the session already has a receiver bound.
	ErrSessionFull = errors.New("session: already paired")
)

// Endpoint is the outbound half of one connected peer. *ws.Connection
// satisfies it in production; tests substitute in-memory fakes. The registry
// compares endpoints only by identity and never writes to them itself.
type Endpoint interface {
	// WriteMessage sends one framed message to the peer.
	WriteMessage(data []byte) error

	// Open reports whether the peer's channel is still writable. A closed
	// or half-closed channel makes the peer "unavailable" for forwarding.
	Open() bool
}

// Metadata holds the transfer description supplied at session creation. It is
// opaque to the registry and echoed verbatim to the receiver on join.
type Metadata struct {
	FileName string
	FileSize int64
}

// Session pairs two endpoints under one pin. Receiver is nil while the
// session is open (awaiting a peer) and set exactly once when it pairs.
type Session struct {
	Pin       string
	Meta      Metadata
	Initiator Endpoint
	Receiver  Endpoint
	CreatedAt time.Time
}

// Registry is the thread-safe pin -> session map. It is constructed at
// service start and injected into the relay router; nothing else mutates
// session state.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Create inserts a new open session keyed by pin with ep as its initiator.
// It fails with ErrPinTaken, mutating nothing, if a live session already
// holds the pin. CreatedAt is set to the current time.
func (r *Registry) Create(pin string, meta Metadata, ep Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[pin]; ok {
		return ErrPinTaken
	}
	r.sessions[pin] = &Session{
		Pin:       pin,
		Meta:      meta,
		Initiator: ep,
		CreatedAt: time.Now(),
	}
	return nil
}

// Join binds ep as the receiver of the session keyed by pin and returns the
// session's metadata and creation time. It fails with ErrSessionNotFound for
// an unknown pin and ErrSessionFull if a receiver is already bound. The
// receiver slot is set under the registry lock, so of two racing joiners
// exactly one wins.
func (r *Registry) Join(pin string, ep Endpoint) (Metadata, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[pin]
	if !ok {
		return Metadata{}, time.Time{}, ErrSessionNotFound
	}
	if s.Receiver != nil {
		return Metadata{}, time.Time{}, ErrSessionFull
	}
	s.Receiver = ep
	return s.Meta, s.CreatedAt, nil
}

// Peer returns the endpoint opposite `from` in the session keyed by pin:
// initiator for the receiver and vice versa. It fails with ErrSessionNotFound
// for an unknown pin. A (nil, nil) return means the session exists but the
// peer slot is still empty; callers must treat that as a non-fatal forwarding
// miss, not an error on the session.
func (r *Registry) Peer(pin string, from Endpoint) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[pin]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Initiator == from {
		return s.Receiver, nil
	}
	return s.Initiator, nil
}

// RemoveByEndpoint removes every session bound to ep in either role and
// returns the removed pins. A well-behaved client binds at most one session,
// so the result usually holds zero or one pin; the full scan keeps disconnect
// cleanup correct for a client that created several sessions before dropping.
func (r *Registry) RemoveByEndpoint(ep Endpoint) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for pin, s := range r.sessions {
		if s.Initiator == ep || s.Receiver == ep {
			delete(r.sessions, pin)
			removed = append(removed, pin)
		}
	}
	return removed
}

// Remove unconditionally deletes the session keyed by pin, if any.
func (r *Registry) Remove(pin string) {
	r.mu.Lock()
	delete(r.sessions, pin)
	r.mu.Unlock()
}

// SweepExpired removes every session whose CreatedAt is older than maxAge
// relative to now and returns the removed pins. It is called by the reaper on
// a fixed period, independent of connection activity.
func (r *Registry) SweepExpired(maxAge time.Duration, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for pin, s := range r.sessions {
		if now.Sub(s.CreatedAt) >= maxAge {
			delete(r.sessions, pin)
			expired = append(expired, pin)
		}
	}
	return expired
}

// Count returns the current number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	n := len(r.sessions)
	r.mu.Unlock()
	return n
}
