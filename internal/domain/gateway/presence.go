package gateway

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxConnsPerUser is the per-user simultaneous connection quota.
const DefaultMaxConnsPerUser = 5

// ErrQuotaExceeded is returned when a user already holds the maximum number
// of simultaneous connections. It is a policy rejection, not a transient
// failure; retrying without closing a connection first will fail again.
var ErrQuotaExceeded = errors.New("connection quota exceeded")

// Presence is the source of truth for which users are online. It maps each
// user to the set of connection ids currently open for them and enforces the
// per-user quota atomically at admission.
type Presence struct {
	mu         sync.Mutex
	maxPerUser int
	conns      map[uuid.UUID]map[uuid.UUID]struct{}
}

// NewPresence creates a presence registry with the given per-user quota.
// Non-positive quotas fall back to the default.
func NewPresence(maxPerUser int) *Presence {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxConnsPerUser
	}
	return &Presence{
		maxPerUser: maxPerUser,
		conns:      make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Register atomically checks the user's connection count and inserts the new
// connection id. The check and insert happen under one lock so two concurrent
// admissions can never both observe "quota-1" and both get in.
func (p *Presence) Register(userID, connID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.conns[userID]
	if len(set) >= p.maxPerUser {
		return ErrQuotaExceeded
	}
	if set == nil {
		set = make(map[uuid.UUID]struct{})
		p.conns[userID] = set
	}
	set[connID] = struct{}{}
	return nil
}

// Remove drops a connection id from the user's set. Removing an absent id is
// a no-op so duplicate cleanup calls on disconnect are harmless. The user
// entry is dropped once its set is empty.
func (p *Presence) Remove(userID, connID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.conns[userID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(p.conns, userID)
	}
}

// IsOnline reports whether the user holds at least one open connection
func (p *Presence) IsOnline(userID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[userID]) > 0
}

// OnlineUsers returns a snapshot of all users currently online
func (p *Presence) OnlineUsers() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()

	users := make([]uuid.UUID, 0, len(p.conns))
	for userID := range p.conns {
		users = append(users, userID)
	}
	return users
}

// ConnectionsOf returns a snapshot of the user's connection ids. Callers
// iterate the copy, so a concurrent disconnect cannot corrupt fan-out.
func (p *Presence) ConnectionsOf(userID uuid.UUID) []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.conns[userID]
	ids := make([]uuid.UUID, 0, len(set))
	for connID := range set {
		ids = append(ids, connID)
	}
	return ids
}

// CountConnections returns the number of open connections for the user
func (p *Presence) CountConnections(userID uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[userID])
}

// TotalConnections returns the number of open connections across all users
func (p *Presence) TotalConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, set := range p.conns {
		total += len(set)
	}
	return total
}
