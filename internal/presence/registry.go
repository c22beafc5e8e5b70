// Package presence tracks which users are reachable right now and through
// which connection.
package presence

import (
	"sync"

	"github.com/samber/lo"
)

// ConnID identifies one live connection. It is minted and owned by the
// transport; the registry only refers to it.
type ConnID string

// Status is the caller-declared activity state of a connected user.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	// StatusOffline is never stored; it is only announced when a user leaves.
	StatusOffline Status = "offline"
)

// UserPresence is one registered user.
type UserPresence struct {
	UserID string `json:"userId"`
	Status Status `json:"status"`
	ConnID ConnID `json:"socketId"`
}

// Registry maps user ids to connections and back.
//
// There is at most one record per user. Registering a user again replaces the
// previous connection, and the previous connection no longer maps back to the
// user, so its eventual disconnect leaves the newer record alone.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*UserPresence
	byConn map[ConnID]string
	order  []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]*UserPresence),
		byConn: make(map[ConnID]string),
	}
}

// Register inserts or overwrites the record for userID. A new record starts
// active; an overwritten one keeps its status.
func (r *Registry) Register(userID string, conn ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.byUser[userID]; ok {
		delete(r.byConn, p.ConnID)
		p.ConnID = conn
	} else {
		r.byUser[userID] = &UserPresence{UserID: userID, Status: StatusActive, ConnID: conn}
		r.order = append(r.order, userID)
	}

	// a connection carries one identity
	if prev, ok := r.byConn[conn]; ok && prev != userID {
		r.removeLocked(prev)
	}
	r.byConn[conn] = userID
}

// SetStatus updates the status of a known user and reports whether the user
// was found.
func (r *Registry) SetStatus(userID string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byUser[userID]
	if !ok {
		return false
	}
	p.Status = status
	return true
}

// Resolve returns the connection currently registered for userID.
func (r *Registry) Resolve(userID string) (ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byUser[userID]
	if !ok {
		return "", false
	}
	return p.ConnID, true
}

// Get returns a copy of the record for userID.
func (r *Registry) Get(userID string) (UserPresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byUser[userID]
	if !ok {
		return UserPresence{}, false
	}
	return *p, true
}

// List returns a snapshot of every record in first-registration order.
func (r *Registry) List() []UserPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Map(r.order, func(id string, _ int) UserPresence {
		return *r.byUser[id]
	})
}

// OnlineUserIDs returns the registered user ids in first-registration order.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append(make([]string, 0, len(r.order)), r.order...)
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// UnregisterByConnection removes the record registered through conn and
// returns its user id. It reports false when conn is not registered, which
// makes repeated calls for the same connection no-ops.
func (r *Registry) UnregisterByConnection(conn ConnID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[conn]
	if !ok {
		return "", false
	}
	r.removeLocked(userID)
	return userID, true
}

func (r *Registry) removeLocked(userID string) {
	p, ok := r.byUser[userID]
	if !ok {
		return
	}
	delete(r.byConn, p.ConnID)
	delete(r.byUser, userID)
	r.order = lo.Without(r.order, userID)
}
