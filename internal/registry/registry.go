// Package registry maps logical user identities to the set of live transport
// connections currently representing them. A user may hold several
// simultaneous connections (multiple browser tabs); the registry is the only
// structure that can resolve a user id to its connection ids, and the only
// source of the online/offline transition: a user is offline exactly when
// their connection set is empty.
package registry

import "sync"

// Registry is a thread-safe dual-index map between users and connections.
// The forward index (user -> connection set) and the reverse index
// (connection -> user) are always mutated together under the same lock, so
// they can never disagree.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{} // userID -> set of connIDs
	byConn map[string]string              // connID -> userID
}

// New creates an empty Registry ready for use.
func New() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]struct{}),
		byConn: make(map[string]string),
	}
}

// Register adds connID to userID's connection set, creating the set if
// absent. Registering the same pair twice is a no-op. A connection id can
// belong to at most one user: re-registering a connID under a different user
// moves it, pruning the old owner's set.
func (r *Registry) Register(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.byConn[connID]; ok && owner != userID {
		r.removeLocked(owner, connID)
	}

	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[connID] = struct{}{}
	r.byConn[connID] = userID
}

// Unregister removes connID from its owner's connection set. It returns the
// owning userID, whether the user's set became empty (the user went fully
// offline), and whether the connection was known at all. Unregistering an
// unknown connID is a no-op; disconnect events may race with registration.
func (r *Registry) Unregister(connID string) (userID string, wentOffline bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok = r.byConn[connID]
	if !ok {
		return "", false, false
	}
	r.removeLocked(userID, connID)
	_, stillOnline := r.byUser[userID]
	return userID, !stillOnline, true
}

// removeLocked detaches connID from userID in both indexes and drops the
// user's entry once the set empties. Caller must hold the write lock.
func (r *Registry) removeLocked(userID, connID string) {
	delete(r.byConn, connID)
	if set, ok := r.byUser[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, userID)
		}
	}
}

// ConnectionsFor returns the connection ids currently registered for userID.
// The returned slice is a copy; it is empty (never nil) for unknown users.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	conns := make([]string, 0, len(set))
	for connID := range set {
		conns = append(conns, connID)
	}
	return conns
}

// IsOnline reports whether userID has at least one registered connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Owner returns the userID owning connID, if the connection is registered.
func (r *Registry) Owner(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// OnlineCount returns the number of users with at least one connection.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// ConnCount returns the total number of registered connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
