// Package presence tracks which users currently hold live real-time
// connections. State is per process and starts empty.
package presence

import "sync"

type Registry struct {
	mu     sync.RWMutex
	users  map[string]map[string]struct{}
	owners map[string]string
}

func New() *Registry {
	return &Registry{
		users:  make(map[string]map[string]struct{}),
		owners: make(map[string]string),
	}
}

// Add binds connID to userID. A connection already bound to another user is
// moved, so a connection id appears under at most one user.
func (r *Registry) Add(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.owners[connID]; ok {
		if prev == userID {
			return
		}
		r.removeLocked(prev, connID)
	}
	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.users[userID] = conns
	}
	conns[connID] = struct{}{}
	r.owners[connID] = userID
}

// Remove unbinds connID and reports whether it was the owner's last
// connection.
func (r *Registry) Remove(connID string) (userID string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.owners[connID]
	if !ok {
		return "", false
	}
	return userID, r.removeLocked(userID, connID)
}

func (r *Registry) removeLocked(userID, connID string) bool {
	delete(r.owners, connID)
	conns := r.users[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

func (r *Registry) IsPresent(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Connections returns a snapshot of the connection ids bound to userID.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// Len returns the number of present users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
