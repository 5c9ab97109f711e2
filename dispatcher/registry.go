package dispatcher

import "sync"

// Registry tracks the live session ID currently bound to each client ID,
// so a second CONNECT for an already-connected client ID can be resolved
// as a takeover: the old connection is identified and evicted before the
// new session claims the slot, rather than running two sessions for one
// client ID concurrently.
type Registry struct {
	mu   sync.Mutex
	live map[string]string // clientID -> sessionID
}

// NewRegistry builds an empty client_id -> session_id registry.
func NewRegistry() *Registry {
	return &Registry{live: make(map[string]string)}
}

// Claim binds sessionID to clientID, returning the previously bound
// session ID (if any) so the caller can evict it. ok is false if no
// previous session held the client ID.
func (r *Registry) Claim(clientID, sessionID string) (previous string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous, ok = r.live[clientID]
	r.live[clientID] = sessionID
	return previous, ok
}

// Release removes clientID's binding, but only if it still points at
// sessionID — a takeover that already replaced the binding must not be
// undone by the evicted session's own cleanup running late.
func (r *Registry) Release(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[clientID] == sessionID {
		delete(r.live, clientID)
	}
}

// SessionFor returns the session ID currently bound to clientID.
func (r *Registry) SessionFor(clientID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.live[clientID]
	return sessionID, ok
}

// Count returns the number of distinct client IDs currently bound.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
