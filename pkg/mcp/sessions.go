package mcp

import "sync"

// SessionRegistry maps organization IDs to MCP session IDs.
// Populated automatically when tenants call any tool that includes
// organization_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // organizationID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an organization ID with a session ID.
// If the organization already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(orgID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[orgID] = sessionID
}

// SessionFor returns the session ID for the given organization, if connected.
func (r *SessionRegistry) SessionFor(orgID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[orgID]
	return sid, ok
}

// Remove deletes all organization mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for oid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, oid)
		}
	}
}
