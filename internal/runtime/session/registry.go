package session

import (
	"sync"

	"github.com/tiger/voice-turn-pipeline/internal/runtime/identity"
)

// Registry tracks the live session managers in a process. The serving
// binary uses it to route transport messages to sessions and to fence
// everything on shutdown.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Manager
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Manager{}}
}

// Create mints a session ID, builds its manager, and tracks it.
func (r *Registry) Create() (*Manager, error) {
	manager, err := NewManager(identity.NewSessionID())
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions[manager.SessionID()] = manager
	r.mu.Unlock()
	return manager, nil
}

// Get returns a tracked session manager.
func (r *Registry) Get(sessionID string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	manager, ok := r.sessions[sessionID]
	return manager, ok
}

// Remove forgets a session. Callers hang the session up first when it may
// still have in-flight work.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Len reports the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// HangupAll fences every tracked session. Shutdown calls this before the
// transport drains so in-flight turns cancel promptly.
func (r *Registry) HangupAll(reason string) {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.sessions))
	for _, manager := range r.sessions {
		managers = append(managers, manager)
	}
	r.mu.Unlock()

	for _, manager := range managers {
		manager.Hangup(reason)
	}
}
