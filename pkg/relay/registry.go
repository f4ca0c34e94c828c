package relay

import (
	"sort"
	"sync"

	"github.com/NicolasHaas/gochat/pkg/model"
)

// Registry maps each connected user to its single live session. It is the
// only record of who is online.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // userID -> session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register installs s for userID and returns the session it replaced, if any.
func (r *Registry) Register(userID string, s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[userID]
	r.sessions[userID] = s
	if prev == s {
		return nil
	}
	return prev
}

// Unregister removes userID only while it still maps to s, so a late
// disconnect cannot evict a newer session.
func (r *Registry) Unregister(userID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[userID]; !ok || cur != s {
		return false
	}
	delete(r.sessions, userID)
	return true
}

// Lookup returns the live session for userID.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Snapshot returns the identities of every registered user ordered by
// display name, then user id.
func (r *Registry) Snapshot() []model.Identity {
	r.mu.RLock()
	out := make([]model.Identity, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Identity())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].UserID < out[j].UserID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns every registered session (snapshot).
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}
