package session

import (
	"sync"

	"github.com/stemsi/testsync/internal/metrics"
)

type liveKey struct {
	userID   string
	testType string
}

// Registry maps session ids to their workers. It is the only structure
// shared between callers; all session state lives in the workers.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*worker
	live map[liveKey]string // (user, test type) -> session id while created/in_progress
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*worker),
		live: make(map[liveKey]string),
	}
}

// add registers w. When claimLive is set, the (user, test type) slot must be
// free; otherwise ErrAlreadyActive is returned and nothing is registered.
func (r *Registry) add(w *worker, claimLive bool) error {
	k := liveKey{w.userID, w.testType}

	r.mu.Lock()
	defer r.mu.Unlock()

	if claimLive {
		if _, taken := r.live[k]; taken {
			return ErrAlreadyActive
		}
		r.live[k] = w.id
	}
	r.byID[w.id] = w
	metrics.SessionsLive.Set(float64(len(r.byID)))
	return nil
}

// releaseLive frees the (user, test type) slot if sessionID still holds it.
func (r *Registry) releaseLive(userID, testType, sessionID string) {
	k := liveKey{userID, testType}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.live[k] == sessionID {
		delete(r.live, k)
	}
}

func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.byID[sessionID]; ok {
		delete(r.byID, sessionID)
		k := liveKey{w.userID, w.testType}
		if r.live[k] == sessionID {
			delete(r.live, k)
		}
	}
	metrics.SessionsLive.Set(float64(len(r.byID)))
}

func (r *Registry) get(sessionID string) (*worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.byID[sessionID]
	return w, ok
}

// LiveFor returns the id of the user's live session of testType, if any.
func (r *Registry) LiveFor(userID, testType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.live[liveKey{userID, testType}]
	return id, ok
}

func (r *Registry) workers() []*worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*worker, 0, len(r.byID))
	for _, w := range r.byID {
		out = append(out, w)
	}
	return out
}

func (r *Registry) forUser(userID string) []*worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*worker
	for _, w := range r.byID {
		if w.userID == userID {
			out = append(out, w)
		}
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
