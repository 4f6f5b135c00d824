package quote

import "sync"

// Registry tracks the live quote engines keyed by user address, so a
// transfer submission can pause the polling of that user's sessions while
// the quoted deposit address is being funded.
type Registry struct {
	mu       sync.Mutex
	sessions map[string][]*Engine
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string][]*Engine)}
}

// Add registers a user's engine. One user may hold several sessions.
func (r *Registry) Add(user string, e *Engine) {
	r.mu.Lock()
	r.sessions[user] = append(r.sessions[user], e)
	r.mu.Unlock()
}

// Remove unregisters the engine. The caller still owns its lifecycle.
func (r *Registry) Remove(user string, e *Engine) {
	r.mu.Lock()
	engines := r.sessions[user]
	for i, have := range engines {
		if have == e {
			r.sessions[user] = append(engines[:i], engines[i+1:]...)
			break
		}
	}
	if len(r.sessions[user]) == 0 {
		delete(r.sessions, user)
	}
	r.mu.Unlock()
}

// Pause suspends background refresh on the user's engines.
func (r *Registry) Pause(user string) {
	r.each(user, (*Engine).Pause)
}

// Resume re-enables background refresh on the user's engines.
func (r *Registry) Resume(user string) {
	r.each(user, (*Engine).Resume)
}

// Sessions reports how many live sessions the user holds.
func (r *Registry) Sessions(user string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[user])
}

func (r *Registry) each(user string, fn func(*Engine)) {
	r.mu.Lock()
	engines := append([]*Engine(nil), r.sessions[user]...)
	r.mu.Unlock()
	for _, e := range engines {
		fn(e)
	}
}
