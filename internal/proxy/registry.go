package proxy

import (
	"sync"

	"github.com/mmr-tortoise/kproxyd/internal/model"
)

// SessionFactory builds a Session for a cluster. The Registry calls it
// exactly once per cluster identity.
type SessionFactory func(cluster model.Cluster) (*Session, error)

// Registry maps cluster identity to its one proxy session.
//
// The same kubeconfig+context always reuses the same session — and with
// it the same apiPrefix — no matter how many times callers look it up.
// The registry never evicts; eviction policy is an external concern.
type Registry struct {
	mu       sync.Mutex
	factory  SessionFactory
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry using the given factory.
func NewRegistry(factory SessionFactory) *Registry {
	return &Registry{
		factory:  factory,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for the cluster, creating it on first use.
//
// Creation happens under the registry lock, so two concurrent Get calls
// for the same identity cannot race into two sessions.
func (r *Registry) Get(cluster model.Cluster) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cluster.Key()
	if s, ok := r.sessions[key]; ok {
		return s, nil
	}

	s, err := r.factory(cluster)
	if err != nil {
		return nil, err
	}
	r.sessions[key] = s
	return s, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ExitAll tears down every registered session. Used on host shutdown.
func (r *Registry) ExitAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Exit()
	}
}
