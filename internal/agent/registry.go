package agent

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrAlreadyRegistered is returned when an agent id is registered twice.
var ErrAlreadyRegistered = errors.New("agent: already registered")

// Registry is a thread-safe index of live agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register adds a. Registering the same id twice fails.
func (r *Registry) Register(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID()]; exists {
		return errors.Wrap(ErrAlreadyRegistered, a.ID())
	}
	r.agents[a.ID()] = a
	return nil
}

// Get looks up an agent by id.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Unregister removes an agent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// List returns all agents ordered by id.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Dangling returns registered agents that have no owner. Outside a handover
// window this list should be empty.
func (r *Registry) Dangling() []*Agent {
	var out []*Agent
	for _, a := range r.List() {
		if a.Owner() == nil {
			out = append(out, a)
		}
	}
	return out
}

// Len reports the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
