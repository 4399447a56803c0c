package gate

import (
	"sort"
	"sync"

	"github.com/BaSui01/validflow/types"
)

// Registry maps agent ids to their implementations. Agents are registered
// once at configuration load and resolved by the gate on every call; lookup
// of an unknown id is a fatal, non-retryable error.
type Registry struct {
	agents map[string]types.Agent
	mu     sync.RWMutex
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]types.Agent)}
}

// Register adds an agent under its own id. Re-registering an id replaces the
// previous agent.
func (r *Registry) Register(agent types.Agent) {
	if agent == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID()] = agent
}

// Resolve returns the agent for the given id.
func (r *Registry) Resolve(agentID string) (types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, types.NewErrorf(types.ErrAgentNotRegistered, "agent %q is not registered", agentID).WithAgent(agentID)
	}
	return agent, nil
}

// IDs returns the registered agent ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
