package viewsyncer

import "sync"

// Registry tracks the Coordinators currently running in this process,
// keyed by client-group ID. The transport Hub registers a Coordinator the
// first time a connection for its client-group arrives; Stop does not
// unregister it. The Inspector (C6) uses it to look up a pipeline's
// live AST for the queries and analyze-query ops.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Coordinator
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: map[string]*Coordinator{}}
}

// Register adds or replaces the Coordinator for its client-group.
func (r *Registry) Register(c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.ClientGroupID()] = c
}

// Unregister removes clientGroupID's Coordinator, if present.
func (r *Registry) Unregister(clientGroupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, clientGroupID)
}

// Get returns clientGroupID's Coordinator, if one is currently registered.
func (r *Registry) Get(clientGroupID string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[clientGroupID]
	return c, ok
}

// All returns every Coordinator currently registered, for callers that
// need to notify or inspect the whole running set (e.g. the replica
// watcher fanning out NotifyVersionReady).
func (r *Registry) All() []*Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Coordinator, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}
