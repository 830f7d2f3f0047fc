package visitor

import (
	"sync"

	"visitorid/internal/platform/config"
)

// Factory builds and starts the instance for an organization.
type Factory func(orgID string) *Instance

// Registry owns the visitor instances of one browsing context, at most one
// per organization.
type Registry struct {
	mu        sync.Mutex
	factory   Factory
	instances map[string]*Instance
	closed    bool
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory:   factory,
		instances: make(map[string]*Instance),
	}
}

// Init returns the instance for orgID, building it on first use. Bare org
// IDs get the @AdobeOrg suffix. It returns nil once the registry is closed.
func (r *Registry) Init(orgID string) *Instance {
	orgID = config.NormalizeOrgID(orgID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if v, ok := r.instances[orgID]; ok {
		return v
	}
	v := r.factory(orgID)
	r.instances[orgID] = v
	return v
}

func (r *Registry) Lookup(orgID string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.instances[config.NormalizeOrgID(orgID)]
	return v, ok
}

// Remove forgets the instance for orgID. The next Init builds a new one.
func (r *Registry) Remove(orgID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	orgID = config.NormalizeOrgID(orgID)
	_, ok := r.instances[orgID]
	delete(r.instances, orgID)
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Close drops every instance and refuses further Init calls.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	clear(r.instances)
}
