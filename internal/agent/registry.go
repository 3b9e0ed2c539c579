package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type BackendFactory func() Backend

// Registry maps logical agent names to the Backend serving them. Constructed
// explicitly and passed by reference; there is no package-level instance.
type Registry struct {
	mu          sync.RWMutex
	backends    map[string]Backend
	factories   map[string]BackendFactory
	bySession   map[string]string
	initialized map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		backends:    make(map[string]Backend),
		factories:   make(map[string]BackendFactory),
		bySession:   make(map[string]string),
		initialized: make(map[string]bool),
	}
}

func (r *Registry) Register(name string, backend Backend) {
	if r == nil || backend == nil {
		return
	}
	key := normalizeAgentName(name)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[key] = backend
}

func (r *Registry) RegisterFactory(name string, factory BackendFactory) {
	if r == nil || factory == nil {
		return
	}
	key := normalizeAgentName(name)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

// Get resolves a registered backend, instantiating it from its factory on
// first use when only a factory is registered.
func (r *Registry) Get(name string) (Backend, bool) {
	if r == nil {
		return nil, false
	}
	key := normalizeAgentName(name)
	if key == "" {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if backend, ok := r.backends[key]; ok {
		return backend, true
	}
	factory, ok := r.factories[key]
	if !ok {
		return nil, false
	}
	backend := factory()
	if backend == nil {
		return nil, false
	}
	r.backends[key] = backend
	return backend, true
}

// EnsureInitialized runs the backend's readiness check. A success is cached,
// so CLI probes and key checks run once per backend, not once per session.
func (r *Registry) EnsureInitialized(ctx context.Context, name string) error {
	backend, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("unknown agent %q", name)
	}
	key := normalizeAgentName(name)

	r.mu.RLock()
	ready := r.initialized[key]
	r.mu.RUnlock()
	if ready {
		return nil
	}

	if err := backend.Initialize(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.initialized[key] = true
	r.mu.Unlock()
	return nil
}

// Names lists the registered agent names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.backends)+len(r.factories))
	names := make([]string, 0, len(r.backends)+len(r.factories))
	for name := range r.backends {
		seen[name] = true
		names = append(names, name)
	}
	for name := range r.factories {
		if !seen[name] {
			names = append(names, name)
		}
	}
	return names
}

// BindSession records which agent owns a session id so later calls can be
// routed without the caller re-stating the agent.
func (r *Registry) BindSession(sessionID, agentName string) {
	key := normalizeAgentName(agentName)
	if sessionID == "" || key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[sessionID] = key
}

func (r *Registry) UnbindSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySession, sessionID)
}

// Resolve returns the backend serving a session id.
func (r *Registry) Resolve(sessionID string) (Backend, bool) {
	r.mu.RLock()
	name, ok := r.bySession[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Get(name)
}

// DisconnectAll tears down every instantiated backend.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	backends := make([]Backend, 0, len(r.backends))
	for _, backend := range r.backends {
		backends = append(backends, backend)
	}
	r.bySession = make(map[string]string)
	r.mu.Unlock()

	for _, backend := range backends {
		backend.Disconnect()
	}
}

func normalizeAgentName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
