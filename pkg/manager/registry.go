package manager

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultRegistry is used by managers not configured with their own registry
var DefaultRegistry = NewRegistry()

// Registry maps device addresses to their managers. Scheduled callbacks resolve their
// manager through the registry instead of holding a reference to it, so callbacks of a
// torn down manager turn into no-ops
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewRegistry instantiates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		managers: make(map[string]*Manager),
	}
}

// Register adds a manager. Only one manager per address may be registered
func (r *Registry) Register(m *Manager) error {
	key := normalizeAddress(m.address)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.managers[key]; exists {
		return fmt.Errorf("a connection manager for `%s` is already registered", m.address)
	}
	r.managers[key] = m

	return nil
}

// Unregister removes a manager (if it is the one registered for its address)
func (r *Registry) Unregister(m *Manager) {
	key := normalizeAddress(m.address)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.managers[key] == m {
		delete(r.managers, key)
	}
}

// Lookup returns the manager registered for an address
func (r *Registry) Lookup(address string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.managers[normalizeAddress(address)]
	return m, ok
}

// Len returns the number of registered managers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers)
}

// dispatch returns a callback that runs fn on the manager instance id registered for
// address, or does nothing if that instance is gone
func (r *Registry) dispatch(address string, id uint64, fn func(m *Manager)) func() {
	return func() {
		m, ok := r.Lookup(address)
		if !ok || m.id != id {
			return
		}
		fn(m)
	}
}

func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
