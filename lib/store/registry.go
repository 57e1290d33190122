package store

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry tracks the store instances of one process so the maintenance
// scheduler can iterate them. It replaces ambient global state with an
// explicit object owned by whoever wires up the process.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	stores *xsync.MapOf[string, *Store]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: xsync.NewMapOf[string, *Store]()}
}

// Register adds a store instance. Registering an id twice replaces the
// previous entry.
func (r *Registry) Register(s *Store) {
	r.stores.Store(s.Id().String(), s)
}

// Unregister removes a store instance.
func (r *Registry) Unregister(id StoreId) {
	r.stores.Delete(id.String())
}

// Get returns the registered store for id.
func (r *Registry) Get(id StoreId) (*Store, bool) {
	return r.stores.Load(id.String())
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	return r.stores.Size()
}

// Range calls f for every registered instance until f returns false.
func (r *Registry) Range(f func(s *Store) bool) {
	r.stores.Range(func(_ string, s *Store) bool {
		return f(s)
	})
}
