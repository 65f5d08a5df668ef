package data

import (
	"sync"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/schema"
)

// Router is a static BackendResolver: collections are pinned to a backend by
// schema key, everything else lands on the default. Safe for concurrent use;
// pins normally all happen during wire-up.
type Router struct {
	mu       sync.RWMutex
	pinned   map[string]PlayerDataBackend
	fallback PlayerDataBackend
}

// NewRouter creates a Router with the given default backend.
func NewRouter(fallback PlayerDataBackend) *Router {
	return &Router{
		pinned:   make(map[string]PlayerDataBackend),
		fallback: fallback,
	}
}

// Pin routes the schema key to a specific backend.
func (r *Router) Pin(schemaKey string, b PlayerDataBackend) {
	r.mu.Lock()
	r.pinned[schemaKey] = b
	r.mu.Unlock()
}

// BackendFor implements BackendResolver.
func (r *Router) BackendFor(sc *schema.Schema) PlayerDataBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.pinned[sc.Key]; ok {
		return b
	}
	return r.fallback
}
