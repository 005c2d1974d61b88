package route

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/wudi/netstub/internal/config"
)

// Route is a registered stub route. Routes are immutable once registered.
type Route struct {
	ID             string
	Origin         string
	Config         config.RouteConfig
	StaticResponse *config.StaticResponse

	matcher *CompiledMatcher
}

// New compiles a route from its definition.
func New(rc config.RouteConfig, origin string) (*Route, error) {
	if err := config.ValidateRoute(rc); err != nil {
		return nil, err
	}
	m, err := NewCompiledMatcher(rc.Match)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", rc.ID, err)
	}
	return &Route{
		ID:             rc.ID,
		Origin:         origin,
		Config:         rc,
		StaticResponse: rc.StaticResponse,
		matcher:        m,
	}, nil
}

// Matches reports whether the route's predicate matches the request.
func (r *Route) Matches(in Incoming) bool {
	return r.matcher.Matches(in)
}

// MatchesPreflight reports whether in is a CORS preflight request for which
// the real request would match at least one route.
func MatchesPreflight(routes []*Route, in Incoming) bool {
	if in.Method != http.MethodOptions || in.Header.Get("Access-Control-Request-Method") == "" {
		return false
	}
	for _, r := range routes {
		if r.matcher.matchesPreflight(in) {
			return true
		}
	}
	return false
}

// ForRequest returns every route matching in, in registration order.
func ForRequest(routes []*Route, in Incoming) []*Route {
	var matched []*Route
	for _, r := range routes {
		if r.matcher.Matches(in) {
			matched = append(matched, r)
		}
	}
	return matched
}

// Registry holds the routes of one proxy session.
type Registry struct {
	mu     sync.RWMutex
	routes []*Route
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Add compiles and registers a route. IDs are unique within the registry.
func (rg *Registry) Add(rc config.RouteConfig, origin string) (*Route, error) {
	r, err := New(rc, origin)
	if err != nil {
		return nil, err
	}

	rg.mu.Lock()
	defer rg.mu.Unlock()
	for _, existing := range rg.routes {
		if existing.ID == r.ID {
			return nil, fmt.Errorf("route %s already registered", r.ID)
		}
	}
	rg.routes = append(rg.routes, r)
	return r, nil
}

// Remove deletes a route by ID. Returns true if found.
func (rg *Registry) Remove(id string) bool {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	for i, r := range rg.routes {
		if r.ID == id {
			// Copy so snapshots handed out earlier stay untouched
			next := make([]*Route, 0, len(rg.routes)-1)
			next = append(next, rg.routes[:i]...)
			rg.routes = append(next, rg.routes[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns a route by ID
func (rg *Registry) Get(id string) *Route {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	for _, r := range rg.routes {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Reset clears every route, as between two test runs.
func (rg *Registry) Reset() {
	rg.mu.Lock()
	rg.routes = nil
	rg.mu.Unlock()
}

// ReplaceOrigin atomically swaps all routes of one origin for a new set,
// keeping routes of other origins and their relative order.
func (rg *Registry) ReplaceOrigin(origin string, rcs []config.RouteConfig) error {
	compiled := make([]*Route, 0, len(rcs))
	for _, rc := range rcs {
		r, err := New(rc, origin)
		if err != nil {
			return err
		}
		compiled = append(compiled, r)
	}

	rg.mu.Lock()
	defer rg.mu.Unlock()

	next := make([]*Route, 0, len(rg.routes)+len(compiled))
	ids := make(map[string]bool)
	for _, r := range rg.routes {
		if r.Origin != origin {
			next = append(next, r)
			ids[r.ID] = true
		}
	}
	for _, r := range compiled {
		if ids[r.ID] {
			return fmt.Errorf("route %s already registered", r.ID)
		}
		ids[r.ID] = true
		next = append(next, r)
	}
	rg.routes = next
	return nil
}

// Snapshot returns the current routes in registration order. The slice is
// never mutated afterwards and is safe to read concurrently.
func (rg *Registry) Snapshot() []*Route {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return rg.routes
}

// Len returns the number of registered routes
func (rg *Registry) Len() int {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return len(rg.routes)
}
