package resilience

import (
	"sync"
	"time"
)

// Pre-configured circuit names. Every [Registry] starts with these three
// circuits so call sites can rely on their presence.
const (
	CircuitLLM       = "llm"
	CircuitResearch  = "research"
	CircuitEmbedding = "embedding"
)

// Registry owns named [CircuitBreaker] and [TTLCache] instances. It replaces
// process-wide singletons: the facade threads one Registry through every
// component, and tests construct a fresh one per case.
//
// Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	circuits map[string]*CircuitBreaker
	caches   map[string]*TTLCache
}

// NewRegistry creates a Registry pre-populated with the llm, research, and
// embedding circuits, each tuned for its service's failure profile.
func NewRegistry() *Registry {
	r := &Registry{
		circuits: make(map[string]*CircuitBreaker),
		caches:   make(map[string]*TTLCache),
	}
	r.circuits[CircuitLLM] = NewCircuitBreaker(CircuitBreakerConfig{
		Name:             CircuitLLM,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	})
	r.circuits[CircuitResearch] = NewCircuitBreaker(CircuitBreakerConfig{
		Name:             CircuitResearch,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	})
	r.circuits[CircuitEmbedding] = NewCircuitBreaker(CircuitBreakerConfig{
		Name:             CircuitEmbedding,
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	})
	return r
}

// Circuit returns the named breaker, creating it from cfg on first use.
// The configuration of the first call is binding; later calls with a
// different cfg return the existing instance unchanged.
func (r *Registry) Circuit(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.circuits[name]; ok {
		return cb
	}
	cfg.Name = name
	cb := NewCircuitBreaker(cfg)
	r.circuits[name] = cb
	return cb
}

// Cache returns the named cache, creating it from cfg on first use.
// The configuration of the first call is binding.
func (r *Registry) Cache(name string, cfg TTLCacheConfig) *TTLCache {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.caches[name]; ok {
		return c
	}
	cfg.Name = name
	c := NewTTLCache(cfg)
	r.caches[name] = c
	return c
}

// CircuitStats returns a stats snapshot for every registered circuit.
func (r *Registry) CircuitStats() map[string]CircuitStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]CircuitStats, len(r.circuits))
	for name, cb := range r.circuits {
		out[name] = cb.Stats()
	}
	return out
}

// CacheStats returns a stats snapshot for every registered cache.
func (r *Registry) CacheStats() map[string]CacheStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]CacheStats, len(r.caches))
	for name, c := range r.caches {
		out[name] = c.Stats()
	}
	return out
}
