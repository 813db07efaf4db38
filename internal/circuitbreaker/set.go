package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Set keeps one breaker per key, created on first use from a shared config.
// It isolates destinations that fail independently, such as push webhooks
// hosted by different parties.
type Set struct {
	mu       sync.Mutex
	config   Config
	logger   *zap.Logger
	breakers map[string]*CircuitBreaker
}

// NewSet creates an empty set. Each breaker is named "<cfg.Name>:<key>".
func NewSet(cfg Config, logger *zap.Logger) *Set {
	return &Set{
		config:   cfg,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Name returns the base name shared by every breaker in the set.
func (s *Set) Name() string { return s.config.Name }

// Get returns the breaker for key, creating it if needed.
func (s *Set) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	cfg := s.config
	cfg.Name = s.config.Name + ":" + key
	cb := New(cfg, s.logger)
	s.breakers[key] = cb
	return cb
}

// Lookup returns the breaker for key without creating one.
func (s *Set) Lookup(key string) (*CircuitBreaker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	return cb, ok
}

// Stats returns a snapshot of every breaker, ordered by name.
func (s *Set) Stats() []Stats {
	s.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		breakers = append(breakers, cb)
	}
	s.mu.Unlock()

	out := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
