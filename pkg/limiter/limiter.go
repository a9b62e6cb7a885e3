// Package limiter provides per-actor token bucket rate limiting with an
// in-process store for single-node deployments and a Redis-backed store
// for multi-node ones.
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy defines the per-actor limits.
type Policy struct {
	RPM   int // sustained requests per minute
	Burst int // bucket capacity
}

func (p Policy) perSecond() rate.Limit {
	r := rate.Limit(p.RPM) / 60
	if r <= 0 {
		r = 1
	}
	return r
}

// Store abstracts the storage for rate limiting buckets.
type Store interface {
	// Allow reports whether the actor may perform an action costing cost
	// tokens, consuming them if so.
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// MemoryStore is an in-process Store for tests and single-node
// deployments.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow implements Store. The policy is captured when the actor's bucket
// is first created.
func (s *MemoryStore) Allow(_ context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	lim, ok := s.buckets[actorID]
	if !ok {
		lim = rate.NewLimiter(policy.perSecond(), policy.Burst)
		s.buckets[actorID] = lim
	}
	s.mu.Unlock()

	return lim.AllowN(time.Now(), cost), nil
}
