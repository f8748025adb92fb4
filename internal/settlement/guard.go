// Package settlement implements the finality plane: the idempotency guard,
// the phase-gated withdraw lock and the Tier-1 atomic settler.
package settlement

import (
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openibank/openmatch/pkg/errors"
)

// IdempotencyGuard remembers settled trade ids in a bounded LRU so the same
// trade cannot settle twice within the guard's window. Under eviction, a
// durable ledger outside the core provides the long-tail guarantee.
type IdempotencyGuard struct {
	mu    sync.Mutex
	cache *lru.Cache[uuid.UUID, struct{}]
}

// NewIdempotencyGuard creates a guard holding up to size trade ids.
func NewIdempotencyGuard(size int) (*IdempotencyGuard, error) {
	cache, err := lru.New[uuid.UUID, struct{}](size)
	if err != nil {
		return nil, errors.ErrInternal.Wrap(err)
	}
	return &IdempotencyGuard{cache: cache}, nil
}

// Record marks the trade as settled and reports whether it was already
// present.
func (g *IdempotencyGuard) Record(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, present := g.cache.Get(id); present {
		return true
	}
	g.cache.Add(id, struct{}{})
	return false
}

// Contains reports whether the trade id is within the guard's window.
func (g *IdempotencyGuard) Contains(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cache.Contains(id)
}

// Forget removes a trade id from the guard's window.
func (g *IdempotencyGuard) Forget(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache.Remove(id)
}

// Len returns the number of remembered trade ids.
func (g *IdempotencyGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cache.Len()
}
