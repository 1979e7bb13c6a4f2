package correlate

import (
	"context"
	"fmt"
	"sync"

	"reply-correlator/internal/telemetry"
)

// Gate fronts a ReservationStore with a local cache of ids known to be taken.
// The cache is warmed once and then only grows; it may lag the store, so
// every claim still goes to the store.
type Gate struct {
	store ReservationStore

	mu       sync.RWMutex
	reserved map[string]struct{}
}

func NewGate(store ReservationStore) *Gate {
	return &Gate{store: store, reserved: make(map[string]struct{})}
}

// Warm loads the reserved ids known to the store into the cache.
func (g *Gate) Warm(ctx context.Context) (int, error) {
	ids, err := g.store.ListReserved(ctx)
	if err != nil {
		return 0, fmt.Errorf("list reserved: %w", err)
	}
	g.mu.Lock()
	for _, id := range ids {
		g.reserved[id] = struct{}{}
	}
	g.mu.Unlock()
	return len(ids), nil
}

// IsReserved reports whether the cache already knows the id is taken.
func (g *Gate) IsReserved(messageID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.reserved[messageID]
	return ok
}

// TryClaim binds messageID to jobID in the store. Win or lose, the id is
// cached as reserved; on a store error nothing is cached.
func (g *Gate) TryClaim(ctx context.Context, messageID, jobID string, method Method) (bool, error) {
	ok, err := g.store.TryReserve(ctx, messageID, jobID, method)
	if err != nil {
		telemetry.ReservationErrors.Inc()
		return false, fmt.Errorf("reserve message %s: %w", messageID, err)
	}
	g.mu.Lock()
	g.reserved[messageID] = struct{}{}
	g.mu.Unlock()
	if !ok {
		telemetry.ReservationConflicts.Inc()
	}
	return ok, nil
}
