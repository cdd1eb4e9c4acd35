package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"deskgrid/internal/model"
	"deskgrid/pkg/faults"
	"deskgrid/pkg/replica"
)

// Group routes replica placement across pools with smooth round-robin
// weighted by free capacity and resolves replica ids back to their pool
// in O(1).
type Group struct {
	mu    sync.Mutex
	pools []*member
	byID  map[string]*Pool
}

// member carries the round-robin bookkeeping for one member pool.
type member struct {
	pool    *Pool
	current int
}

// NewGroup creates a group over the given pools.
func NewGroup(pools []*Pool) *Group {
	g := &Group{byID: make(map[string]*Pool)}
	for _, p := range pools {
		g.pools = append(g.pools, &member{pool: p})
	}
	return g
}

// Create places a replica on some pool with available capacity. Pools are
// tried in smooth weighted round-robin order; a pool that cannot place the
// profile is skipped. Only when every pool is exhausted does the group fail.
func (g *Group) Create(ctx context.Context, profile model.ResourceProfile, task model.TaskConfig) (*replica.Manager, error) {
	order := g.rotation()
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: no pools configured", faults.ErrCapacityExhausted)
	}

	var lastErr error
	for _, p := range order {
		mgr, err := p.Create(ctx, profile, task)
		if err != nil {
			lastErr = err
			if errors.Is(err, faults.ErrCapacityExhausted) {
				continue
			}
			return nil, err
		}
		snap := mgr.Snapshot()
		g.mu.Lock()
		g.byID[snap.ID] = p
		g.mu.Unlock()
		return mgr, nil
	}
	return nil, lastErr
}

// Find resolves a replica id to its manager.
func (g *Group) Find(id string) (*replica.Manager, error) {
	g.mu.Lock()
	p, ok := g.byID[id]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", faults.ErrUnknownReplica, id)
	}
	mgr, ok := p.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", faults.ErrUnknownReplica, id)
	}
	return mgr, nil
}

// Shutdown destroys a replica wherever it lives. Ids the group has already
// forgotten return nil, keeping shutdown idempotent.
func (g *Group) Shutdown(ctx context.Context, id string) error {
	g.mu.Lock()
	p, ok := g.byID[id]
	delete(g.byID, id)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Shutdown(ctx, id)
}

// Forget drops the routing entry without touching the replica. Used when a
// pool released the replica through some other path.
func (g *Group) Forget(id string) {
	g.mu.Lock()
	delete(g.byID, id)
	g.mu.Unlock()
}

// Pools returns the member pools.
func (g *Group) Pools() []*Pool {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Pool, 0, len(g.pools))
	for _, e := range g.pools {
		out = append(out, e.pool)
	}
	return out
}

// Stats returns capacity snapshots for every member pool.
func (g *Group) Stats() []model.PoolStats {
	pools := g.Pools()
	out := make([]model.PoolStats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	return out
}

// Managers returns a snapshot of every tracked manager across all pools.
func (g *Group) Managers() []*replica.Manager {
	pools := g.Pools()
	var out []*replica.Manager
	for _, p := range pools {
		out = append(out, p.Managers()...)
	}
	return out
}

// rotation returns the pools ordered for one placement attempt using the
// smooth weighted round-robin pass: the first entry is the selected pool,
// the rest are fallbacks in descending preference. Weights track each pool's
// current free memory scaled by its configured weight, so emptier pools
// absorb more placements and a full pool is only reached as a fallback.
func (g *Group) rotation() []*Pool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.pools) == 0 {
		return nil
	}

	total := 0
	for _, e := range g.pools {
		w := e.pool.Weight() * e.pool.FreeMemoryMB()
		total += w
		e.current += w
	}

	// Pick the entry with the highest current value, then decay it.
	best := g.pools[0]
	for _, e := range g.pools[1:] {
		if e.current > best.current {
			best = e
		}
	}
	best.current -= total

	out := make([]*Pool, 0, len(g.pools))
	out = append(out, best.pool)
	for _, e := range g.pools {
		if e != best {
			out = append(out, e.pool)
		}
	}
	return out
}
