// Package pool places replica sessions onto hosts with finite capacity and
// tracks them for routing. A pool is a set of hosts sharing one hardware
// affinity; a Group routes across pools by weight.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"deskgrid/internal/model"
	"deskgrid/pkg/config"
	"deskgrid/pkg/faults"
	"deskgrid/pkg/logger"
	"deskgrid/pkg/provision"
	"deskgrid/pkg/replica"
)

// host capacity ledger for one host
type host struct {
	name     string
	memoryMB int
	vcpu     int
	usedMem  int
	usedVCPU int
}

func (h *host) fits(p model.ResourceProfile) bool {
	return h.memoryMB-h.usedMem >= p.MemoryMB && h.vcpu-h.usedVCPU >= p.VCPU
}

// Pool one replica pool
type Pool struct {
	name     string
	affinity string
	weight   int
	driver   provision.SessionDriver

	mu       sync.Mutex
	hosts    []*host
	replicas map[string]*replica.Manager
	placed   map[string]*host // replica id -> reservation holder
	profiles map[string]model.ResourceProfile
	notify   chan struct{}
}

// NewPool creates a pool from config.
func NewPool(cfg config.PoolConfig, driver provision.SessionDriver) *Pool {
	p := &Pool{
		name:     cfg.Name,
		affinity: cfg.Affinity,
		weight:   cfg.Weight,
		driver:   driver,
		replicas: make(map[string]*replica.Manager),
		placed:   make(map[string]*host),
		profiles: make(map[string]model.ResourceProfile),
		notify:   make(chan struct{}, 1),
	}
	for _, h := range cfg.Hosts {
		p.hosts = append(p.hosts, &host{name: h.Name, memoryMB: h.MemoryMB, vcpu: h.VCPU})
	}
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Weight returns the configured routing weight multiplier.
func (p *Pool) Weight() int { return p.weight }

// FreeMemoryMB returns the pool's unreserved memory across all hosts.
func (p *Pool) FreeMemoryMB() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := 0
	for _, h := range p.hosts {
		free += h.memoryMB - h.usedMem
	}
	return free
}

// CapacityAvailable signals after a release returns capacity to the pool.
// The channel holds one pending signal and concurrent releases coalesce, so
// a waiter re-checks capacity rather than counting signals.
func (p *Pool) CapacityAvailable() <-chan struct{} { return p.notify }

// Create reserves capacity on the tightest fitting host, provisions a
// replica there and returns its manager. Memory and vCPU are reserved
// together on one host under one lock; a profile that cannot be fully placed
// reserves nothing.
func (p *Pool) Create(ctx context.Context, profile model.ResourceProfile, task model.TaskConfig) (*replica.Manager, error) {
	p.mu.Lock()
	var chosen *host
	for _, h := range p.hosts {
		if !h.fits(profile) {
			continue
		}
		// Best fit: the smallest free memory that still satisfies the
		// profile, so large slots stay open for large profiles.
		if chosen == nil || h.memoryMB-h.usedMem < chosen.memoryMB-chosen.usedMem {
			chosen = h
		}
	}
	if chosen == nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: pool %s cannot place %dMB/%dvcpu",
			faults.ErrCapacityExhausted, p.name, profile.MemoryMB, profile.VCPU)
	}

	chosen.usedMem += profile.MemoryMB
	chosen.usedVCPU += profile.VCPU

	id := newReplicaID()
	mgr := replica.New(p.driver, id, p.name, chosen.name, profile)
	p.replicas[id] = mgr
	p.placed[id] = chosen
	p.profiles[id] = profile
	p.mu.Unlock()

	if err := mgr.Start(ctx, task); err != nil {
		_ = mgr.Shutdown(context.Background())
		p.Release(id)
		return nil, err
	}
	logger.InfoCtx(ctx, "Replica placed: pool=%s host=%s id=%s", p.name, chosen.name, id)
	return mgr, nil
}

// Get returns a tracked replica's manager.
func (p *Pool) Get(id string) (*replica.Manager, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mgr, ok := p.replicas[id]
	return mgr, ok
}

// Release drops the replica from the pool and returns its reservation.
// Releasing an unknown id is a no-op.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.placed[id]
	if !ok {
		return
	}
	prof := p.profiles[id]
	h.usedMem -= prof.MemoryMB
	h.usedVCPU -= prof.VCPU
	delete(p.replicas, id)
	delete(p.placed, id)
	delete(p.profiles, id)

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Shutdown destroys a replica and releases its capacity. Unknown ids return
// nil so shutdown stays idempotent across the whole group.
func (p *Pool) Shutdown(ctx context.Context, id string) error {
	mgr, ok := p.Get(id)
	if !ok {
		return nil
	}
	err := mgr.Shutdown(ctx)
	p.Release(id)
	return err
}

// Managers returns a snapshot of all tracked managers.
func (p *Pool) Managers() []*replica.Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*replica.Manager, 0, len(p.replicas))
	for _, mgr := range p.replicas {
		out = append(out, mgr)
	}
	return out
}

// Stats returns the pool's capacity snapshot.
func (p *Pool) Stats() model.PoolStats {
	p.mu.Lock()
	managers := make([]*replica.Manager, 0, len(p.replicas))
	for _, mgr := range p.replicas {
		managers = append(managers, mgr)
	}
	stats := model.PoolStats{
		Name:     p.name,
		Affinity: p.affinity,
		Hosts:    len(p.hosts),
		Replicas: len(p.replicas),
	}
	for _, h := range p.hosts {
		stats.FreeMemoryMB += h.memoryMB - h.usedMem
		stats.FreeVCPU += h.vcpu - h.usedVCPU
	}
	p.mu.Unlock()

	// Replica state is read outside the pool lock; each manager locks itself.
	for _, mgr := range managers {
		switch mgr.State() {
		case model.ReplicaStateReady:
			stats.ReadyReplicas++
		case model.ReplicaStateBusy:
			stats.BusyReplicas++
		}
	}
	return stats
}

func newReplicaID() string {
	return "rep-" + uuid.New().String()
}
