// Package replica implements the lifecycle of one desktop session: state
// transitions, strict step ordering and teardown. All mutation goes through
// the Manager so a replica can never execute two steps at once or accept a
// replayed sequence number.
package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deskgrid/internal/model"
	"deskgrid/pkg/faults"
	"deskgrid/pkg/logger"
	"deskgrid/pkg/provision"
)

// Manager owns one replica. The zero value is not usable; create with New.
type Manager struct {
	mu     sync.Mutex
	rep    model.Replica
	driver provision.SessionDriver

	// lastObs is the observation committed by the most recent successful
	// apply (or the provision baseline). Capture reads it without waiting
	// for an in-flight step.
	lastObs model.Observation
	hasObs  bool
}

// New creates a manager in PROVISIONING state. The session itself is not
// created until Start.
func New(driver provision.SessionDriver, id, pool, host string, profile model.ResourceProfile) *Manager {
	now := time.Now()
	return &Manager{
		driver: driver,
		rep: model.Replica{
			ID:           id,
			Pool:         pool,
			Host:         host,
			State:        model.ReplicaStateProvisioning,
			Profile:      profile,
			CreatedAt:    now,
			LastActivity: now,
		},
	}
}

// Start provisions the session and applies the task baseline. On success the
// replica is READY with sequence zero; on failure it is UNHEALTHY and must be
// shut down by the caller.
func (m *Manager) Start(ctx context.Context, task model.TaskConfig) error {
	m.mu.Lock()
	if m.rep.State != model.ReplicaStateProvisioning {
		state := m.rep.State
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot start replica in state %s", faults.ErrInvalidState, state)
	}
	m.rep.TaskID = task.TaskID
	m.mu.Unlock()

	if err := m.driver.Provision(ctx, m.rep.ID, m.rep.Profile, task); err != nil {
		m.mu.Lock()
		m.rep.State = model.ReplicaStateUnhealthy
		m.mu.Unlock()
		logger.ErrorCtx(ctx, "Replica provision failed: id=%s err=%v", m.rep.ID, err)
		return err
	}

	obs, err := m.driver.Capture(ctx, m.rep.ID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.rep.State = model.ReplicaStateUnhealthy
		return fmt.Errorf("%w: baseline capture: %v", faults.ErrProvision, err)
	}
	m.lastObs = *obs
	m.hasObs = true
	m.rep.State = model.ReplicaStateReady
	m.rep.LastActivity = time.Now()
	logger.InfoCtx(ctx, "Replica ready: id=%s pool=%s host=%s task=%s", m.rep.ID, m.rep.Pool, m.rep.Host, task.TaskID)
	return nil
}

// Apply executes one step. The sequence number must be exactly one past the
// last accepted sequence; it is reserved before the session is touched, so a
// duplicate arriving during execution is rejected as stale rather than
// applied twice.
func (m *Manager) Apply(ctx context.Context, seq uint64, cmd *model.ActionCommand) (*model.StepResult, error) {
	m.mu.Lock()
	switch m.rep.State {
	case model.ReplicaStateReady:
	case model.ReplicaStateBusy:
		if seq <= m.rep.Seq {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: sequence %d already accepted", faults.ErrStaleRequest, seq)
		}
		inflight := m.rep.Seq
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: step %d in flight", faults.ErrInvalidState, inflight)
	case model.ReplicaStateDestroyed:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: replica destroyed", faults.ErrInvalidState)
	default:
		state := m.rep.State
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: replica in state %s", faults.ErrReplicaUnavailable, state)
	}

	if seq != m.rep.Seq+1 {
		last := m.rep.Seq
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: got sequence %d, want %d", faults.ErrStaleRequest, seq, last+1)
	}

	// Reserve the sequence before executing. A crash mid-step burns the
	// number; callers continue with the next one.
	m.rep.Seq = seq
	m.rep.State = model.ReplicaStateBusy
	m.mu.Unlock()

	result, err := m.driver.Perform(ctx, m.rep.ID, cmd)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rep.State == model.ReplicaStateDestroyed {
		// Shut down while the step was in flight. The result is dropped.
		return nil, fmt.Errorf("%w: replica destroyed", faults.ErrInvalidState)
	}
	if err != nil {
		m.rep.State = model.ReplicaStateUnhealthy
		logger.ErrorCtx(ctx, "Replica step failed: id=%s seq=%d err=%v", m.rep.ID, seq, err)
		return nil, err
	}

	m.lastObs = result.Observation
	m.hasObs = true
	m.rep.State = model.ReplicaStateReady
	m.rep.LastActivity = time.Now()
	return result, nil
}

// Capture returns the most recently committed observation. It never waits
// for an in-flight step.
func (m *Manager) Capture(ctx context.Context) (*model.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.rep.State {
	case model.ReplicaStateDestroyed:
		return nil, fmt.Errorf("%w: replica destroyed", faults.ErrInvalidState)
	case model.ReplicaStateUnhealthy, model.ReplicaStateProvisioning:
		return nil, fmt.Errorf("%w: replica in state %s", faults.ErrReplicaUnavailable, m.rep.State)
	}
	if !m.hasObs {
		return nil, fmt.Errorf("%w: no observation committed yet", faults.ErrReplicaUnavailable)
	}
	obs := m.lastObs
	return &obs, nil
}

// Shutdown destroys the session. It is idempotent: repeated calls return nil
// without touching the driver again.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.rep.State == model.ReplicaStateDestroyed {
		m.mu.Unlock()
		return nil
	}
	m.rep.State = model.ReplicaStateDestroyed
	m.mu.Unlock()

	if err := m.driver.Dispose(ctx, m.rep.ID); err != nil {
		// State stays DESTROYED; the id is unusable regardless.
		logger.WarnCtx(ctx, "Replica dispose failed: id=%s err=%v", m.rep.ID, err)
		return err
	}
	logger.InfoCtx(ctx, "Replica destroyed: id=%s pool=%s", m.rep.ID, m.rep.Pool)
	return nil
}

// MarkUnhealthy flags the replica after an external health probe failure.
// Destroyed replicas are left alone.
func (m *Manager) MarkUnhealthy(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rep.State == model.ReplicaStateDestroyed {
		return
	}
	m.rep.State = model.ReplicaStateUnhealthy
	logger.Warnf("Replica marked unhealthy: id=%s reason=%s", m.rep.ID, reason)
}

// Snapshot returns a copy of the replica record.
func (m *Manager) Snapshot() model.Replica {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rep
}

// State returns the current lifecycle state.
func (m *Manager) State() model.ReplicaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rep.State
}

// Seq returns the last accepted sequence number.
func (m *Manager) Seq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rep.Seq
}

// IdleSince reports the last activity timestamp.
func (m *Manager) IdleSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rep.LastActivity
}
