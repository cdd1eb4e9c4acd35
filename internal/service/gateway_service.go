// Package service implements the business layer between the HTTP handlers
// and the pool/replica machinery.
package service

import (
	"context"
	"fmt"
	"time"

	"deskgrid/internal/model"
	"deskgrid/pkg/codec"
	"deskgrid/pkg/logger"
	"deskgrid/pkg/pool"
	redisstore "deskgrid/pkg/store/redis"
)

// GatewayService routes environment operations (reset, step, screenshot,
// shutdown) to the replica that owns them. Replica records are mirrored into
// Redis so operators can inspect live replicas without touching the pools.
type GatewayService struct {
	group    *pool.Group
	replicas *redisstore.ReplicaRepository // optional, may be nil
}

// NewGatewayService creates the gateway service. replicas may be nil when no
// Redis mirror is configured.
func NewGatewayService(group *pool.Group, replicas *redisstore.ReplicaRepository) *GatewayService {
	return &GatewayService{
		group:    group,
		replicas: replicas,
	}
}

// Reset provisions a fresh replica for the task and returns its id together
// with the baseline observation. Placement is delegated to the pool group.
func (s *GatewayService) Reset(ctx context.Context, req *model.ResetRequest) (*model.ResetResponse, error) {
	mgr, err := s.group.Create(ctx, req.Profile, req.Task)
	if err != nil {
		logger.WarnCtx(ctx, "reset failed, task_id: %s, error: %v", req.Task.TaskID, err)
		return nil, err
	}

	snap := mgr.Snapshot()
	logger.InfoCtx(ctx, "replica ready, replica_id: %s, pool: %s, host: %s, task_id: %s",
		snap.ID, snap.Pool, snap.Host, req.Task.TaskID)
	s.mirror(ctx, snap)

	obs, err := mgr.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("baseline capture failed: %w", err)
	}

	return &model.ResetResponse{
		ReplicaID:   snap.ID,
		Observation: *obs,
	}, nil
}

// Step decodes the payload and applies it to the replica under the caller's
// sequence number. Codec rejections surface before the replica is touched.
func (s *GatewayService) Step(ctx context.Context, replicaID string, req *model.StepAPIRequest) (*model.StepResult, error) {
	cmd, err := codec.Decode(req.Payload)
	if err != nil {
		return nil, err
	}

	mgr, err := s.group.Find(replicaID)
	if err != nil {
		return nil, err
	}

	result, err := mgr.Apply(ctx, req.Seq, cmd)
	if err != nil {
		return nil, err
	}

	s.mirror(ctx, mgr.Snapshot())
	return result, nil
}

// Screenshot returns the replica's last committed observation. It never
// blocks behind an in-flight step.
func (s *GatewayService) Screenshot(ctx context.Context, replicaID string) (*model.Observation, error) {
	mgr, err := s.group.Find(replicaID)
	if err != nil {
		return nil, err
	}
	return mgr.Capture(ctx)
}

// Shutdown destroys the replica and releases its capacity. Unknown and
// already-destroyed ids return nil so retried shutdowns stay harmless.
func (s *GatewayService) Shutdown(ctx context.Context, replicaID string) error {
	if err := s.group.Shutdown(ctx, replicaID); err != nil {
		return err
	}
	if s.replicas != nil {
		if err := s.replicas.Delete(ctx, replicaID); err != nil {
			logger.WarnCtx(ctx, "failed to drop replica mirror, replica_id: %s, error: %v", replicaID, err)
		}
	}
	logger.InfoCtx(ctx, "replica shut down, replica_id: %s", replicaID)
	return nil
}

// GetReplica returns the replica's current snapshot.
func (s *GatewayService) GetReplica(ctx context.Context, replicaID string) (*model.Replica, error) {
	mgr, err := s.group.Find(replicaID)
	if err != nil {
		return nil, err
	}
	snap := mgr.Snapshot()
	return &snap, nil
}

// ListReplicas returns snapshots of every replica the group tracks.
func (s *GatewayService) ListReplicas(ctx context.Context) []model.Replica {
	managers := s.group.Managers()
	out := make([]model.Replica, 0, len(managers))
	for _, mgr := range managers {
		out = append(out, mgr.Snapshot())
	}
	return out
}

// PoolStats returns a capacity snapshot per pool.
func (s *GatewayService) PoolStats(ctx context.Context) []model.PoolStats {
	return s.group.Stats()
}

// Healthy reports whether the gateway can place at least an empty profile.
// Used by the health endpoint.
func (s *GatewayService) Healthy() bool {
	return len(s.group.Pools()) > 0
}

// SweepUnhealthy destroys replicas whose session crashed and replicas stuck
// in provisioning past the deadline. Run periodically by the health sweep job.
func (s *GatewayService) SweepUnhealthy(ctx context.Context, provisionTimeout time.Duration) error {
	for _, mgr := range s.group.Managers() {
		snap := mgr.Snapshot()
		switch snap.State {
		case model.ReplicaStateUnhealthy:
			logger.InfoCtx(ctx, "sweeping unhealthy replica, replica_id: %s", snap.ID)
		case model.ReplicaStateProvisioning:
			if provisionTimeout <= 0 || time.Since(snap.CreatedAt) < provisionTimeout {
				continue
			}
			mgr.MarkUnhealthy("provisioning deadline exceeded")
			logger.WarnCtx(ctx, "sweeping stuck provisioning replica, replica_id: %s, age: %s",
				snap.ID, time.Since(snap.CreatedAt))
		default:
			continue
		}
		if err := s.Shutdown(ctx, snap.ID); err != nil {
			logger.WarnCtx(ctx, "failed to sweep replica, replica_id: %s, error: %v", snap.ID, err)
		}
	}
	return nil
}

// ReapIdle destroys READY replicas whose last activity is older than the idle
// timeout. Agents that went away without calling shutdown land here.
func (s *GatewayService) ReapIdle(ctx context.Context, idleTimeout time.Duration) error {
	if idleTimeout <= 0 {
		return nil
	}
	for _, mgr := range s.group.Managers() {
		snap := mgr.Snapshot()
		if snap.State != model.ReplicaStateReady {
			continue
		}
		if time.Since(mgr.IdleSince()) < idleTimeout {
			continue
		}
		logger.InfoCtx(ctx, "reaping idle replica, replica_id: %s, idle: %s",
			snap.ID, time.Since(mgr.IdleSince()))
		if err := s.Shutdown(ctx, snap.ID); err != nil {
			logger.WarnCtx(ctx, "failed to reap idle replica, replica_id: %s, error: %v", snap.ID, err)
		}
	}
	return nil
}

// mirror writes the replica snapshot into Redis, best effort. Losing the
// mirror never fails the operation that produced the snapshot.
func (s *GatewayService) mirror(ctx context.Context, snap model.Replica) {
	if s.replicas == nil {
		return
	}
	if err := s.replicas.Save(ctx, &snap); err != nil {
		logger.WarnCtx(ctx, "failed to mirror replica, replica_id: %s, error: %v", snap.ID, err)
	}
}
