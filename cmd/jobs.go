package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"deskgrid/internal/jobs"
	"deskgrid/internal/service"
	"deskgrid/pkg/lock"
	"deskgrid/pkg/logger"
	mysqlstore "deskgrid/pkg/store/mysql"
)

func (app *Application) initJobs() error {
	if app.gatewayService == nil {
		logger.WarnCtx(app.ctx, "Service layer not initialized yet, skipping background task registration")
		return nil
	}

	manager := jobs.NewManager(app.ctx)

	healthInterval := time.Duration(app.config.Session.HealthInterval) * time.Second
	provisionTimeout := time.Duration(app.config.Session.ProvisionTimeout) * time.Second
	idleTimeout := time.Duration(app.config.Session.IdleTimeout) * time.Second

	// Distributed locks keep one instance per cleanup task. With no Redis the
	// locks degrade to single-instance mode.
	var redisClient *redis.Client
	if app.redisClient != nil {
		redisClient = app.redisClient.GetClient()
	}

	healthSweepLock := lock.NewRedisDistributedLock(redisClient, "jobs:health-sweep-lock")
	idleReaperLock := lock.NewRedisDistributedLock(redisClient, "jobs:idle-reaper-lock")

	manager.Register(newHealthSweepJob(healthInterval, provisionTimeout, app.gatewayService, healthSweepLock))
	manager.Register(newIdleReaperJob(healthInterval, idleTimeout, app.gatewayService, idleReaperLock))

	// Run record retention needs the database.
	if app.mysqlRepo != nil {
		retentionLock := lock.NewRedisDistributedLock(redisClient, "jobs:run-retention-lock")
		retention := time.Duration(app.config.Queue.RetentionDays) * 24 * time.Hour
		manager.Register(newRunRetentionJob(time.Hour, retention, app.mysqlRepo, retentionLock))
	}

	app.jobsManager = manager
	return nil
}

// healthSweepJob periodically destroys crashed and stuck-provisioning replicas.
type healthSweepJob struct {
	interval         time.Duration
	provisionTimeout time.Duration
	gatewayService   *service.GatewayService
	distributedLock  lock.DistributedLock
}

func newHealthSweepJob(interval, provisionTimeout time.Duration, svc *service.GatewayService, l lock.DistributedLock) jobs.Job {
	return &healthSweepJob{
		interval:         interval,
		provisionTimeout: provisionTimeout,
		gatewayService:   svc,
		distributedLock:  l,
	}
}

func (j *healthSweepJob) Name() string {
	return "health-sweep"
}

func (j *healthSweepJob) Interval() time.Duration {
	return j.interval
}

func (j *healthSweepJob) Run(ctx context.Context) error {
	if j.gatewayService == nil {
		return fmt.Errorf("gateway service not configured")
	}

	if j.distributedLock != nil {
		acquired, err := j.distributedLock.TryLock(ctx)
		if err != nil || !acquired {
			logger.DebugCtx(ctx, "another instance is running the health sweep, skipping this cycle")
			return nil
		}
		defer j.distributedLock.Unlock(ctx)
	}

	logger.DebugCtx(ctx, "running health sweep job")
	return j.gatewayService.SweepUnhealthy(ctx, j.provisionTimeout)
}

// idleReaperJob destroys replicas whose last activity is older than the idle
// timeout.
type idleReaperJob struct {
	interval        time.Duration
	idleTimeout     time.Duration
	gatewayService  *service.GatewayService
	distributedLock lock.DistributedLock
}

func newIdleReaperJob(interval, idleTimeout time.Duration, svc *service.GatewayService, l lock.DistributedLock) jobs.Job {
	return &idleReaperJob{
		interval:        interval,
		idleTimeout:     idleTimeout,
		gatewayService:  svc,
		distributedLock: l,
	}
}

func (j *idleReaperJob) Name() string {
	return "idle-reaper"
}

func (j *idleReaperJob) Interval() time.Duration {
	return j.interval
}

func (j *idleReaperJob) Run(ctx context.Context) error {
	if j.gatewayService == nil {
		return fmt.Errorf("gateway service not configured")
	}

	if j.distributedLock != nil {
		acquired, err := j.distributedLock.TryLock(ctx)
		if err != nil || !acquired {
			logger.DebugCtx(ctx, "another instance is running the idle reaper, skipping this cycle")
			return nil
		}
		defer j.distributedLock.Unlock(ctx)
	}

	logger.DebugCtx(ctx, "running idle reaper job")
	return j.gatewayService.ReapIdle(ctx, j.idleTimeout)
}

// runRetentionJob removes terminal run records older than the retention window.
type runRetentionJob struct {
	interval        time.Duration
	retention       time.Duration
	repo            *mysqlstore.Repository
	distributedLock lock.DistributedLock
}

func newRunRetentionJob(interval, retention time.Duration, repo *mysqlstore.Repository, l lock.DistributedLock) jobs.Job {
	return &runRetentionJob{
		interval:        interval,
		retention:       retention,
		repo:            repo,
		distributedLock: l,
	}
}

func (j *runRetentionJob) Name() string { return "run-retention-cleanup" }

func (j *runRetentionJob) Interval() time.Duration { return j.interval }

func (j *runRetentionJob) AlignToInterval() bool { return true }

func (j *runRetentionJob) Run(ctx context.Context) error {
	if j.repo == nil {
		return nil
	}

	if j.distributedLock != nil {
		acquired, err := j.distributedLock.TryLock(ctx)
		if err != nil || !acquired {
			return nil
		}
		defer j.distributedLock.Unlock(ctx)
	}

	cutoff := time.Now().Add(-j.retention)
	rows, err := j.repo.TaskRun.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if rows > 0 {
		logger.InfoCtx(ctx, "cleaned up %d run records older than %v", rows, j.retention)
	}
	return nil
}
