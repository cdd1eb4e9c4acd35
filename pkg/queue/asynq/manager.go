// Package asynq wraps the asynq client and server behind the operations the
// task service needs: enqueue a scripted run, inspect it, cancel it, and
// process the run queue.
package asynq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"deskgrid/internal/model"
	"deskgrid/pkg/config"
	"deskgrid/pkg/logger"
)

const (
	// TypeTaskRun is the queue task type for one scripted task run.
	TypeTaskRun = "task:run"
)

// RunPayload is the queue payload for one scripted run.
type RunPayload struct {
	RunID   string                `json:"run_id"`
	Task    model.TaskConfig      `json:"task"`
	Profile model.ResourceProfile `json:"profile"`
}

// Manager queue manager
type Manager struct {
	client   *asynq.Client
	server   *asynq.Server
	mux      *asynq.ServeMux
	redisOpt asynq.RedisClientOpt
}

// NewManager creates queue manager
func NewManager(cfg *config.Config) (*Manager, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Queue.Concurrency,
			Queues: map[string]int{
				"default": 10,
			},
		},
	)

	return &Manager{
		client:   client,
		server:   server,
		mux:      asynq.NewServeMux(),
		redisOpt: redisOpt,
	}, nil
}

// EnqueueRun enqueues one scripted task run. Step retry belongs to the
// executor, so the queue itself never retries a run.
func (m *Manager) EnqueueRun(ctx context.Context, payload *RunPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal run payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.TaskID(payload.RunID),
		asynq.MaxRetry(0),
	}

	info, err := m.client.EnqueueContext(ctx, asynq.NewTask(TypeTaskRun, data), opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue run: %w", err)
	}

	logger.InfoCtx(ctx, "run enqueued, run_id: %s, queue: %s", payload.RunID, info.Queue)
	return nil
}

// DequeueRun drops a still-pending run from the queue. Runs that already
// started are not touched; cancelling those is the task service's job.
func (m *Manager) DequeueRun(runID string) error {
	inspector := asynq.NewInspector(m.redisOpt)
	defer inspector.Close()

	if err := inspector.DeleteTask("default", runID); err != nil {
		return fmt.Errorf("failed to dequeue run: %w", err)
	}

	logger.InfoCtx(context.Background(), "run dequeued, run_id: %s", runID)
	return nil
}

// GetPendingRunCount retrieves the pending run count.
func (m *Manager) GetPendingRunCount() (int, error) {
	inspector := asynq.NewInspector(m.redisOpt)
	defer inspector.Close()

	stats, err := inspector.GetQueueInfo("default")
	if err != nil {
		return 0, err
	}
	return stats.Pending, nil
}

// RegisterHandler registers a task handler
func (m *Manager) RegisterHandler(pattern string, handler asynq.Handler) {
	m.mux.Handle(pattern, handler)
}

// Start starts queue processor
func (m *Manager) Start() error {
	logger.InfoCtx(context.Background(), "starting queue server")
	return m.server.Start(m.mux)
}

// Stop stops queue processor
func (m *Manager) Stop() {
	logger.InfoCtx(context.Background(), "stopping queue server")
	m.server.Stop()
	m.server.Shutdown()
}

// Close closes client
func (m *Manager) Close() error {
	return m.client.Close()
}
