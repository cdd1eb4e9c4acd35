package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"deskgrid/internal/executor"
	"deskgrid/internal/model"
	"deskgrid/pkg/logger"
	"deskgrid/pkg/notification"
	"deskgrid/pkg/pool"
	queue "deskgrid/pkg/queue/asynq"
	"deskgrid/pkg/status"
	"deskgrid/pkg/store/mysql"
	dbmodel "deskgrid/pkg/store/mysql/model"
)

// ErrRunNotFound indicates the run id has no record.
var ErrRunNotFound = errors.New("run not found")

// syncPollInterval is how often a synchronous submit re-reads the run record.
const syncPollInterval = 500 * time.Millisecond

// TaskService owns the scripted-run lifecycle: it persists run records,
// feeds the queue, and processes queued runs by placing a replica and
// driving the executor over it.
type TaskService struct {
	runRepo   *mysql.TaskRunRepository
	queue     *queue.Manager
	group     *pool.Group
	executor  *executor.Executor
	sanitizer *status.Sanitizer
	notifier  *notification.FeishuNotifier

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewTaskService creates the task service.
func NewTaskService(runRepo *mysql.TaskRunRepository, qm *queue.Manager, group *pool.Group, exec *executor.Executor) *TaskService {
	return &TaskService{
		runRepo:   runRepo,
		queue:     qm,
		group:     group,
		executor:  exec,
		sanitizer: status.NewSanitizer(),
		running:   make(map[string]context.CancelFunc),
	}
}

// SetNotifier enables failure alerts for terminal runs.
func (s *TaskService) SetNotifier(notifier *notification.FeishuNotifier) {
	s.notifier = notifier
}

// SubmitRun records a scripted run and enqueues it for processing.
func (s *TaskService) SubmitRun(ctx context.Context, req *model.SubmitTaskRequest) (*model.SubmitTaskResponse, error) {
	runID := uuid.New().String()

	cfg, err := taskConfigJSON(req)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize task config: %w", err)
	}

	run := &dbmodel.TaskRun{
		RunID:      runID,
		TaskID:     req.Task.TaskID,
		Config:     cfg,
		Status:     string(model.TaskStatusPending),
		StepsTotal: len(req.Task.Steps),
	}
	if err := s.runRepo.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	payload := &queue.RunPayload{
		RunID:   runID,
		Task:    req.Task,
		Profile: req.Profile,
	}
	if err := s.queue.EnqueueRun(ctx, payload); err != nil {
		// The record exists but will never run; fail it so status reads
		// do not report a phantom pending run.
		_ = s.runRepo.UpdateFields(ctx, runID, map[string]interface{}{
			"status":       string(model.TaskStatusFailed),
			"error":        fmt.Sprintf("enqueue failed: %v", err),
			"completed_at": time.Now(),
		})
		return nil, fmt.Errorf("failed to enqueue run: %w", err)
	}

	logger.InfoCtx(ctx, "run submitted, run_id: %s, task_id: %s, steps: %d",
		runID, req.Task.TaskID, len(req.Task.Steps))

	return &model.SubmitTaskResponse{
		ID:     runID,
		Status: model.TaskStatusPending,
	}, nil
}

// SubmitRunSync submits the run and blocks until it reaches a terminal
// status or the caller's deadline expires.
func (s *TaskService) SubmitRunSync(ctx context.Context, req *model.SubmitTaskRequest) (*model.TaskResponse, error) {
	resp, err := s.SubmitRun(ctx, req)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(syncPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("synchronous run wait aborted: %w", ctx.Err())
		case <-ticker.C:
			run, err := s.runRepo.Get(ctx, resp.ID)
			if err != nil {
				return nil, err
			}
			if run == nil {
				return nil, ErrRunNotFound
			}
			if model.TaskStatus(run.Status).Terminal() {
				return toTaskResponse(run, true), nil
			}
		}
	}
}

// GetRunStatus returns the run's current status without the attempt log.
func (s *TaskService) GetRunStatus(ctx context.Context, runID string) (*model.TaskResponse, error) {
	run, err := s.runRepo.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return toTaskResponse(run, false), nil
}

// GetRunReport returns the full run report including the per-attempt log.
func (s *TaskService) GetRunReport(ctx context.Context, runID string) (*model.TaskResponse, error) {
	run, err := s.runRepo.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return toTaskResponse(run, true), nil
}

// CancelRun cancels a run. Pending runs are dropped from the queue; running
// runs have their executor context cancelled. Terminal runs are left alone.
func (s *TaskService) CancelRun(ctx context.Context, runID string) error {
	run, err := s.runRepo.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrRunNotFound
	}
	if model.TaskStatus(run.Status).Terminal() {
		return nil
	}

	if run.Status == string(model.TaskStatusPending) {
		if err := s.queue.DequeueRun(runID); err != nil {
			logger.WarnCtx(ctx, "failed to dequeue pending run, run_id: %s, error: %v", runID, err)
		}
		err := s.runRepo.UpdateFieldsWithStatus(ctx, runID, string(model.TaskStatusPending), map[string]interface{}{
			"status":       string(model.TaskStatusCancelled),
			"completed_at": time.Now(),
		})
		if err == nil {
			logger.InfoCtx(ctx, "pending run cancelled, run_id: %s", runID)
			return nil
		}
		// Lost the race against the queue worker; fall through to the
		// running path.
	}

	s.mu.Lock()
	cancel, ok := s.running[runID]
	s.mu.Unlock()
	if !ok {
		// The run belongs to another instance or just finished; nothing
		// to do here, the owner persists the terminal status.
		logger.WarnCtx(ctx, "run not executing on this instance, run_id: %s", runID)
		return nil
	}

	cancel()
	logger.InfoCtx(ctx, "running run cancelled, run_id: %s", runID)
	return nil
}

// HandleRun is the queue handler for one scripted run: claim the record,
// place a replica, drive the executor over it, persist the outcome, and
// shut the replica down.
func (s *TaskService) HandleRun(ctx context.Context, t *asynq.Task) error {
	var payload queue.RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logger.ErrorCtx(ctx, "failed to unmarshal run payload: %v", err)
		return nil
	}

	// Claim pending -> running. A lost claim means the run was cancelled
	// between enqueue and dequeue.
	now := time.Now()
	err := s.runRepo.UpdateFieldsWithStatus(ctx, payload.RunID, string(model.TaskStatusPending), map[string]interface{}{
		"status":     string(model.TaskStatusRunning),
		"started_at": now,
	})
	if err != nil {
		logger.WarnCtx(ctx, "run no longer pending, skipping, run_id: %s", payload.RunID)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.track(payload.RunID, cancel)
	defer s.untrack(payload.RunID)
	defer cancel()

	mgr, err := s.group.Create(runCtx, payload.Profile, payload.Task)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to place replica for run, run_id: %s, error: %v", payload.RunID, err)
		s.finishRun(payload.RunID, payload.Task.TaskID, nil, &executor.RunResult{
			Status:     model.TaskStatusFailed,
			StepsTotal: len(payload.Task.Steps),
			Error:      fmt.Sprintf("replica placement failed: %v", err),
		})
		return nil
	}

	snap := mgr.Snapshot()
	_ = s.runRepo.UpdateFields(runCtx, payload.RunID, map[string]interface{}{
		"replica_id": snap.ID,
		"pool":       snap.Pool,
	})

	res := s.executor.Run(runCtx, mgr, payload.Task)

	// Scripted runs own their replica end to end.
	if err := s.group.Shutdown(context.Background(), snap.ID); err != nil {
		logger.WarnCtx(ctx, "failed to shut down run replica, replica_id: %s, error: %v", snap.ID, err)
	}

	s.finishRun(payload.RunID, payload.Task.TaskID, &snap, res)
	return nil
}

// RegisterHandlers binds the queue task types to this service.
func (s *TaskService) RegisterHandlers(qm *queue.Manager) {
	qm.RegisterHandler(queue.TypeTaskRun, asynq.HandlerFunc(s.HandleRun))
}

// finishRun persists the terminal outcome of a run. Uses a background
// context so a cancelled run still records its CANCELLED status.
func (s *TaskService) finishRun(runID, taskID string, snap *model.Replica, res *executor.RunResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Driver errors can carry node addresses and session names.
	errMsg := s.sanitizer.Sanitize(res.Error)

	updates := map[string]interface{}{
		"status":       string(res.Status),
		"steps_total":  res.StepsTotal,
		"steps_passed": res.StepsPassed,
		"attempts":     res.Attempts,
		"error":        errMsg,
		"completed_at": time.Now(),
	}
	if res.FailedStep != nil {
		updates["failed_step"] = *res.FailedStep
	}
	if len(res.AttemptLog) > 0 {
		updates["attempt_log"] = s.toAttemptLog(res.AttemptLog)
	}

	if err := s.runRepo.UpdateFields(ctx, runID, updates); err != nil {
		logger.ErrorCtx(ctx, "failed to persist run outcome, run_id: %s, error: %v", runID, err)
		return
	}

	replicaID := ""
	if snap != nil {
		replicaID = snap.ID
	}
	logger.InfoCtx(ctx, "run finished, run_id: %s, status: %s, passed: %d/%d, attempts: %d, replica_id: %s",
		runID, res.Status, res.StepsPassed, res.StepsTotal, res.Attempts, replicaID)

	if s.notifier != nil && (res.Status == model.TaskStatusFailed || res.Status == model.TaskStatusTimedOut) {
		alert := &notification.RunFailureNotification{
			RunID:      runID,
			TaskID:     taskID,
			Status:     string(res.Status),
			FailedStep: res.FailedStep,
			Error:      errMsg,
			ReplicaID:  replicaID,
			FinishedAt: time.Now(),
		}
		if err := s.notifier.SendRunFailureNotification(ctx, alert); err != nil {
			logger.WarnCtx(ctx, "failed to send run failure alert, run_id: %s, error: %v", runID, err)
		}
	}
}

func (s *TaskService) track(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[runID] = cancel
	s.mu.Unlock()
}

func (s *TaskService) untrack(runID string) {
	s.mu.Lock()
	delete(s.running, runID)
	s.mu.Unlock()
}

// taskConfigJSON flattens the submit request into the run record's config
// column.
func taskConfigJSON(req *model.SubmitTaskRequest) (dbmodel.JSONMap, error) {
	raw, err := json.Marshal(map[string]interface{}{
		"task":    req.Task,
		"profile": req.Profile,
	})
	if err != nil {
		return nil, err
	}
	var out dbmodel.JSONMap
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *TaskService) toAttemptLog(attempts []model.StepAttempt) dbmodel.AttemptLog {
	out := make(dbmodel.AttemptLog, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, dbmodel.AttemptRecord{
			StepIndex: a.StepIndex,
			Attempt:   a.Attempt,
			Success:   a.Success,
			Error:     s.sanitizer.Sanitize(a.Error),
			At:        a.At,
		})
	}
	return out
}

// toTaskResponse converts a run record into the API response shape.
func toTaskResponse(run *dbmodel.TaskRun, includeLog bool) *model.TaskResponse {
	resp := &model.TaskResponse{
		ID:          run.RunID,
		Status:      model.TaskStatus(run.Status),
		ReplicaID:   run.ReplicaID,
		StepsTotal:  run.StepsTotal,
		StepsPassed: run.StepsPassed,
		Attempts:    run.Attempts,
		FailedStep:  run.FailedStep,
		Error:       run.Error,
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	if run.StartedAt != nil {
		end := time.Now()
		if run.CompletedAt != nil {
			end = *run.CompletedAt
		}
		resp.ExecutionMS = end.Sub(*run.StartedAt).Milliseconds()
	}
	if includeLog && run.AttemptLog != nil {
		for _, rec := range *run.AttemptLog {
			resp.AttemptLog = append(resp.AttemptLog, model.StepAttempt{
				StepIndex: rec.StepIndex,
				Attempt:   rec.Attempt,
				Success:   rec.Success,
				Error:     rec.Error,
				At:        rec.At,
			})
		}
	}
	return resp
}
