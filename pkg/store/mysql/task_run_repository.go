package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"deskgrid/pkg/store/mysql/model"
)

// TaskRunRepository handles scripted task run persistence in MySQL
type TaskRunRepository struct {
	ds *Datastore
}

// NewTaskRunRepository creates a new task run repository
func NewTaskRunRepository(ds *Datastore) *TaskRunRepository {
	return &TaskRunRepository{ds: ds}
}

// Create creates a new run record
func (r *TaskRunRepository) Create(ctx context.Context, run *model.TaskRun) error {
	return r.ds.DB(ctx).Create(run).Error
}

// Get retrieves a run by its run_id. Returns (nil, nil) when not found.
func (r *TaskRunRepository) Get(ctx context.Context, runID string) (*model.TaskRun, error) {
	var run model.TaskRun
	err := r.ds.DB(ctx).Where("run_id = ?", runID).First(&run).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task run: %w", err)
	}
	return &run, nil
}

// UpdateFields updates specific fields of a run by run_id
func (r *TaskRunRepository) UpdateFields(ctx context.Context, runID string, updates map[string]interface{}) error {
	return r.ds.DB(ctx).Model(&model.TaskRun{}).
		Where("run_id = ?", runID).
		Updates(updates).Error
}

// UpdateStatus updates run status with an atomic state transition (CAS).
// Returns an error when the run is missing or its status no longer matches
// fromStatus, so two processes can never both claim the same transition.
func (r *TaskRunRepository) UpdateStatus(ctx context.Context, runID string, fromStatus, toStatus string) error {
	result := r.ds.DB(ctx).Model(&model.TaskRun{}).
		Where("run_id = ? AND status = ?", runID, fromStatus).
		Update("status", toStatus)

	if result.Error != nil {
		return fmt.Errorf("failed to update run status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("run not found or invalid status transition: run_id=%s, from=%s, to=%s", runID, fromStatus, toStatus)
	}
	return nil
}

// UpdateFieldsWithStatus updates fields guarded by an expected status.
func (r *TaskRunRepository) UpdateFieldsWithStatus(ctx context.Context, runID string, expectedStatus string, updates map[string]interface{}) error {
	result := r.ds.DB(ctx).Model(&model.TaskRun{}).
		Where("run_id = ? AND status = ?", runID, expectedStatus).
		Updates(updates)

	if result.Error != nil {
		return fmt.Errorf("failed to update task run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("run not found or status changed (expected: %s): run_id=%s", expectedStatus, runID)
	}
	return nil
}

// ListByStatus retrieves run ids in a given status, oldest first.
func (r *TaskRunRepository) ListByStatus(ctx context.Context, status string, limit int) ([]string, error) {
	var runIDs []string
	q := r.ds.DB(ctx).Model(&model.TaskRun{}).
		Where("status = ?", status).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("run_id", &runIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs by status: %w", err)
	}
	return runIDs, nil
}

// ListRecent retrieves the most recently created runs.
func (r *TaskRunRepository) ListRecent(ctx context.Context, limit int) ([]*model.TaskRun, error) {
	var runs []*model.TaskRun
	err := r.ds.DB(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recent runs: %w", err)
	}
	return runs, nil
}

// DeleteCompletedBefore removes terminal runs completed before the cutoff.
// Returns the number of rows removed. Used by the retention cleanup job.
func (r *TaskRunRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.ds.DB(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Delete(&model.TaskRun{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old runs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
