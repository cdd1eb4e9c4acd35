package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"deskgrid/internal/model"
	"deskgrid/internal/service"
	"deskgrid/pkg/logger"
)

// TaskHandler handles scripted task run operations
type TaskHandler struct {
	taskService *service.TaskService
}

// NewTaskHandler creates task handler
func NewTaskHandler(taskService *service.TaskService) *TaskHandler {
	return &TaskHandler{taskService: taskService}
}

// Submit submits a scripted run
// @Summary Submit scripted task
// @Description Queue a scripted step-list run and return its id
// @Tags tasks
// @Accept json
// @Produce json
// @Param request body model.SubmitTaskRequest true "Task request"
// @Success 200 {object} model.SubmitTaskResponse
// @Router /tasks [post]
func (h *TaskHandler) Submit(c *gin.Context) {
	var req model.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.ErrorCtx(c.Request.Context(), "invalid submit request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	resp, err := h.taskService.SubmitRun(c.Request.Context(), &req)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to submit run: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// SubmitSync submits a scripted run and waits for the outcome
// @Summary Submit scripted task synchronously
// @Description Queue a scripted run and block until it reaches a terminal status
// @Tags tasks
// @Accept json
// @Produce json
// @Param request body model.SubmitTaskRequest true "Task request"
// @Success 200 {object} model.TaskResponse
// @Router /tasks/sync [post]
func (h *TaskHandler) SubmitSync(c *gin.Context) {
	var req model.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.ErrorCtx(c.Request.Context(), "invalid submit request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	resp, err := h.taskService.SubmitRunSync(c.Request.Context(), &req)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to submit run sync: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Status gets run status
// @Summary Get run status
// @Description Get the current status of a scripted run
// @Tags tasks
// @Produce json
// @Param task_id path string true "Run ID"
// @Success 200 {object} model.TaskResponse
// @Router /tasks/{task_id} [get]
func (h *TaskHandler) Status(c *gin.Context) {
	runID := c.Param("task_id")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id required"})
		return
	}

	resp, err := h.taskService.GetRunStatus(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, service.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		logger.ErrorCtx(c.Request.Context(), "failed to get run status, run_id: %s, error: %v", runID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Cancel cancels a run
// @Summary Cancel run
// @Description Cancel a pending or running scripted run
// @Tags tasks
// @Param task_id path string true "Run ID"
// @Success 200 {object} map[string]string
// @Router /tasks/{task_id}/cancel [post]
func (h *TaskHandler) Cancel(c *gin.Context) {
	runID := c.Param("task_id")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id required"})
		return
	}

	if err := h.taskService.CancelRun(c.Request.Context(), runID); err != nil {
		if errors.Is(err, service.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		logger.ErrorCtx(c.Request.Context(), "failed to cancel run, run_id: %s, error: %v", runID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "run cancelled"})
}

// Report gets the full run report
// @Summary Get run report
// @Description Full run report including the per-step attempt log
// @Tags tasks
// @Produce json
// @Param task_id path string true "Run ID"
// @Success 200 {object} model.TaskResponse
// @Router /tasks/{task_id}/report [get]
func (h *TaskHandler) Report(c *gin.Context) {
	runID := c.Param("task_id")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id required"})
		return
	}

	resp, err := h.taskService.GetRunReport(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, service.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		logger.ErrorCtx(c.Request.Context(), "failed to get run report, run_id: %s, error: %v", runID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}
