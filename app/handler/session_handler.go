package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"deskgrid/internal/model"
	"deskgrid/internal/service"
	"deskgrid/pkg/faults"
	"deskgrid/pkg/logger"
)

// watchInterval is how often the watch stream pushes the latest frame.
const watchInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway sits behind the bearer-token middleware; origin checks
	// add nothing for non-browser agent clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SessionHandler handles environment session operations
type SessionHandler struct {
	gatewayService *service.GatewayService
}

// NewSessionHandler creates session handler
func NewSessionHandler(gatewayService *service.GatewayService) *SessionHandler {
	return &SessionHandler{gatewayService: gatewayService}
}

// Reset provisions a fresh replica
// @Summary Reset environment
// @Description Provision a fresh replica for a task and return the baseline observation
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body model.ResetRequest true "Reset request"
// @Success 200 {object} model.ResetResponse
// @Router /reset [post]
func (h *SessionHandler) Reset(c *gin.Context) {
	var req model.ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.ErrorCtx(c.Request.Context(), "invalid reset request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	resp, err := h.gatewayService.Reset(c.Request.Context(), &req)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "reset failed, task_id: %s, error: %v", req.Task.TaskID, err)
		c.JSON(faults.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Step applies one action to a replica
// @Summary Apply step
// @Description Apply one encoded action command to the replica under a sequence number
// @Tags sessions
// @Accept json
// @Produce json
// @Param replica_id path string true "Replica ID"
// @Param request body model.StepAPIRequest true "Step request"
// @Success 200 {object} model.StepResult
// @Router /step/{replica_id} [post]
func (h *SessionHandler) Step(c *gin.Context) {
	replicaID := c.Param("replica_id")
	if replicaID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "replica_id required"})
		return
	}

	var req model.StepAPIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.ErrorCtx(c.Request.Context(), "invalid step request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	result, err := h.gatewayService.Step(c.Request.Context(), replicaID, &req)
	if err != nil {
		logger.WarnCtx(c.Request.Context(), "step failed, replica_id: %s, seq: %d, error: %v", replicaID, req.Seq, err)
		c.JSON(faults.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Screenshot returns the last committed observation
// @Summary Get screenshot
// @Description Return the replica's last committed observation without blocking
// @Tags sessions
// @Produce json
// @Param replica_id path string true "Replica ID"
// @Success 200 {object} model.Observation
// @Router /screenshot/{replica_id} [get]
func (h *SessionHandler) Screenshot(c *gin.Context) {
	replicaID := c.Param("replica_id")
	if replicaID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "replica_id required"})
		return
	}

	obs, err := h.gatewayService.Screenshot(c.Request.Context(), replicaID)
	if err != nil {
		c.JSON(faults.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, obs)
}

// Shutdown destroys a replica
// @Summary Shutdown replica
// @Description Destroy the replica and release its capacity; repeated calls are harmless
// @Tags sessions
// @Param replica_id path string true "Replica ID"
// @Success 200 {object} map[string]string
// @Router /shutdown/{replica_id} [post]
func (h *SessionHandler) Shutdown(c *gin.Context) {
	replicaID := c.Param("replica_id")
	if replicaID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "replica_id required"})
		return
	}

	if err := h.gatewayService.Shutdown(c.Request.Context(), replicaID); err != nil {
		logger.ErrorCtx(c.Request.Context(), "shutdown failed, replica_id: %s, error: %v", replicaID, err)
		c.JSON(faults.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "replica shut down"})
}

// Watch streams frames over a websocket
// @Summary Watch replica
// @Description Push the replica's latest committed frame over a websocket at a fixed interval
// @Tags sessions
// @Param replica_id path string true "Replica ID"
// @Router /watch/{replica_id} [get]
func (h *SessionHandler) Watch(c *gin.Context) {
	replicaID := c.Param("replica_id")
	if replicaID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "replica_id required"})
		return
	}

	// Resolve before upgrading so a routing miss is a plain 404.
	if _, err := h.gatewayService.GetReplica(c.Request.Context(), replicaID); err != nil {
		c.JSON(faults.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "websocket upgrade failed, replica_id: %s, error: %v", replicaID, err)
		return
	}
	defer conn.Close()

	// Drain client messages so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			obs, err := h.gatewayService.Screenshot(c.Request.Context(), replicaID)
			if err != nil {
				// The replica went away; tell the client and stop.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "replica gone"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, obs.Data); err != nil {
				return
			}
		}
	}
}
