package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"deskgrid/internal/service"
)

// ReplicaHandler handles replica and pool observability
type ReplicaHandler struct {
	gatewayService *service.GatewayService
}

// NewReplicaHandler creates replica handler
func NewReplicaHandler(gatewayService *service.GatewayService) *ReplicaHandler {
	return &ReplicaHandler{gatewayService: gatewayService}
}

// List gets the live replica list
// @Summary List replicas
// @Description List every replica tracked across all pools
// @Tags replicas
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /replicas [get]
func (h *ReplicaHandler) List(c *gin.Context) {
	replicas := h.gatewayService.ListReplicas(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"replicas": replicas,
		"total":    len(replicas),
	})
}

// PoolStats gets per-pool capacity statistics
// @Summary Get pool statistics
// @Description Capacity, free resources and replica state counts per pool
// @Tags replicas
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /pools/stats [get]
func (h *ReplicaHandler) PoolStats(c *gin.Context) {
	stats := h.gatewayService.PoolStats(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"pools": stats})
}
