package router

import (
	"deskgrid/app/handler"
	"deskgrid/app/middleware"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	sessionHandler *handler.SessionHandler
	replicaHandler *handler.ReplicaHandler
	taskHandler    *handler.TaskHandler
}

// NewRouter creates a new Router
func NewRouter(sessionHandler *handler.SessionHandler, replicaHandler *handler.ReplicaHandler, taskHandler *handler.TaskHandler) *Router {
	return &Router{
		sessionHandler: sessionHandler,
		replicaHandler: replicaHandler,
		taskHandler:    taskHandler,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	// V1 API - environment gateway and scripted runs
	v1 := engine.Group("/v1")
	v1.Use(middleware.AuthMiddleware())
	{
		// Environment session interface
		v1.POST("/reset", r.sessionHandler.Reset)
		v1.POST("/step/:replica_id", r.sessionHandler.Step)
		v1.GET("/screenshot/:replica_id", r.sessionHandler.Screenshot)
		v1.POST("/shutdown/:replica_id", r.sessionHandler.Shutdown)
		v1.GET("/watch/:replica_id", r.sessionHandler.Watch)

		// Replica observability interface
		v1.GET("/replicas", r.replicaHandler.List)
		v1.GET("/pools/stats", r.replicaHandler.PoolStats)

		// Scripted task runs
		if r.taskHandler != nil {
			v1.POST("/tasks", r.taskHandler.Submit)
			v1.POST("/tasks/sync", r.taskHandler.SubmitSync)
			v1.GET("/tasks/:task_id", r.taskHandler.Status)
			v1.POST("/tasks/:task_id/cancel", r.taskHandler.Cancel)
			v1.GET("/tasks/:task_id/report", r.taskHandler.Report)
		}
	}

	// Health check
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}
