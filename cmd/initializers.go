package main

import (
	"fmt"
	"net/http"
	"time"

	"deskgrid/app/handler"
	"deskgrid/app/router"
	"deskgrid/internal/executor"
	"deskgrid/internal/service"
	"deskgrid/pkg/config"
	"deskgrid/pkg/logger"
	"deskgrid/pkg/notification"
	"deskgrid/pkg/pool"
	"deskgrid/pkg/provision"
	queue "deskgrid/pkg/queue/asynq"
	mysqlstore "deskgrid/pkg/store/mysql"
	redisstore "deskgrid/pkg/store/redis"

	"github.com/gin-gonic/gin"
)

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(); err != nil {
		return err
	}
	app.registerCleanup(func() {
		logger.Sync()
		logger.InfoCtx(app.ctx, "Logging system has been closed")
	})
	return nil
}

// initMySQL initializes MySQL. Without a configured host the task API is
// disabled and the process runs as a pure environment gateway.
func (app *Application) initMySQL() error {
	if app.config.MySQL.Host == "" {
		logger.InfoCtx(app.ctx, "MySQL not configured, scripted task API disabled")
		return nil
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		app.config.MySQL.User,
		app.config.MySQL.Password,
		app.config.MySQL.Host,
		app.config.MySQL.Port,
		app.config.MySQL.Database,
	)

	repo, err := mysqlstore.NewRepository(dsn)
	if err != nil {
		return err
	}

	app.mysqlRepo = repo
	app.registerCleanup(func() {
		repo.Close()
		logger.InfoCtx(app.ctx, "MySQL connection has been closed")
	})

	return nil
}

// initRedis initializes Redis. Optional: without it replica mirroring is off
// and distributed locks degrade to single-instance mode.
func (app *Application) initRedis() error {
	if app.config.Redis.Addr == "" {
		logger.InfoCtx(app.ctx, "Redis not configured, running in single-instance mode")
		return nil
	}

	client, err := redisstore.NewRedisClient(app.config)
	if err != nil {
		return err
	}

	app.redisClient = client
	app.replicaRepo = redisstore.NewReplicaRepository(client, app.config.Session.ActivityTTL)
	app.registerCleanup(func() {
		client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})

	return nil
}

// initSessionDriver creates the session driver selected by the config.
func (app *Application) initSessionDriver() error {
	driver, err := provision.CreateSessionDriver(app.config)
	if err != nil {
		return err
	}
	app.sessionDriver = driver
	logger.InfoCtx(app.ctx, "Session driver: %s", app.config.Provisioner.Driver)
	return nil
}

// initPools builds the replica pools and the routing group over them.
func (app *Application) initPools() error {
	pools := make([]*pool.Pool, 0, len(app.config.Pools))
	for _, pc := range app.config.Pools {
		pools = append(pools, pool.NewPool(pc, app.sessionDriver))
		logger.InfoCtx(app.ctx, "Pool %s: %d hosts, weight %d", pc.Name, len(pc.Hosts), pc.Weight)
	}
	app.poolGroup = pool.NewGroup(pools)
	return nil
}

// initQueue initializes the scripted run queue. Requires both Redis (broker)
// and MySQL (run records).
func (app *Application) initQueue() error {
	if app.redisClient == nil || app.mysqlRepo == nil {
		logger.InfoCtx(app.ctx, "Queue requires Redis and MySQL, scripted runs disabled")
		return nil
	}

	qm, err := queue.NewManager(app.config)
	if err != nil {
		return err
	}

	app.queueManager = qm
	app.registerCleanup(func() {
		qm.Close()
		logger.InfoCtx(app.ctx, "Queue client has been closed")
	})

	return nil
}

// initServices initializes service layer
func (app *Application) initServices() error {
	app.gatewayService = service.NewGatewayService(app.poolGroup, app.replicaRepo)

	if app.queueManager != nil {
		exec := executor.New(executor.OptionsFromConfig(app.config.Executor))
		app.taskService = service.NewTaskService(
			app.mysqlRepo.TaskRun,
			app.queueManager,
			app.poolGroup,
			exec,
		)
		app.taskService.RegisterHandlers(app.queueManager)
		app.taskService.SetNotifier(notification.NewFeishuNotifier())
	}

	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.sessionHandler = handler.NewSessionHandler(app.gatewayService)
	app.replicaHandler = handler.NewReplicaHandler(app.gatewayService)
	if app.taskService != nil {
		app.taskHandler = handler.NewTaskHandler(app.taskService)
	}
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	r := router.NewRouter(app.sessionHandler, app.replicaHandler, app.taskHandler)

	// Set Gin mode
	gin.SetMode(app.config.Server.Mode)

	// Create Gin engine
	app.ginEngine = gin.New()
	app.ginEngine.Use(gin.Recovery())

	// Setup routes
	r.Setup(app.ginEngine)

	// Create HTTP server
	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.ginEngine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return nil
}
