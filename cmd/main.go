package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"deskgrid/pkg/logger"
)

func main() {
	app := NewApplication()

	if err := app.Initialize(); err != nil {
		logger.FatalCtx(nil, "Gateway initialization failed: %v", err)
	}

	if err := app.Start(); err != nil {
		logger.FatalCtx(app.ctx, "Gateway startup failed: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.InfoCtx(app.ctx, "Exit signal received: %v, draining", sig)

	// Shutdown drains the queue, stops the HTTP server and destroys every
	// live replica; 30 seconds covers the slowest session teardown.
	if err := app.Shutdown(30 * time.Second); err != nil {
		logger.ErrorCtx(app.ctx, "Gateway shutdown failed: %v", err)
		os.Exit(1)
	}

	logger.InfoCtx(app.ctx, "Gateway exited cleanly")
}

