package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noahxzhu/chrono-capsule/internal/app"
	"github.com/noahxzhu/chrono-capsule/internal/config"
	"github.com/noahxzhu/chrono-capsule/internal/web"
)

func main() {
	app.SetupLogger(os.Stdout, "info")

	configPath := os.Getenv("CAPSULE_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	// Load Config
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	app.SetupLogger(os.Stdout, cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init Storage
	a, err := app.Open(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Init Worker
	w, err := a.NewWorker()
	if err != nil {
		slog.Error("Failed to start delivery worker", "error", err)
		os.Exit(1)
	}

	workerDone := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(workerDone)
	}()

	// Init Web Server
	srv := web.NewServer(a.Users, a.Capsules, w, cfg.DisplayLocation())
	httpServer := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: srv,
	}

	// Start HTTP Server
	go func() {
		slog.Info("Starting server", "port", cfg.Server.Port, "url", "http://localhost"+cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down...")
	cancel() // Stop worker

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		slog.Warn("Worker did not finish its pass before shutdown")
	}
	slog.Info("Server exited")
}
