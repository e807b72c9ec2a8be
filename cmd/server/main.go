package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hpc-bridge/api/rest/routes"
	"hpc-bridge/config"
	"hpc-bridge/core/bridge"
	"hpc-bridge/core/monitoring"
	"hpc-bridge/core/platform"
	"hpc-bridge/core/repository"
	"hpc-bridge/core/resource_manager"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	cfg.ApplyLogging()

	// Event journal is optional
	var events repository.EventRecorder
	if cfg.DatabaseURL != "" {
		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			logrus.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		events = repository.NewEventRepository(db)
		logrus.Info("Database connected successfully")
	}

	// Resource catalog: live platform nodes, or the configured groups alone
	var source resource_manager.CatalogSource = resource_manager.StaticCatalog(cfg.ComputeGroups)
	if cfg.PlatformURL != "" {
		client := platform.NewClient(cfg.PlatformURL, cfg.PlatformUser, cfg.PlatformPassword, cfg.PlatformToken, nil)
		source = resource_manager.NewPlatformCatalog(client, cfg.ComputeGroups, cfg.KnownGroupsOnly)
	}
	resolver := resource_manager.NewResolver(source, cfg.CatalogTTL)

	forge, err := bridge.NewForgeClient(cfg.ForgeConfig())
	if err != nil {
		logrus.Fatalf("Failed to configure bridge: %v", err)
	}

	cache, err := repository.NewJobCache(cfg.CacheDir)
	if err != nil {
		logrus.Fatalf("Failed to open job cache: %v", err)
	}

	controller := monitoring.NewController(resolver, forge, cache, events, cfg.ControllerOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background refresh of active jobs
	monitor := monitoring.NewJobMonitor(controller, cfg.MonitorInterval)
	go monitor.Start(ctx)

	r := mux.NewRouter()
	routes.SetupRoutes(r, controller, resolver)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		logrus.Infof("Starting server on port %s (cache %s)", cfg.ServerPort, cache.Path())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	logrus.Info("Server exited")
}
