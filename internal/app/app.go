// Package app wires the pipeline's components together and runs the
// daemon until shutdown.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/evaonline/matopiba/internal/auditlog"
	"github.com/evaonline/matopiba/internal/cache"
	"github.com/evaonline/matopiba/internal/cities"
	"github.com/evaonline/matopiba/internal/database"
	"github.com/evaonline/matopiba/internal/log"
	"github.com/evaonline/matopiba/internal/managers"
	"github.com/evaonline/matopiba/internal/openmeteo"
	"github.com/evaonline/matopiba/internal/pipeline"
	"github.com/evaonline/matopiba/internal/restserver"
	"github.com/evaonline/matopiba/internal/scheduler"
	"github.com/evaonline/matopiba/pkg/config"
)

// App represents the main application
type App struct {
	configProvider config.ConfigProvider
	logger         *zap.SugaredLogger
}

// New creates a new application instance
func New(configProvider config.ConfigProvider, logger *zap.SugaredLogger) *App {
	return &App{
		configProvider: configProvider,
		logger:         logger,
	}
}

// Run starts the application and blocks until shutdown
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := a.configProvider.GetConfig()
	if err != nil {
		return err
	}

	runner, hot, err := BuildRunner(cfg, a.logger)
	if err != nil {
		return err
	}
	defer hot.Close()

	// Initialize the controllers: the cron scheduler and the read API.
	sched, err := scheduler.NewController(ctx, &wg, a.configProvider, a.logger, runner)
	if err != nil {
		return err
	}
	api, err := restserver.NewController(ctx, &wg, a.configProvider, hot, a.logger)
	if err != nil {
		return err
	}

	cm := managers.NewControllerManager(ctx, &wg, a.logger, sched, api)
	if err := cm.StartControllers(); err != nil {
		return err
	}

	log.Info("Application started successfully")

	// Set up signal handling
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	select {
	case <-sigs:
		log.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down...")
	}

	// Cancel context to signal all goroutines to stop
	cancel()

	// Wait for all workers to terminate
	log.Info("waiting for all workers to terminate...")
	wg.Wait()
	log.Info("shutdown complete")

	return nil
}

// BuildRunner assembles a pipeline runner from configuration: the city
// table, forecast client, hot cache gateway, and the optional audit
// log. The cmd tools share it with the daemon.
func BuildRunner(cfg *config.Config, logger *zap.SugaredLogger) (*pipeline.Runner, *cache.Gateway, error) {
	cityList, err := cities.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("error loading city table: %v", err)
	}
	logger.Infof("Loaded %d cities", len(cityList))

	localTZ := cities.LocalTZ()

	hot, err := cache.NewGateway(cfg.KVURL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("error connecting to hot cache: %v", err)
	}

	var audit pipeline.AuditStore
	if cfg.DBURL != "" {
		db, err := database.NewClient(cfg.DBURL, logger)
		if err != nil {
			hot.Close()
			return nil, nil, fmt.Errorf("error connecting to audit database: %v", err)
		}
		gw, err := auditlog.NewGateway(db, logger)
		if err != nil {
			hot.Close()
			return nil, nil, fmt.Errorf("error preparing audit log: %v", err)
		}
		audit = gw
	} else {
		logger.Warn("DB_URL not set, audit log disabled")
	}

	fetcher := openmeteo.NewClient(cfg.ProviderBaseURL, localTZ, logger)
	runner := pipeline.NewRunner(cityList, fetcher, hot, audit, localTZ, logger)
	return runner, hot, nil
}
