// Package internal contains core application functionality
package internal

import (
	"fmt"

	"github.com/karloscodes/cartridge"

	"mediasync/internal/config"
	"mediasync/internal/database"
	"mediasync/internal/jobs"
	msync "mediasync/internal/sync"
)

// Application wraps cartridge.Application with mediasync-specific components
type Application struct {
	*cartridge.Application
	DBManager *database.DBManager
	Runner    *msync.Runner
	Scheduler *jobs.Scheduler
}

// NewApp creates a new application instance with default settings
func NewApp() (*Application, error) {
	cfg := config.GetConfig()
	return NewAppWithConfig(cfg)
}

// NewAppWithConfig creates a new application with the provided config
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	logger := cartridge.NewLogger(cfg, nil)

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	runner := msync.NewRunner(
		dbManager,
		logger,
		msync.DefaultClientFactory(logger),
		cfg.StatBatchSize,
		cfg.SyncWorkerCount,
	)

	scheduler, err := jobs.NewScheduler(dbManager, logger, runner)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize jobs: %w", err)
	}

	app, err := cartridge.NewApplication(cartridge.ApplicationOptions{
		Config:    cfg,
		Logger:    logger,
		DBManager: dbManager,
		RouteMountFunc: func(srv *cartridge.Server) {
			MountAppRoutes(srv, runner)
		},
		BackgroundWorkers: []cartridge.BackgroundWorker{scheduler},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	return &Application{
		Application: app,
		DBManager:   dbManager,
		Runner:      runner,
		Scheduler:   scheduler,
	}, nil
}
