package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mediasync/internal/config"
	"mediasync/internal/database"
	msync "mediasync/internal/sync"
)

// Scheduler is responsible for running background jobs
type Scheduler struct {
	dbManager *database.DBManager
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	enabled   bool
	isRunning bool
	cfg       *config.Config

	// Mutex to prevent concurrent job executions
	processingMutex sync.Mutex
	isProcessing    bool

	// Job instances
	syncJob     *SyncJob
	finalizeJob *FinalizeJob
	cleanupJob  *CleanupJob

	// Tickers for each job type
	syncTicker     *time.Ticker
	finalizeTicker *time.Ticker
	cleanupTicker  *time.Ticker
}

func NewScheduler(dbManager *database.DBManager, logger *slog.Logger, runner *msync.Runner) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := config.GetConfig()

	s := &Scheduler{
		dbManager: dbManager,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		enabled:   true,
		isRunning: false,
		cfg:       cfg,
	}

	// Initialize job instances
	s.syncJob = NewSyncJob(dbManager, logger, runner, cfg)
	s.finalizeJob = NewFinalizeJob(dbManager, logger, runner)
	s.cleanupJob = NewCleanupJob(dbManager, logger, cfg)

	return s, nil
}

// executeJobSafely runs a job only if no other job is currently executing
func (s *Scheduler) executeJobSafely(jobName string, jobFunc func(ctx context.Context) error) {
	s.processingMutex.Lock()
	if s.isProcessing {
		s.logger.Debug("Skipping job execution - previous job still running", slog.String("job", jobName))
		s.processingMutex.Unlock()
		return
	}
	s.isProcessing = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		s.isProcessing = false
		s.processingMutex.Unlock()
	}()

	if err := jobFunc(s.ctx); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
}

// Start begins all background jobs
func (s *Scheduler) Start() error {
	if !s.enabled {
		s.logger.Info("Background jobs are disabled.")
		return nil
	}

	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.logger.Info("Starting background jobs...")

	s.isRunning = true

	s.startSyncJob()
	s.startFinalizeJob()
	s.startCleanupJob()

	s.logger.Info("Background jobs started",
		slog.Bool("enabled", s.enabled),
		slog.Bool("isRunning", s.isRunning))

	return nil
}

func (s *Scheduler) startSyncJob() {
	interval := time.Duration(s.cfg.SyncIntervalSeconds) * time.Second
	s.logger.Info("Starting sync job", slog.Duration("interval", interval))
	s.syncTicker = time.NewTicker(interval)

	go func() {
		// Run initial execution
		s.logger.Info("Running initial sync...")
		s.executeJobSafely("sync", s.syncJob.Run)

		for {
			select {
			case <-s.syncTicker.C:
				s.executeJobSafely("sync", s.syncJob.Run)
			case <-s.ctx.Done():
				s.logger.Info("Sync job stopped")
				return
			}
		}
	}()
}

func (s *Scheduler) startFinalizeJob() {
	interval := time.Duration(s.cfg.FinalizeIntervalSeconds) * time.Second
	s.logger.Info("Starting finalize job", slog.Duration("interval", interval))
	s.finalizeTicker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-s.finalizeTicker.C:
				s.executeJobSafely("finalize", s.finalizeJob.Run)
			case <-s.ctx.Done():
				s.logger.Info("Finalize job stopped")
				return
			}
		}
	}()
}

func (s *Scheduler) startCleanupJob() {
	interval := 24 * time.Hour
	s.logger.Info("Starting cleanup job", slog.Duration("interval", interval))
	s.cleanupTicker = time.NewTicker(interval)

	go func() {
		// Run initial cleanup
		s.logger.Info("Running initial cleanup...")
		if err := s.cleanupJob.Run(s.ctx); err != nil {
			s.logger.Error("Error in initial cleanup job", slog.Any("error", err))
		}

		for {
			select {
			case <-s.cleanupTicker.C:
				if err := s.cleanupJob.Run(s.ctx); err != nil {
					s.logger.Error("Error in cleanup job", slog.Any("error", err))
				}
			case <-s.ctx.Done():
				s.logger.Info("Cleanup job stopped")
				return
			}
		}
	}()
}

// Stop halts all background jobs.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping background jobs...")
	s.enabled = false

	if s.syncTicker != nil {
		s.syncTicker.Stop()
	}
	if s.finalizeTicker != nil {
		s.finalizeTicker.Stop()
	}
	if s.cleanupTicker != nil {
		s.cleanupTicker.Stop()
	}

	s.cancel()
	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	return s.isRunning
}

// RunSyncNow allows manual triggering of the sync job.
func (s *Scheduler) RunSyncNow() {
	if !s.enabled {
		return
	}
	go s.executeJobSafely("sync", s.syncJob.Run)
}
