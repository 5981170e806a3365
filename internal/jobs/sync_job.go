package jobs

import (
	"context"
	"log/slog"
	"time"

	"mediasync/internal/config"
	"mediasync/internal/database"
	"mediasync/internal/metrics"
	"mediasync/internal/settings"
	msync "mediasync/internal/sync"
)

// SyncJob pulls the recent spend window for every enabled media account.
type SyncJob struct {
	dbManager *database.DBManager
	logger    *slog.Logger
	runner    *msync.Runner
	cfg       *config.Config
}

func NewSyncJob(dbManager *database.DBManager, logger *slog.Logger, runner *msync.Runner, cfg *config.Config) *SyncJob {
	return &SyncJob{
		dbManager: dbManager,
		logger:    logger,
		runner:    runner,
		cfg:       cfg,
	}
}

// Run syncs the lookback window ending today for all enabled accounts.
func (j *SyncJob) Run(ctx context.Context) error {
	db := j.dbManager.GetConnection()
	if settings.IsSyncPaused(db) {
		j.logger.Info("Sync is paused via settings, skipping")
		return nil
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -j.cfg.SyncLookbackDays)
	j.logger.Info("Starting scheduled sync",
		slog.String("from", from.Format("2006-01-02")),
		slog.String("to", to.Format("2006-01-02")))

	started := time.Now()
	outcomes, err := j.runner.SyncAll(ctx, from, to)
	if err != nil {
		return err
	}

	for _, outcome := range outcomes {
		provider := string(outcome.Provider)
		state := string(msync.StateErrorAborted)
		if outcome.Result != nil {
			state = string(outcome.Result.State)
			metrics.StatsWritten.WithLabelValues(provider).Add(float64(outcome.Result.StatsWritten))
			metrics.DuplicateConflicts.WithLabelValues(provider).Add(float64(outcome.Result.Conflicts))
			metrics.ProviderErrors.WithLabelValues(provider).Add(float64(len(outcome.Result.Errors)))
			metrics.SpendPulled.WithLabelValues(provider).Add(outcome.Result.Spend)
		}
		metrics.SyncRuns.WithLabelValues(provider, state).Inc()
		metrics.SyncDuration.WithLabelValues(provider).Observe(outcome.Duration.Seconds())
	}

	j.logger.Info("Scheduled sync finished",
		slog.Int("accounts", len(outcomes)),
		slog.Duration("took", time.Since(started)))
	return nil
}
