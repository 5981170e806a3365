package jobs

import (
	"context"
	"log/slog"
	"time"

	"mediasync/internal/accounts"
	"mediasync/internal/database"
	"mediasync/internal/providers"
	"mediasync/internal/stats"
	msync "mediasync/internal/sync"
)

// FinalizeJob re-pulls days whose summaries are past the provider's
// finality age but still not final, so settled data converges without
// an operator backfill.
type FinalizeJob struct {
	dbManager *database.DBManager
	logger    *slog.Logger
	runner    *msync.Runner
}

func NewFinalizeJob(dbManager *database.DBManager, logger *slog.Logger, runner *msync.Runner) *FinalizeJob {
	return &FinalizeJob{
		dbManager: dbManager,
		logger:    logger,
		runner:    runner,
	}
}

// Run scans each enabled account for stale non-final days and re-syncs
// the covering range.
func (j *FinalizeJob) Run(ctx context.Context) error {
	db := j.dbManager.GetConnection()
	list, err := accounts.GetEnabledAccounts(db)
	if err != nil {
		return err
	}

	for i := range list {
		account := &list[i]
		limits, err := providers.LimitsFor(account.Provider)
		if err != nil {
			j.logger.Error("No limits for provider", slog.String("provider", string(account.Provider)))
			continue
		}

		cutoff := time.Now().UTC().Add(-limits.FinalityAge)
		days, err := stats.NonFinalDays(db, account.ID, cutoff)
		if err != nil {
			j.logger.Error("Failed to find non-final days",
				slog.Uint64("media_account_id", uint64(account.ID)),
				slog.Any("error", err))
			continue
		}
		if len(days) == 0 {
			continue
		}

		from := days[0]
		to := days[len(days)-1]
		j.logger.Info("Finalizing stale days",
			slog.Uint64("media_account_id", uint64(account.ID)),
			slog.Int("days", len(days)),
			slog.String("from", from.Format("2006-01-02")),
			slog.String("to", to.Format("2006-01-02")))

		if _, err := j.runner.SyncAccount(ctx, account, from, to); err != nil {
			j.logger.Error("Finalize pull aborted",
				slog.Uint64("media_account_id", uint64(account.ID)),
				slog.Any("error", err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
