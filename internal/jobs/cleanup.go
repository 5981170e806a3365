package jobs

import (
	"context"
	"log/slog"
	"time"

	"mediasync/internal/config"
	"mediasync/internal/database"
	msync "mediasync/internal/sync"
)

// sessionRetentionDays is how long finished pull sessions are kept.
const sessionRetentionDays = 30

// CleanupJob prunes old pull session records and compacts the WAL.
type CleanupJob struct {
	dbManager *database.DBManager
	logger    *slog.Logger
	cfg       *config.Config
}

func NewCleanupJob(dbManager *database.DBManager, logger *slog.Logger, cfg *config.Config) *CleanupJob {
	return &CleanupJob{
		dbManager: dbManager,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run removes finished pull sessions older than the retention period.
func (j *CleanupJob) Run(ctx context.Context) error {
	db := j.dbManager.GetConnection()
	cutoffDate := time.Now().UTC().AddDate(0, 0, -sessionRetentionDays)

	j.logger.Info("Starting cleanup of old pull sessions",
		slog.Time("cutoff_date", cutoffDate))

	var countToDelete int64
	if err := db.Model(&msync.PullSession{}).
		Where("finished_at IS NOT NULL AND started_at < ?", cutoffDate).
		Count(&countToDelete).Error; err != nil {
		j.logger.Error("Failed to count old pull sessions", slog.Any("error", err))
		return err
	}

	if countToDelete == 0 {
		j.logger.Debug("No old pull sessions to clean up")
		return nil
	}

	// Delete in batches to avoid locking the database for too long
	batchSize := 1000
	totalDeleted := int64(0)

	for ctx.Err() == nil {
		result := db.Where("finished_at IS NOT NULL AND started_at < ?", cutoffDate).
			Limit(batchSize).
			Delete(&msync.PullSession{})

		if result.Error != nil {
			j.logger.Error("Failed to delete old pull sessions",
				slog.Any("error", result.Error),
				slog.Int64("deleted_so_far", totalDeleted))
			return result.Error
		}

		totalDeleted += result.RowsAffected

		if result.RowsAffected < int64(batchSize) {
			break
		}

		// Small delay between batches to prevent database lock contention
		time.Sleep(100 * time.Millisecond)
	}

	if err := j.dbManager.CheckpointWAL("PASSIVE"); err != nil {
		j.logger.Warn("Failed to checkpoint WAL after cleanup", slog.Any("error", err))
	}

	j.logger.Info("Cleaned up old pull sessions",
		slog.Int64("deleted_count", totalDeleted))

	return nil
}
