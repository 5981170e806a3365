package stats

import (
	"fmt"
	"time"

	"log/slog"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
)

// ConnectionProvider yields a database connection scoped to one flush.
// The writer never holds a connection across sleep or retry boundaries.
type ConnectionProvider interface {
	GetConnection() *gorm.DB
}

// BatchWriter buffers normalized Stats keyed by natural key and upserts
// them in batches. A second Stat arriving under an already-buffered key
// with different values is logged as a duplicate-key conflict and the
// later value wins. The buffer belongs to a single pull goroutine.
type BatchWriter struct {
	db        ConnectionProvider
	logger    *slog.Logger
	batchSize int
	buffer    map[Key]*Stat
	order     []Key
	written   int64
	conflicts int64
}

// NewBatchWriter creates a writer flushing every batchSize records.
func NewBatchWriter(db ConnectionProvider, logger *slog.Logger, batchSize int) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BatchWriter{
		db:        db,
		logger:    logger,
		batchSize: batchSize,
		buffer:    make(map[Key]*Stat),
	}
}

// Pending returns the number of buffered, unflushed records.
func (w *BatchWriter) Pending() int {
	return len(w.buffer)
}

// Written returns the number of records flushed so far.
func (w *BatchWriter) Written() int64 {
	return w.written
}

// Conflicts returns the number of duplicate-key conflicts seen so far.
func (w *BatchWriter) Conflicts() int64 {
	return w.conflicts
}

// Add buffers one Stat, flushing when the batch threshold is reached.
func (w *BatchWriter) Add(stat Stat) error {
	key := stat.Key()
	if existing, ok := w.buffer[key]; ok {
		if !sameMetrics(existing, &stat) {
			w.conflicts++
			w.logger.Warn("Duplicate stat key with differing data",
				slog.String("key", key.String()),
				slog.Float64("buffered_spend", existing.Spend),
				slog.Float64("incoming_spend", stat.Spend))
		}
		*existing = stat
	} else {
		copied := stat
		w.buffer[key] = &copied
		w.order = append(w.order, key)
	}

	if len(w.buffer) >= w.batchSize {
		return w.Flush()
	}
	return nil
}

func sameMetrics(a, b *Stat) bool {
	return a.Spend == b.Spend &&
		a.CPM == b.CPM &&
		a.CPC == b.CPC &&
		a.CTR == b.CTR &&
		a.Impressions == b.Impressions &&
		a.Clicks == b.Clicks &&
		a.Reach == b.Reach
}

// Flush upserts all buffered records inside one write transaction.
// Calling Flush with an empty buffer is a no-op, so a final defensive
// flush at the end of a pull is always safe.
func (w *BatchWriter) Flush() error {
	if len(w.buffer) == 0 {
		return nil
	}

	count := len(w.buffer)
	dbConn := w.db.GetConnection()
	if dbConn == nil {
		return gorm.ErrInvalidDB
	}

	err := sqlite.PerformWrite(w.logger, dbConn, func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, key := range w.order {
			stat, ok := w.buffer[key]
			if !ok {
				continue
			}
			if err := upsertStat(tx, stat, now); err != nil {
				return fmt.Errorf("failed to upsert stat %s: %w", key.String(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.written += int64(count)
	w.buffer = make(map[Key]*Stat)
	w.order = w.order[:0]
	w.logger.Debug("Flushed stat batch", slog.Int("count", count))
	return nil
}

// upsertStat inserts or overwrites the mutable metric columns on the
// natural-key collision, preserving the key columns and created_at.
func upsertStat(tx *gorm.DB, s *Stat, now time.Time) error {
	query := `
		INSERT INTO media_account_stats (
			date_added, provider, media_account_id, provider_ad_id,
			provider_account_id, provider_account_name,
			provider_campaign_id, provider_campaign_name,
			provider_adset_id, provider_adset_name, provider_ad_name,
			campaign_id, currency,
			spend, cpm, cpc, cpp, ctr, impressions, clicks, reach,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (date_added, provider, media_account_id, provider_ad_id) DO UPDATE SET
			provider_account_name = excluded.provider_account_name,
			provider_campaign_id = excluded.provider_campaign_id,
			provider_campaign_name = excluded.provider_campaign_name,
			provider_adset_id = excluded.provider_adset_id,
			provider_adset_name = excluded.provider_adset_name,
			provider_ad_name = excluded.provider_ad_name,
			campaign_id = excluded.campaign_id,
			currency = excluded.currency,
			spend = excluded.spend,
			cpm = excluded.cpm,
			cpc = excluded.cpc,
			cpp = excluded.cpp,
			ctr = excluded.ctr,
			impressions = excluded.impressions,
			clicks = excluded.clicks,
			reach = excluded.reach,
			updated_at = excluded.updated_at
	`
	return tx.Exec(query,
		s.DateAdded, s.Provider, s.MediaAccountID, s.ProviderAdID,
		s.ProviderAccountID, s.ProviderAccountName,
		s.ProviderCampaignID, s.ProviderCampaignName,
		s.ProviderAdsetID, s.ProviderAdsetName, s.ProviderAdName,
		s.CampaignID, s.Currency,
		s.Spend, s.CPM, s.CPC, s.CPP, s.CTR, s.Impressions, s.Clicks, s.Reach,
		now, now,
	).Error
}
