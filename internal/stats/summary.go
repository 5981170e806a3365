package stats

import (
	"fmt"
	"time"

	"log/slog"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"mediasync/internal/accounts"
)

// Summary is the daily rollup per (provider, provider account, media
// account). The final flag records that the provider is not expected to
// revise the day anymore; once set it never clears.
type Summary struct {
	ID                  uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	DateAdded           time.Time         `gorm:"not null;uniqueIndex:idx_summary_unique,priority:1" json:"date_added"`
	DateModified        time.Time         `gorm:"not null" json:"date_modified"`
	Provider            accounts.Provider `gorm:"not null;uniqueIndex:idx_summary_unique,priority:2" json:"provider"`
	ProviderAccountID   string            `gorm:"not null;uniqueIndex:idx_summary_unique,priority:3" json:"provider_account_id"`
	ProviderAccountName string            `json:"provider_account_name"`
	MediaAccountID      uint              `gorm:"index" json:"media_account_id"`
	Currency            string            `json:"currency"`
	Spend               float64           `json:"spend"`
	CPM                 float64           `json:"cpm"`
	CPC                 float64           `json:"cpc"`
	CTR                 float64           `json:"ctr"`
	Impressions         int64             `json:"impressions"`
	Clicks              int64             `json:"clicks"`
	Complete            bool              `json:"complete"`
	Final               bool              `json:"final"`
}

// TableName keeps the historical table name.
func (Summary) TableName() string {
	return "media_account_summaries"
}

// Totals accumulates per-account-per-day metric totals during a pull.
type Totals struct {
	Spend       float64
	Impressions int64
	Clicks      int64
	Currency    string
}

// Accumulate folds one normalized Stat into the totals.
func (t *Totals) Accumulate(s Stat) {
	t.Spend += s.Spend
	t.Impressions += s.Impressions
	t.Clicks += s.Clicks
	if t.Currency == "" {
		t.Currency = s.Currency
	}
}

// CreateOrUpdateSummary upserts the daily rollup for one account day.
// Derived metrics are recomputed from the totals every time. Finality
// is monotonic: the stored flag never drops back to false, even when a
// later pull reports the day incomplete.
func CreateOrUpdateSummary(dbConn *gorm.DB, logger *slog.Logger, provider accounts.Provider,
	mediaAccountID uint, acctID, acctName string, day time.Time, totals Totals,
	complete bool, finalityAge time.Duration) error {

	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	final := complete && day.Add(finalityAge).Before(time.Now().UTC())

	spend := round4(totals.Spend)
	cpm := safeCPM(totals.Spend, totals.Impressions)
	cpc := safeCPC(totals.Spend, totals.Clicks)
	ctr := safeCTR(totals.Clicks, totals.Impressions)
	now := time.Now().UTC()

	err := sqlite.PerformWrite(logger, dbConn, func(tx *gorm.DB) error {
		query := `
			INSERT INTO media_account_summaries (
				date_added, date_modified, provider, provider_account_id,
				provider_account_name, media_account_id, currency,
				spend, cpm, cpc, ctr, impressions, clicks, complete, final
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (date_added, provider, provider_account_id) DO UPDATE SET
				date_modified = excluded.date_modified,
				provider_account_name = excluded.provider_account_name,
				media_account_id = excluded.media_account_id,
				currency = excluded.currency,
				spend = excluded.spend,
				cpm = excluded.cpm,
				cpc = excluded.cpc,
				ctr = excluded.ctr,
				impressions = excluded.impressions,
				clicks = excluded.clicks,
				complete = excluded.complete,
				final = MAX(media_account_summaries.final, excluded.final)
		`
		return tx.Exec(query,
			day, now, provider, acctID,
			acctName, mediaAccountID, totals.Currency,
			spend, cpm, cpc, ctr, totals.Impressions, totals.Clicks, complete, final,
		).Error
	})
	if err != nil {
		return fmt.Errorf("failed to upsert summary for %s/%s on %s: %w",
			provider, acctID, day.Format("2006-01-02"), err)
	}

	logger.Info("Updated daily summary",
		slog.String("provider", string(provider)),
		slog.String("provider_account_id", acctID),
		slog.String("day", day.Format("2006-01-02")),
		slog.Float64("spend", spend),
		slog.Bool("complete", complete),
		slog.Bool("final", final))
	return nil
}

// GetSummary fetches one rollup row by its unique key.
func GetSummary(dbConn *gorm.DB, provider accounts.Provider, acctID string, day time.Time) (*Summary, error) {
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	var summary Summary
	err := dbConn.Where("date_added = ? AND provider = ? AND provider_account_id = ?",
		day, provider, acctID).First(&summary).Error
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// NonFinalDays lists summary days for one media account that are not
// final yet, oldest first, for the finalizing re-pull.
func NonFinalDays(dbConn *gorm.DB, mediaAccountID uint, before time.Time) ([]time.Time, error) {
	var days []time.Time
	err := dbConn.Model(&Summary{}).
		Where("media_account_id = ? AND final = ? AND date_added < ?", mediaAccountID, false, before).
		Distinct("date_added").
		Order("date_added asc").
		Pluck("date_added", &days).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list non-final days: %w", err)
	}
	return days, nil
}
