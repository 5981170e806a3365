package stats

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"mediasync/internal/timeframe"
)

// SeriesFilter narrows a reporting query. Zero values mean "all".
type SeriesFilter struct {
	MediaAccountID uint
	CampaignID     uint
	From           time.Time
	To             time.Time
}

// ListSummaries returns daily rollups inside the range, newest first.
func ListSummaries(dbConn *gorm.DB, filter SeriesFilter) ([]Summary, error) {
	query := dbConn.Model(&Summary{}).
		Where("date_added >= ? AND date_added <= ?", filter.From, filter.To)
	if filter.MediaAccountID != 0 {
		query = query.Where("media_account_id = ?", filter.MediaAccountID)
	}

	var summaries []Summary
	if err := query.Order("date_added desc, provider asc").Find(&summaries).Error; err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	return summaries, nil
}

// SpendSeries aggregates stat rows into a padded time series.
func SpendSeries(dbConn *gorm.DB, filter SeriesFilter, tf *timeframe.TimeFrame) ([]timeframe.SpendStat, error) {
	where := "date_added >= ? AND date_added <= ?"
	args := []interface{}{filter.From, filter.To}
	if filter.MediaAccountID != 0 {
		where += " AND media_account_id = ?"
		args = append(args, filter.MediaAccountID)
	}
	if filter.CampaignID != 0 {
		where += " AND campaign_id = ?"
		args = append(args, filter.CampaignID)
	}

	group := tf.GroupExpression("date_added")
	query := fmt.Sprintf(`
		SELECT %s AS date,
			ROUND(SUM(spend), 4) AS spend,
			SUM(impressions) AS impressions,
			SUM(clicks) AS clicks
		FROM media_account_stats
		WHERE %s
		GROUP BY %s
		ORDER BY date ASC
	`, group, where, group)

	var grouped []timeframe.SpendStat
	if err := dbConn.Raw(query, args...).Scan(&grouped).Error; err != nil {
		return nil, fmt.Errorf("failed to query spend series: %w", err)
	}

	for i := range grouped {
		row := &grouped[i]
		row.CPM = safeCPM(row.Spend, row.Impressions)
		row.CPC = safeCPC(row.Spend, row.Clicks)
		row.CTR = safeCTR(row.Clicks, row.Impressions)
	}
	return tf.PadSeries(grouped), nil
}

// CampaignTotals is the aggregated spend for one internal campaign.
type CampaignTotals struct {
	CampaignID  uint    `json:"campaign_id"`
	Spend       float64 `json:"spend"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	CPM         float64 `json:"cpm"`
	CPC         float64 `json:"cpc"`
	CTR         float64 `json:"ctr"`
}

// TotalsByCampaign aggregates stat rows per internal campaign; campaign
// id 0 collects the unmapped remainder.
func TotalsByCampaign(dbConn *gorm.DB, filter SeriesFilter) ([]CampaignTotals, error) {
	query := dbConn.Model(&Stat{}).
		Select("campaign_id, ROUND(SUM(spend), 4) AS spend, SUM(impressions) AS impressions, SUM(clicks) AS clicks").
		Where("date_added >= ? AND date_added <= ?", filter.From, filter.To)
	if filter.MediaAccountID != 0 {
		query = query.Where("media_account_id = ?", filter.MediaAccountID)
	}

	var totals []CampaignTotals
	if err := query.Group("campaign_id").Order("spend desc").Scan(&totals).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate campaign totals: %w", err)
	}

	for i := range totals {
		row := &totals[i]
		row.CPM = safeCPM(row.Spend, row.Impressions)
		row.CPC = safeCPC(row.Spend, row.Clicks)
		row.CTR = safeCTR(row.Clicks, row.Impressions)
	}
	return totals, nil
}

// CountStats returns the number of stat rows for one media account.
func CountStats(dbConn *gorm.DB, mediaAccountID uint) (int64, error) {
	var count int64
	query := dbConn.Model(&Stat{})
	if mediaAccountID != 0 {
		query = query.Where("media_account_id = ?", mediaAccountID)
	}
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count stats: %w", err)
	}
	return count, nil
}
