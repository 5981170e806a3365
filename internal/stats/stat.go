// Package stats holds the canonical spend records pulled from the ad
// platforms: hourly ad-level stats and their per-account daily rollups.
package stats

import (
	"fmt"
	"math"
	"time"

	"mediasync/internal/accounts"
	"mediasync/internal/campaigns"
	"mediasync/internal/providers"
)

// Stat is one observation at the finest granularity a provider exposes,
// typically hour by ad. Rows are upserted by natural key and never
// deleted here; retention is an operational concern.
type Stat struct {
	ID                   uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	DateAdded            time.Time         `gorm:"not null;uniqueIndex:idx_stat_unique_by_ad,priority:1;index:idx_stat_campaign_date,priority:2" json:"date_added"`
	Provider             accounts.Provider `gorm:"not null;uniqueIndex:idx_stat_unique_by_ad,priority:2" json:"provider"`
	MediaAccountID       uint              `gorm:"not null;uniqueIndex:idx_stat_unique_by_ad,priority:3" json:"media_account_id"`
	ProviderAdID         string            `gorm:"not null;uniqueIndex:idx_stat_unique_by_ad,priority:4" json:"provider_ad_id"`
	ProviderAccountID    string            `gorm:"index" json:"provider_account_id"`
	ProviderAccountName  string            `json:"provider_account_name"`
	ProviderCampaignID   string            `json:"provider_campaign_id"`
	ProviderCampaignName string            `json:"provider_campaign_name"`
	ProviderAdsetID      string            `json:"provider_adset_id"`
	ProviderAdsetName    string            `json:"provider_adset_name"`
	ProviderAdName       string            `json:"provider_ad_name"`
	CampaignID           uint              `gorm:"index:idx_stat_campaign_date,priority:1" json:"campaign_id"`
	Currency             string            `json:"currency"`
	Spend                float64           `json:"spend"`
	CPM                  float64           `json:"cpm"`
	CPC                  float64           `json:"cpc"`
	CPP                  float64           `json:"cpp"`
	CTR                  float64           `json:"ctr"`
	Impressions          int64             `json:"impressions"`
	Clicks               int64             `json:"clicks"`
	Reach                int64             `json:"reach"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// TableName keeps the historical table name.
func (Stat) TableName() string {
	return "media_account_stats"
}

// Key is the natural key a Stat is deduplicated and upserted by.
type Key struct {
	DateAdded      time.Time
	Provider       accounts.Provider
	MediaAccountID uint
	ProviderAdID   string
}

// Key returns the Stat's natural key.
func (s *Stat) Key() Key {
	return Key{
		DateAdded:      s.DateAdded,
		Provider:       s.Provider,
		MediaAccountID: s.MediaAccountID,
		ProviderAdID:   s.ProviderAdID,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d/%s", k.DateAdded.Format("2006-01-02T15"), k.Provider, k.MediaAccountID, k.ProviderAdID)
}

// round4 keeps decimal metrics at 4-digit scale.
func round4(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*10000) / 10000
}

// safeCPM computes spend*1000/impressions guarding the zero denominator.
func safeCPM(spend float64, impressions int64) float64 {
	if impressions == 0 {
		return 0
	}
	return round4(spend * 1000 / float64(impressions))
}

// safeCPC computes spend/clicks guarding the zero denominator.
func safeCPC(spend float64, clicks int64) float64 {
	if clicks == 0 {
		return 0
	}
	return round4(spend / float64(clicks))
}

// safeCTR computes clicks*100/impressions guarding the zero denominator.
func safeCTR(clicks, impressions int64) float64 {
	if impressions == 0 || clicks == 0 {
		return 0
	}
	return round4(float64(clicks) * 100 / float64(impressions))
}

// Normalize converts a raw provider insight into a canonical Stat.
// The hour bucket is anchored on the pull day; campaign resolution goes
// through the account's mapper. Records carrying no spend signal at all
// return ok=false and must not be persisted.
func Normalize(ins providers.Insight, provider accounts.Provider, mediaAccountID uint, day time.Time, mapper *campaigns.Mapper) (Stat, bool) {
	hour := ins.Hour
	if hour < 0 || hour > 23 {
		hour = 0
	}
	bucket := time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, time.UTC)

	cpm := round4(ins.CPM)
	cpc := round4(ins.CPC)
	ctr := round4(ins.CTR)
	// Providers that only report raw counts get derived metrics computed
	// from totals.
	if cpm == 0 {
		cpm = safeCPM(ins.Spend, ins.Impressions)
	}
	if cpc == 0 {
		cpc = safeCPC(ins.Spend, ins.Clicks)
	}
	if ctr == 0 {
		ctr = safeCTR(ins.Clicks, ins.Impressions)
	}

	spend := round4(ins.Spend)
	if spend == 0 && cpm == 0 && cpc == 0 && ctr == 0 {
		return Stat{}, false
	}

	campaignID, _ := mapper.Match(ins.AccountID, ins.CampaignID, ins.AccountName, ins.CampaignName)

	return Stat{
		DateAdded:            bucket,
		Provider:             provider,
		MediaAccountID:       mediaAccountID,
		ProviderAccountID:    ins.AccountID,
		ProviderAccountName:  ins.AccountName,
		ProviderCampaignID:   ins.CampaignID,
		ProviderCampaignName: ins.CampaignName,
		ProviderAdsetID:      ins.AdsetID,
		ProviderAdsetName:    ins.AdsetName,
		ProviderAdID:         ins.AdID,
		ProviderAdName:       ins.AdName,
		CampaignID:           campaignID,
		Currency:             ins.Currency,
		Spend:                spend,
		CPM:                  cpm,
		CPC:                  cpc,
		CPP:                  round4(ins.CPP),
		CTR:                  ctr,
		Impressions:          ins.Impressions,
		Clicks:               ins.Clicks,
		Reach:                ins.Reach,
	}, true
}
