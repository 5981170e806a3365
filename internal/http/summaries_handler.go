package http

import (
	"strconv"
	"time"

	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"
	"github.com/pariz/gountries"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"mediasync/internal/stats"
)

// SummaryRow is one daily rollup enriched for display.
type SummaryRow struct {
	Date            string  `json:"date"`
	Provider        string  `json:"provider"`
	ProviderLabel   string  `json:"provider_label"`
	AccountID       string  `json:"provider_account_id"`
	AccountName     string  `json:"provider_account_name"`
	MediaAccountID  uint    `json:"media_account_id"`
	Currency        string  `json:"currency"`
	CurrencyRegion  string  `json:"currency_region,omitempty"`
	Spend           float64 `json:"spend"`
	CPM             float64 `json:"cpm"`
	CPC             float64 `json:"cpc"`
	CTR             float64 `json:"ctr"`
	Impressions     int64   `json:"impressions"`
	Clicks          int64   `json:"clicks"`
	Complete        bool    `json:"complete"`
	Final           bool    `json:"final"`
	LastRecomputeAt string  `json:"last_recompute_at"`
}

// parseRange extracts from/to query params, defaulting to the last 30 days.
func parseRange(ctx *cartridge.Context) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now

	if raw := ctx.Query("from"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsed
	}
	if raw := ctx.Query("to"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		// Include the whole end day.
		to = parsed.AddDate(0, 0, 1).Add(-time.Second)
	}
	return from, to, nil
}

func queryUint(ctx *cartridge.Context, name string) uint {
	raw := ctx.Query(name)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0
	}
	return uint(v)
}

// SummariesIndexAction lists daily rollups for the reporting surface.
func SummariesIndexAction(ctx *cartridge.Context) error {
	from, to, err := parseRange(ctx)
	if err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid date, expected YYYY-MM-DD"})
	}

	filter := stats.SeriesFilter{
		MediaAccountID: queryUint(ctx, "media_account_id"),
		From:           from,
		To:             to,
	}

	db := ctx.DB()
	summaries, err := stats.ListSummaries(db, filter)
	if err != nil {
		ctx.Logger.Error("Failed to list summaries", slog.Any("error", err))
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list summaries"})
	}

	return ctx.JSON(fiber.Map{"summaries": buildSummaryRows(summaries)})
}

func buildSummaryRows(summaries []stats.Summary) []SummaryRow {
	caser := cases.Title(language.AmericanEnglish)
	countries := gountries.New()

	rows := make([]SummaryRow, len(summaries))
	for i, s := range summaries {
		region := ""
		if s.Currency != "" {
			if matches := countries.FindCountries(gountries.Country{Currencies: []string{s.Currency}}); len(matches) == 1 {
				region = matches[0].Name.Common
			}
		}
		rows[i] = SummaryRow{
			Date:            s.DateAdded.Format("2006-01-02"),
			Provider:        string(s.Provider),
			ProviderLabel:   caser.String(string(s.Provider)),
			AccountID:       s.ProviderAccountID,
			AccountName:     s.ProviderAccountName,
			MediaAccountID:  s.MediaAccountID,
			Currency:        s.Currency,
			CurrencyRegion:  region,
			Spend:           s.Spend,
			CPM:             s.CPM,
			CPC:             s.CPC,
			CTR:             s.CTR,
			Impressions:     s.Impressions,
			Clicks:          s.Clicks,
			Complete:        s.Complete,
			Final:           s.Final,
			LastRecomputeAt: s.DateModified.UTC().Format(time.RFC3339),
		}
	}
	return rows
}
