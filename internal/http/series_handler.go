package http

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"mediasync/internal/stats"
	"mediasync/internal/timeframe"
)

// SpendSeriesAction returns the padded spend time series for charting.
func SpendSeriesAction(ctx *cartridge.Context) error {
	from, to, err := parseRange(ctx)
	if err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid date, expected YYYY-MM-DD"})
	}

	bucket, err := timeframe.ParseBucketSize(ctx.Query("bucket"))
	if err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	tf, err := timeframe.NewTimeFrame(from, to, bucket)
	if err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	filter := stats.SeriesFilter{
		MediaAccountID: queryUint(ctx, "media_account_id"),
		CampaignID:     queryUint(ctx, "campaign_id"),
		From:           from,
		To:             to,
	}

	db := ctx.DB()
	series, err := stats.SpendSeries(db, filter, tf)
	if err != nil {
		ctx.Logger.Error("Failed to build spend series", slog.Any("error", err))
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to build spend series"})
	}

	return ctx.JSON(fiber.Map{
		"bucket": string(bucket),
		"series": series,
	})
}

// CampaignTotalsAction aggregates spend per internal campaign.
func CampaignTotalsAction(ctx *cartridge.Context) error {
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
	totals, err := stats.TotalsByCampaign(db, filter)
	if err != nil {
		ctx.Logger.Error("Failed to aggregate campaign totals", slog.Any("error", err))
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to aggregate campaign totals"})
	}

	return ctx.JSON(fiber.Map{"campaigns": totals})
}
