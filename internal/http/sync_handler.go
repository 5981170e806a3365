package http

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"mediasync/internal/accounts"
	msync "mediasync/internal/sync"
)

// SyncRequest is the payload for manually triggering a pull.
// When AccountIDs is empty every enabled account is synced.
type SyncRequest struct {
	From       string `json:"from"`
	To         string `json:"to"`
	AccountIDs []uint `json:"account_ids"`
}

// SyncOutcomeRow is the per-account result returned to the caller.
type SyncOutcomeRow struct {
	MediaAccountID uint    `json:"media_account_id"`
	Provider       string  `json:"provider"`
	State          string  `json:"state"`
	StatsWritten   int64   `json:"stats_written"`
	Spend          float64 `json:"spend"`
	Error          string  `json:"error,omitempty"`
}

// SyncTriggerAction runs a synchronous pull for the requested window.
// The default window is the configured lookback ending today.
func SyncTriggerAction(runner *msync.Runner, lookbackDays int) func(ctx *cartridge.Context) error {
	return func(ctx *cartridge.Context) error {
		var req SyncRequest
		if err := ctx.BodyParser(&req); err != nil && len(ctx.Body()) > 0 {
			return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request format"})
		}

		now := time.Now().UTC()
		from := now.AddDate(0, 0, -lookbackDays)
		to := now
		var err error
		if req.From != "" {
			if from, err = time.Parse("2006-01-02", req.From); err != nil {
				return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid from date, expected YYYY-MM-DD"})
			}
		}
		if req.To != "" {
			if to, err = time.Parse("2006-01-02", req.To); err != nil {
				return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid to date, expected YYYY-MM-DD"})
			}
		}
		if to.Before(from) {
			return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "to must not be before from"})
		}

		ctx.Logger.Info("Manual sync triggered",
			slog.Time("from", from),
			slog.Time("to", to),
			slog.Int("accounts", len(req.AccountIDs)))

		var outcomes []msync.AccountOutcome
		if len(req.AccountIDs) > 0 {
			outcomes, err = runner.SyncAccounts(ctx.Ctx.Context(), req.AccountIDs, from, to)
		} else {
			outcomes, err = runner.SyncAll(ctx.Ctx.Context(), from, to)
		}
		if err != nil {
			ctx.Logger.Error("Manual sync failed", slog.Any("error", err))
			return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sync failed"})
		}

		rows := make([]SyncOutcomeRow, 0, len(outcomes))
		aborted := 0
		for _, o := range outcomes {
			row := SyncOutcomeRow{
				MediaAccountID: o.MediaAccountID,
				Provider:       string(o.Provider),
			}
			if o.Result != nil {
				row.State = string(o.Result.State)
				row.StatsWritten = o.Result.StatsWritten
				row.Spend = o.Result.Spend
			}
			if o.Err != nil {
				row.Error = o.Err.Error()
				aborted++
			}
			rows = append(rows, row)
		}

		status := fiber.StatusOK
		if aborted > 0 {
			status = fiber.StatusMultiStatus
		}
		return ctx.Status(status).JSON(fiber.Map{
			"outcomes": rows,
			"aborted":  aborted,
		})
	}
}

// SessionRow is the display form of a pull session.
type SessionRow struct {
	ID             string  `json:"id"`
	MediaAccountID uint    `json:"media_account_id"`
	Provider       string  `json:"provider"`
	DateFrom       string  `json:"date_from"`
	DateTo         string  `json:"date_to"`
	State          string  `json:"state"`
	StatsWritten   int64   `json:"stats_written"`
	ErrorCount     int     `json:"error_count"`
	LastError      string  `json:"last_error,omitempty"`
	StartedAt      string  `json:"started_at"`
	FinishedAt     *string `json:"finished_at,omitempty"`
}

// SessionsIndexAction lists the most recent pull sessions.
func SessionsIndexAction(ctx *cartridge.Context) error {
	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid limit"})
		}
		limit = parsed
	}

	db := ctx.DB()
	sessions, err := msync.RecentSessions(db, limit)
	if err != nil {
		ctx.Logger.Error("Failed to list pull sessions", slog.Any("error", err))
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list sessions"})
	}

	rows := make([]SessionRow, 0, len(sessions))
	for _, s := range sessions {
		row := SessionRow{
			ID:             s.ID,
			MediaAccountID: s.MediaAccountID,
			Provider:       string(s.Provider),
			DateFrom:       s.DateFrom.Format("2006-01-02"),
			DateTo:         s.DateTo.Format("2006-01-02"),
			State:          s.State,
			StatsWritten:   s.StatsWritten,
			ErrorCount:     s.ErrorCount,
			LastError:      s.LastError,
			StartedAt:      s.StartedAt.Format(time.RFC3339),
		}
		if s.FinishedAt != nil {
			finished := s.FinishedAt.Format(time.RFC3339)
			row.FinishedAt = &finished
		}
		rows = append(rows, row)
	}

	return ctx.JSON(fiber.Map{"sessions": rows})
}

// AccountRow is the credential-free display form of a media account.
type AccountRow struct {
	ID            uint   `json:"id"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	AccountFilter string `json:"account_filter,omitempty"`
	Enabled       bool   `json:"enabled"`
	LastSyncedAt  string `json:"last_synced_at,omitempty"`
}

// AccountsIndexAction lists configured media accounts without credentials.
func AccountsIndexAction(ctx *cartridge.Context) error {
	db := ctx.DB()
	all, err := accounts.GetAllAccounts(db)
	if err != nil {
		ctx.Logger.Error("Failed to list media accounts", slog.Any("error", err))
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list accounts"})
	}

	rows := make([]AccountRow, 0, len(all))
	for _, a := range all {
		row := AccountRow{
			ID:            a.ID,
			Name:          a.Name,
			Provider:      string(a.Provider),
			AccountFilter: a.AccountFilter,
			Enabled:       a.Enabled,
		}
		if a.LastSyncedAt != nil {
			row.LastSyncedAt = a.LastSyncedAt.Format(time.RFC3339)
		}
		rows = append(rows, row)
	}

	return ctx.JSON(fiber.Map{"accounts": rows})
}
