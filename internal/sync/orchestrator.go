package sync

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"mediasync/internal/accounts"
	"mediasync/internal/campaigns"
	"mediasync/internal/providers"
	"mediasync/internal/stats"
)

// State is the orchestrator's position in a pull.
type State string

const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateDiscovering    State = "discovering_active_accounts"
	StatePullingDay     State = "pulling_day"
	StateFinalizing     State = "finalizing"
	StateFlushing       State = "flushing"
	StateDone           State = "done"
	StateErrorAborted   State = "error_aborted"
)

// Result summarizes one orchestrator run.
type Result struct {
	Session      *PullSession
	State        State
	StatsWritten int64
	Conflicts    int64
	Spend        float64
	Errors       []error
	// Token and RefreshToken carry credentials refreshed during the
	// pull; the caller owns writing them back durably.
	Token        string
	RefreshToken string
}

// Orchestrator drives the pull of one media account over a date range:
// authenticate, discover active provider accounts, then walk the range
// newest day first, normalizing and batching stats and rolling up daily
// summaries. One orchestrator serves one run on one goroutine.
type Orchestrator struct {
	db      stats.ConnectionProvider
	logger  *slog.Logger
	account *accounts.MediaAccount
	client  providers.Client
	writer  *stats.BatchWriter
	mapper  *campaigns.Mapper
	limits  providers.Limits
	session *PullSession
	state   State
	errs    []error
	spend   float64
}

// NewOrchestrator prepares a pull for one media account.
func NewOrchestrator(db stats.ConnectionProvider, logger *slog.Logger,
	account *accounts.MediaAccount, client providers.Client, batchSize int) (*Orchestrator, error) {

	limits, err := providers.LimitsFor(account.Provider)
	if err != nil {
		return nil, err
	}
	mapper, err := campaigns.NewMapper(db.GetConnection(), logger, account.ID)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		db:      db,
		logger:  logger.With(slog.Uint64("media_account_id", uint64(account.ID)), slog.String("provider", string(account.Provider))),
		account: account,
		client:  client,
		writer:  stats.NewBatchWriter(db, logger, batchSize),
		mapper:  mapper,
		limits:  limits,
		state:   StateIdle,
	}, nil
}

// State returns the current orchestrator state.
func (o *Orchestrator) State() State {
	return o.state
}

func (o *Orchestrator) setState(state State) {
	o.state = state
	if o.session != nil {
		o.session.State = string(state)
		if err := SaveSession(o.db.GetConnection(), o.session); err != nil {
			o.logger.Warn("Failed to persist pull session state", slog.Any("error", err))
		}
	}
}

func (o *Orchestrator) recordError(err error) {
	o.errs = append(o.errs, err)
	if o.session != nil {
		o.session.ErrorCount = len(o.errs)
		o.session.LastError = err.Error()
	}
}

// Run executes the pull over the closed day range [from, to]. Days are
// visited newest first so an interrupted sync still leaves fresh data.
// A fatal provider error aborts this account only; everything buffered
// up to that point is flushed before the error surfaces.
func (o *Orchestrator) Run(ctx context.Context, from, to time.Time) (*Result, error) {
	from = dayOf(from)
	to = dayOf(to)
	if from.After(to) {
		return nil, fmt.Errorf("invalid range: from %s after to %s",
			from.Format("2006-01-02"), to.Format("2006-01-02"))
	}

	o.session = NewPullSession(o.account, from, to)
	o.setState(StateAuthenticating)

	if err := o.client.Authenticate(ctx); err != nil {
		return o.abort(err)
	}

	o.setState(StateDiscovering)
	active, err := o.client.ActiveAccounts(ctx, from, to)
	if err != nil {
		return o.abort(err)
	}
	o.logger.Info("Discovered active provider accounts", slog.Int("count", len(active)))

	o.setState(StatePullingDay)
	for day := to; !day.Before(from); day = day.AddDate(0, 0, -1) {
		if err := o.pullDay(ctx, active, day); err != nil {
			return o.abort(err)
		}
	}

	o.setState(StateFinalizing)
	if err := o.finalizePass(ctx, active, from); err != nil {
		return o.abort(err)
	}

	return o.finish()
}

// pullDay pulls one day for every active provider account. Non-fatal
// per-account failures are recorded and the next account proceeds.
func (o *Orchestrator) pullDay(ctx context.Context, active []providers.AccountInfo, day time.Time) error {
	for _, acct := range active {
		if err := o.pullAccountDay(ctx, acct, day); err != nil {
			if providers.IsFatal(err) || ctx.Err() != nil {
				return err
			}
			o.recordError(err)
			o.logger.Error("Account day pull failed, continuing with next account",
				slog.String("provider_account_id", acct.ID),
				slog.String("day", day.Format("2006-01-02")),
				slog.Any("error", err))
		}
	}
	// All stat writes for this day are durable before the orchestrator
	// advances to an earlier day.
	return o.writer.Flush()
}

// pullAccountDay consumes the full page sequence for one account day,
// then rolls the day up. The summary's complete flag is only set after
// every page landed and the buffered stats are flushed.
func (o *Orchestrator) pullAccountDay(ctx context.Context, acct providers.AccountInfo, day time.Time) error {
	pages := o.client.Insights(acct, day)
	var totals stats.Totals
	complete := false

	for {
		if ctx.Err() != nil {
			break
		}
		records, err := pages.Next(ctx)
		if err != nil {
			// Preserve progress before the error unwinds.
			o.updateCursor(acct, day, pages.Cursor())
			if ferr := o.writer.Flush(); ferr != nil {
				o.logger.Error("Flush after pull error failed", slog.Any("error", ferr))
			}
			o.writeSummary(acct, day, totals, false)
			return err
		}
		if records == nil && pages.Done() {
			complete = true
			break
		}

		for _, ins := range records {
			stat, ok := stats.Normalize(ins, o.account.Provider, o.account.ID, day, o.mapper)
			if !ok {
				continue
			}
			totals.Accumulate(stat)
			if err := o.writer.Add(stat); err != nil {
				return err
			}
		}
		o.updateCursor(acct, day, pages.Cursor())
	}

	if err := o.writer.Flush(); err != nil {
		return err
	}
	o.writeSummary(acct, day, totals, complete)
	o.spend += totals.Spend

	o.logger.Info("Pulled account day",
		slog.String("provider_account_id", acct.ID),
		slog.String("day", day.Format("2006-01-02")),
		slog.Float64("spend", totals.Spend),
		slog.Bool("complete", complete))
	return ctx.Err()
}

func (o *Orchestrator) writeSummary(acct providers.AccountInfo, day time.Time, totals stats.Totals, complete bool) {
	if totals.Currency == "" {
		totals.Currency = acct.Currency
	}
	err := stats.CreateOrUpdateSummary(o.db.GetConnection(), o.logger, o.account.Provider,
		o.account.ID, acct.ID, acct.Name, day, totals, complete, o.limits.FinalityAge)
	if err != nil {
		o.recordError(err)
		o.logger.Error("Failed to update summary", slog.Any("error", err))
	}
}

func (o *Orchestrator) updateCursor(acct providers.AccountInfo, day time.Time, page providers.Cursor) {
	if o.session == nil {
		return
	}
	o.session.Cursor = SessionCursor{
		Day:               day.Format("2006-01-02"),
		ProviderAccountID: acct.ID,
		Page:              page,
	}.Encode()
}

// finalizePass re-pulls days older than the range start that remain
// non-final, so settled data catches up without an operator backfill.
func (o *Orchestrator) finalizePass(ctx context.Context, active []providers.AccountInfo, before time.Time) error {
	days, err := stats.NonFinalDays(o.db.GetConnection(), o.account.ID, before)
	if err != nil {
		o.recordError(err)
		return nil
	}
	if len(days) == 0 {
		return nil
	}

	o.logger.Info("Re-pulling non-final days", slog.Int("count", len(days)))
	for _, day := range days {
		if err := o.pullDay(ctx, active, dayOf(day)); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) abort(cause error) (*Result, error) {
	o.recordError(cause)
	o.setState(StateFlushing)
	if err := o.writer.Flush(); err != nil {
		o.logger.Error("Final flush during abort failed", slog.Any("error", err))
	}
	if err := o.mapper.Flush(); err != nil {
		o.logger.Warn("Failed to persist unmapped campaigns", slog.Any("error", err))
	}
	o.setState(StateErrorAborted)
	o.closeSession()
	return o.result(), cause
}

func (o *Orchestrator) finish() (*Result, error) {
	o.setState(StateFlushing)
	if err := o.writer.Flush(); err != nil {
		return o.abort(err)
	}
	if err := o.mapper.Flush(); err != nil {
		o.logger.Warn("Failed to persist unmapped campaigns", slog.Any("error", err))
	}
	o.setState(StateDone)
	o.closeSession()
	return o.result(), nil
}

func (o *Orchestrator) closeSession() {
	if o.session == nil {
		return
	}
	now := time.Now().UTC()
	o.session.FinishedAt = &now
	o.session.StatsWritten = o.writer.Written()
	if err := SaveSession(o.db.GetConnection(), o.session); err != nil {
		o.logger.Warn("Failed to persist pull session", slog.Any("error", err))
	}
}

func (o *Orchestrator) result() *Result {
	token, refresh := o.client.Credentials()
	return &Result{
		Session:      o.session,
		State:        o.state,
		StatsWritten: o.writer.Written(),
		Conflicts:    o.writer.Conflicts(),
		Spend:        o.spend,
		Errors:       o.errs,
		Token:        token,
		RefreshToken: refresh,
	}
}

func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
