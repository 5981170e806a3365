package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"log/slog"

	"mediasync/internal/accounts"
	"mediasync/internal/config"
	"mediasync/internal/pkg/async"
	"mediasync/internal/providers"
	"mediasync/internal/stats"
)

// ClientFactory builds the provider client for one media account.
// Indirection point for tests and for endpoint overrides.
type ClientFactory func(account *accounts.MediaAccount) (providers.Client, error)

// DefaultClientFactory builds real HTTP clients with the configured
// request timeout.
func DefaultClientFactory(logger *slog.Logger) ClientFactory {
	timeout := time.Duration(config.GetConfig().ProviderHTTPTimeoutSeconds) * time.Second
	return func(account *accounts.MediaAccount) (providers.Client, error) {
		return providers.NewClient(account, providers.Options{Logger: logger, Timeout: timeout})
	}
}

// AccountOutcome is the per-account result of a multi-account sync.
// Duration covers that account's pull alone, not the whole batch.
type AccountOutcome struct {
	MediaAccountID uint
	Provider       accounts.Provider
	Result         *Result
	Duration       time.Duration
	Err            error
}

type timedResult struct {
	result *Result
	took   time.Duration
}

// Runner fans a sync out across media accounts, one orchestrator per
// account on a bounded worker pool. Accounts are independent failure
// domains: a fatal abort of one never blocks the others.
type Runner struct {
	db        stats.ConnectionProvider
	logger    *slog.Logger
	factory   ClientFactory
	batchSize int
	workers   int
}

// NewRunner builds a runner with the given parallelism and batch size.
func NewRunner(db stats.ConnectionProvider, logger *slog.Logger, factory ClientFactory, batchSize, workers int) *Runner {
	return &Runner{
		db:        db,
		logger:    logger,
		factory:   factory,
		batchSize: batchSize,
		workers:   workers,
	}
}

// SyncAccount runs one account's pull end to end, including the token
// write-back and the last-synced marker.
func (r *Runner) SyncAccount(ctx context.Context, account *accounts.MediaAccount, from, to time.Time) (*Result, error) {
	client, err := r.factory(account)
	if err != nil {
		return nil, fmt.Errorf("failed to build client for account %d: %w", account.ID, err)
	}

	orch, err := NewOrchestrator(r.db, r.logger, account, client, r.batchSize)
	if err != nil {
		return nil, err
	}

	result, runErr := orch.Run(ctx, from, to)
	if result != nil {
		r.writeBackCredentials(account, result)
	}
	if runErr == nil {
		if err := accounts.MarkSynced(r.db.GetConnection(), account.ID, time.Now().UTC()); err != nil {
			r.logger.Warn("Failed to record sync time", slog.Any("error", err))
		}
	}
	return result, runErr
}

// writeBackCredentials persists tokens the provider rotated during the
// pull. A blank incoming token never clobbers a stored one.
func (r *Runner) writeBackCredentials(account *accounts.MediaAccount, result *Result) {
	if !account.ApplyTokenWriteback(result.Token, result.RefreshToken) {
		return
	}
	if err := accounts.UpdateAccount(r.db.GetConnection(), account); err != nil {
		r.logger.Error("Failed to write refreshed credentials back",
			slog.Uint64("media_account_id", uint64(account.ID)),
			slog.Any("error", err))
		return
	}
	r.logger.Info("Persisted refreshed provider credentials",
		slog.Uint64("media_account_id", uint64(account.ID)))
}

// SyncAll pulls every enabled account over the range on the worker
// pool and returns the per-account outcomes ordered by account ID.
func (r *Runner) SyncAll(ctx context.Context, from, to time.Time) ([]AccountOutcome, error) {
	list, err := accounts.GetEnabledAccounts(r.db.GetConnection())
	if err != nil {
		return nil, err
	}
	return r.syncAccounts(ctx, list, from, to)
}

// SyncAccounts pulls a specific set of accounts over the range.
func (r *Runner) SyncAccounts(ctx context.Context, ids []uint, from, to time.Time) ([]AccountOutcome, error) {
	var list []accounts.MediaAccount
	for _, id := range ids {
		account, err := accounts.GetAccountByID(r.db.GetConnection(), id)
		if err != nil {
			return nil, err
		}
		list = append(list, *account)
	}
	return r.syncAccounts(ctx, list, from, to)
}

func (r *Runner) syncAccounts(ctx context.Context, list []accounts.MediaAccount, from, to time.Time) ([]AccountOutcome, error) {
	if len(list) == 0 {
		r.logger.Info("No media accounts to sync")
		return nil, nil
	}

	tasks := make([]async.Task, 0, len(list))
	byName := make(map[string]*accounts.MediaAccount, len(list))
	for i := range list {
		account := &list[i]
		name := fmt.Sprintf("account-%d", account.ID)
		byName[name] = account
		tasks = append(tasks, async.Task{
			Name: name,
			Execute: func(ctx context.Context) (interface{}, error) {
				started := time.Now()
				result, err := r.SyncAccount(ctx, account, from, to)
				return timedResult{result: result, took: time.Since(started)}, err
			},
		})
	}

	pool := async.NewPool(r.workers)
	results := pool.Execute(ctx, tasks)

	outcomes := make([]AccountOutcome, 0, len(results))
	for name, res := range results {
		account := byName[name]
		outcome := AccountOutcome{
			MediaAccountID: account.ID,
			Provider:       account.Provider,
			Err:            res.Err,
		}
		if timed, ok := res.Data.(timedResult); ok {
			outcome.Result = timed.result
			outcome.Duration = timed.took
		}
		outcomes = append(outcomes, outcome)
	}
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].MediaAccountID < outcomes[j].MediaAccountID
	})

	for _, outcome := range outcomes {
		if outcome.Err != nil {
			r.logger.Error("Account sync aborted",
				slog.Uint64("media_account_id", uint64(outcome.MediaAccountID)),
				slog.Any("error", outcome.Err))
		}
	}
	return outcomes, nil
}
