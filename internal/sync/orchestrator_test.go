package sync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediasync/internal/accounts"
	"mediasync/internal/providers"
	"mediasync/internal/stats"
	msync "mediasync/internal/sync"
	"mediasync/internal/testsupport"
)

// fakeClient stands in for a provider API. The pacer runs with
// microsecond delays so retries inside a test finish instantly.
type fakeClient struct {
	provider     accounts.Provider
	pacer        *providers.Pacer
	authErr      error
	active       []providers.AccountInfo
	insights     func(acctID string, day time.Time) ([]providers.Insight, error)
	token        string
	refreshToken string
}

func newFakeClient(provider accounts.Provider, active ...providers.AccountInfo) *fakeClient {
	limits := providers.Limits{
		BetweenOpsMin:  time.Microsecond,
		BetweenOpsMax:  2 * time.Microsecond,
		RateLimitSleep: time.Millisecond,
		MaxErrors:      5,
		PageLimit:      100,
		FinalityAge:    time.Hour,
	}
	return &fakeClient{
		provider: provider,
		pacer:    providers.NewPacer(provider, limits, testsupport.GetLogger()),
		active:   active,
	}
}

func (f *fakeClient) Provider() accounts.Provider        { return f.provider }
func (f *fakeClient) Pacer() *providers.Pacer            { return f.pacer }
func (f *fakeClient) Credentials() (string, string)      { return f.token, f.refreshToken }
func (f *fakeClient) Authenticate(context.Context) error { return f.authErr }

func (f *fakeClient) ActiveAccounts(ctx context.Context, from, to time.Time) ([]providers.AccountInfo, error) {
	return f.active, nil
}

func (f *fakeClient) Insights(acct providers.AccountInfo, day time.Time) *providers.InsightPages {
	return providers.NewInsightPages(f.pacer, func(ctx context.Context, cursor providers.Cursor) (providers.Page, error) {
		if f.insights == nil {
			return providers.Page{Done: true}, nil
		}
		records, err := f.insights(acct.ID, day)
		if err != nil {
			return providers.Page{}, err
		}
		return providers.Page{Records: records, Done: true}, nil
	})
}

func fakeInsight(adID string, hour int, spend float64) providers.Insight {
	return providers.Insight{
		Hour:        hour,
		AccountID:   "fb-1",
		CampaignID:  "c-1",
		AdID:        adID,
		AdName:      adID,
		Spend:       spend,
		Impressions: 100,
		Clicks:      4,
		Currency:    "USD",
	}
}

func TestOrchestratorRun(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	manager := testsupport.NewTestDBManager(db)
	logger := testsupport.GetLogger()
	ctx := context.Background()

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -1)

	t.Run("happy path writes stats, summaries and a finished session", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		account := testsupport.CreateTestAccount(t, db, accounts.ProviderFacebook, "Main")
		client := newFakeClient(accounts.ProviderFacebook,
			providers.AccountInfo{ID: "fb-1", Name: "FB Main", Currency: "USD"})
		client.insights = func(acctID string, day time.Time) ([]providers.Insight, error) {
			return []providers.Insight{
				fakeInsight("ad-1", 9, 10),
				fakeInsight("ad-2", 15, 5),
			}, nil
		}

		orch, err := msync.NewOrchestrator(manager, logger, account, client, 100)
		require.NoError(t, err)

		result, err := orch.Run(ctx, from, to)
		require.NoError(t, err)
		assert.Equal(t, msync.StateDone, result.State)
		assert.Equal(t, int64(4), result.StatsWritten)
		assert.Equal(t, 30.0, result.Spend)
		assert.Empty(t, result.Errors)

		require.NotNil(t, result.Session)
		assert.Equal(t, string(msync.StateDone), result.Session.State)
		assert.NotNil(t, result.Session.FinishedAt)
		assert.Equal(t, int64(4), result.Session.StatsWritten)

		count, err := stats.CountStats(db, account.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(4), count)

		summary, err := stats.GetSummary(db, accounts.ProviderFacebook, "fb-1", to)
		require.NoError(t, err)
		assert.Equal(t, 15.0, summary.Spend)
		assert.True(t, summary.Complete)
		assert.False(t, summary.Final)
	})

	t.Run("fatal authentication error aborts before any pull", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		account := testsupport.CreateTestAccount(t, db, accounts.ProviderSnapchat, "Snap")
		client := newFakeClient(accounts.ProviderSnapchat)
		client.authErr = providers.NewError(providers.KindAuthorizationExpired,
			accounts.ProviderSnapchat, "authenticate", errors.New("token expired"))

		orch, err := msync.NewOrchestrator(manager, logger, account, client, 100)
		require.NoError(t, err)

		result, err := orch.Run(ctx, from, to)
		require.Error(t, err)
		assert.Equal(t, providers.KindAuthorizationExpired, providers.KindOf(err))
		require.NotNil(t, result)
		assert.Equal(t, msync.StateErrorAborted, result.State)
		assert.Equal(t, int64(0), result.StatsWritten)
		assert.Equal(t, string(msync.StateErrorAborted), result.Session.State)
		assert.NotNil(t, result.Session.FinishedAt)
	})

	t.Run("fatal error mid-range keeps the newest day's data", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		account := testsupport.CreateTestAccount(t, db, accounts.ProviderFacebook, "Main")
		client := newFakeClient(accounts.ProviderFacebook,
			providers.AccountInfo{ID: "fb-1", Currency: "USD"})
		newestDay := to.Format("2006-01-02")
		client.insights = func(acctID string, day time.Time) ([]providers.Insight, error) {
			if day.Format("2006-01-02") != newestDay {
				return nil, providers.NewError(providers.KindAuthorizationExpired,
					accounts.ProviderFacebook, "insights", errors.New("session invalidated"))
			}
			return []providers.Insight{fakeInsight("ad-1", 9, 10)}, nil
		}

		orch, err := msync.NewOrchestrator(manager, logger, account, client, 100)
		require.NoError(t, err)

		result, err := orch.Run(ctx, from, to)
		require.Error(t, err)
		assert.Equal(t, msync.StateErrorAborted, result.State)

		// The day pulled before the abort is durable.
		count, err := stats.CountStats(db, account.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("transient blip is retried in place and leaves no error", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		account := testsupport.CreateTestAccount(t, db, accounts.ProviderBing, "Bing")
		client := newFakeClient(accounts.ProviderBing,
			providers.AccountInfo{ID: "b-1", Currency: "USD"})
		failures := 1
		client.insights = func(acctID string, day time.Time) ([]providers.Insight, error) {
			if failures > 0 {
				failures--
				return nil, providers.NewError(providers.KindTransient,
					accounts.ProviderBing, "insights", errors.New("502 bad gateway"))
			}
			return []providers.Insight{fakeInsight("ad-1", 0, 3)}, nil
		}

		orch, err := msync.NewOrchestrator(manager, logger, account, client, 100)
		require.NoError(t, err)

		result, err := orch.Run(ctx, to, to)
		require.NoError(t, err)
		assert.Equal(t, msync.StateDone, result.State)
		assert.Empty(t, result.Errors)
		assert.Equal(t, int64(1), result.StatsWritten)
	})

	t.Run("inverted range is rejected", func(t *testing.T) {
		account := testsupport.CreateTestAccount(t, db, accounts.ProviderGoogle, "G")
		orch, err := msync.NewOrchestrator(manager, logger, account, newFakeClient(accounts.ProviderGoogle), 100)
		require.NoError(t, err)

		_, err = orch.Run(ctx, to, from)
		require.Error(t, err)
	})
}

func TestSessionCursorRoundTrip(t *testing.T) {
	cursor := msync.SessionCursor{Day: "2026-08-20", ProviderAccountID: "fb-1", Page: "p3"}
	encoded := cursor.Encode()
	require.NotEmpty(t, encoded)

	decoded, err := msync.DecodeSessionCursor(encoded)
	require.NoError(t, err)
	assert.Equal(t, cursor, decoded)

	empty, err := msync.DecodeSessionCursor("")
	require.NoError(t, err)
	assert.Equal(t, msync.SessionCursor{}, empty)

	_, err = msync.DecodeSessionCursor("{not json")
	require.Error(t, err)
}
