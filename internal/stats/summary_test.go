package stats_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediasync/internal/accounts"
	"mediasync/internal/stats"
	"mediasync/internal/testsupport"
)

func TestCreateOrUpdateSummary(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	logger := testsupport.GetLogger()
	finality := 24 * time.Hour

	t.Run("derives metrics from totals", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		day := time.Now().UTC().AddDate(0, 0, -10)
		totals := stats.Totals{Spend: 50, Impressions: 1000, Clicks: 25, Currency: "USD"}
		require.NoError(t, stats.CreateOrUpdateSummary(db, logger, accounts.ProviderFacebook,
			1, "acct-1", "Main", day, totals, true, finality))

		summary, err := stats.GetSummary(db, accounts.ProviderFacebook, "acct-1", day)
		require.NoError(t, err)
		assert.Equal(t, 50.0, summary.Spend)
		assert.Equal(t, 50.0, summary.CPM)
		assert.Equal(t, 2.0, summary.CPC)
		assert.Equal(t, 2.5, summary.CTR)
		assert.Equal(t, "USD", summary.Currency)
		assert.True(t, summary.Final)
	})

	t.Run("recent complete day is not final yet", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		day := time.Now().UTC()
		require.NoError(t, stats.CreateOrUpdateSummary(db, logger, accounts.ProviderSnapchat,
			1, "sc-1", "", day, stats.Totals{Spend: 5}, true, finality))

		summary, err := stats.GetSummary(db, accounts.ProviderSnapchat, "sc-1", day)
		require.NoError(t, err)
		assert.True(t, summary.Complete)
		assert.False(t, summary.Final)
	})

	t.Run("finality never drops back to false", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		day := time.Now().UTC().AddDate(0, 0, -10)
		require.NoError(t, stats.CreateOrUpdateSummary(db, logger, accounts.ProviderGoogle,
			1, "g-1", "", day, stats.Totals{Spend: 10}, true, finality))

		// A later pull reports the same day incomplete.
		require.NoError(t, stats.CreateOrUpdateSummary(db, logger, accounts.ProviderGoogle,
			1, "g-1", "", day, stats.Totals{Spend: 12}, false, finality))

		summary, err := stats.GetSummary(db, accounts.ProviderGoogle, "g-1", day)
		require.NoError(t, err)
		assert.Equal(t, 12.0, summary.Spend)
		assert.False(t, summary.Complete)
		assert.True(t, summary.Final)

		var count int64
		require.NoError(t, db.Model(&stats.Summary{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})
}

func TestNonFinalDays(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	logger := testsupport.GetLogger()
	finality := 24 * time.Hour
	now := time.Now().UTC()

	oldDay := now.AddDate(0, 0, -5)
	recentDay := now.AddDate(0, 0, -1)
	finalDay := now.AddDate(0, 0, -9)

	require.NoError(t, stats.CreateOrUpdateSummary(db, logger, accounts.ProviderBing,
		3, "b-1", "", recentDay, stats.Totals{Spend: 1}, false, finality))
	require.NoError(t, stats.CreateOrUpdateSummary(db, logger, accounts.ProviderBing,
		3, "b-1", "", oldDay, stats.Totals{Spend: 2}, false, finality))
	require.NoError(t, stats.CreateOrUpdateSummary(db, logger, accounts.ProviderBing,
		3, "b-1", "", finalDay, stats.Totals{Spend: 3}, true, finality))

	days, err := stats.NonFinalDays(db, 3, now)
	require.NoError(t, err)
	require.Len(t, days, 2)
	// Oldest first.
	assert.Equal(t, oldDay.Format("2006-01-02"), days[0].Format("2006-01-02"))
	assert.Equal(t, recentDay.Format("2006-01-02"), days[1].Format("2006-01-02"))

	// Other accounts are not included.
	days, err = stats.NonFinalDays(db, 99, now)
	require.NoError(t, err)
	assert.Empty(t, days)
}

func TestTotalsAccumulate(t *testing.T) {
	var totals stats.Totals
	totals.Accumulate(stats.Stat{Spend: 10, Impressions: 100, Clicks: 5, Currency: "EUR"})
	totals.Accumulate(stats.Stat{Spend: 2.5, Impressions: 50, Clicks: 1, Currency: "USD"})

	assert.Equal(t, 12.5, totals.Spend)
	assert.Equal(t, int64(150), totals.Impressions)
	assert.Equal(t, int64(6), totals.Clicks)
	assert.Equal(t, "EUR", totals.Currency)
}
