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

func testStat(adID string, spend float64) stats.Stat {
	return stats.Stat{
		DateAdded:         time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
		Provider:          accounts.ProviderFacebook,
		MediaAccountID:    1,
		ProviderAdID:      adID,
		ProviderAccountID: "acct-1",
		Currency:          "USD",
		Spend:             spend,
		Impressions:       100,
		Clicks:            5,
	}
}

func TestBatchWriterAdd(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	manager := testsupport.NewTestDBManager(db)
	logger := testsupport.GetLogger()

	t.Run("same key with identical metrics is not a conflict", func(t *testing.T) {
		w := stats.NewBatchWriter(manager, logger, 100)
		require.NoError(t, w.Add(testStat("ad-1", 10)))
		require.NoError(t, w.Add(testStat("ad-1", 10)))
		assert.Equal(t, 1, w.Pending())
		assert.Equal(t, int64(0), w.Conflicts())
	})

	t.Run("same key with differing metrics counts a conflict and last write wins", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		w := stats.NewBatchWriter(manager, logger, 100)
		require.NoError(t, w.Add(testStat("ad-1", 10)))
		require.NoError(t, w.Add(testStat("ad-1", 20)))
		assert.Equal(t, 1, w.Pending())
		assert.Equal(t, int64(1), w.Conflicts())

		require.NoError(t, w.Flush())
		var row stats.Stat
		require.NoError(t, db.First(&row, "provider_ad_id = ?", "ad-1").Error)
		assert.Equal(t, 20.0, row.Spend)
	})

	t.Run("reaching the batch threshold flushes automatically", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		w := stats.NewBatchWriter(manager, logger, 2)
		require.NoError(t, w.Add(testStat("ad-1", 1)))
		assert.Equal(t, 1, w.Pending())
		require.NoError(t, w.Add(testStat("ad-2", 2)))
		assert.Equal(t, 0, w.Pending())
		assert.Equal(t, int64(2), w.Written())

		var count int64
		require.NoError(t, db.Model(&stats.Stat{}).Count(&count).Error)
		assert.Equal(t, int64(2), count)
	})
}

func TestBatchWriterFlush(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	manager := testsupport.NewTestDBManager(db)
	logger := testsupport.GetLogger()

	t.Run("empty flush is a no-op", func(t *testing.T) {
		w := stats.NewBatchWriter(manager, logger, 100)
		require.NoError(t, w.Flush())
		assert.Equal(t, int64(0), w.Written())
	})

	t.Run("re-flushing the same key updates in place", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		w := stats.NewBatchWriter(manager, logger, 100)

		require.NoError(t, w.Add(testStat("ad-1", 10)))
		require.NoError(t, w.Flush())

		updated := testStat("ad-1", 15)
		updated.Clicks = 9
		require.NoError(t, w.Add(updated))
		require.NoError(t, w.Flush())

		var count int64
		require.NoError(t, db.Model(&stats.Stat{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)

		var row stats.Stat
		require.NoError(t, db.First(&row, "provider_ad_id = ?", "ad-1").Error)
		assert.Equal(t, 15.0, row.Spend)
		assert.Equal(t, int64(9), row.Clicks)
		assert.Equal(t, int64(2), w.Written())
	})
}
