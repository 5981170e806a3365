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
	msync "mediasync/internal/sync"
	"mediasync/internal/testsupport"
)

func TestRunnerSyncAccount(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	manager := testsupport.NewTestDBManager(db)
	logger := testsupport.GetLogger()
	ctx := context.Background()
	day := time.Now().UTC()

	t.Run("persists rotated credentials and the sync marker", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		account := testsupport.CreateTestAccount(t, db, accounts.ProviderSnapchat, "Snap")

		factory := func(a *accounts.MediaAccount) (providers.Client, error) {
			client := newFakeClient(a.Provider, providers.AccountInfo{ID: "sc-1", Currency: "USD"})
			client.token = "rotated-token"
			client.refreshToken = "rotated-refresh"
			client.insights = func(string, time.Time) ([]providers.Insight, error) {
				return []providers.Insight{fakeInsight("ad-1", 1, 2)}, nil
			}
			return client, nil
		}
		runner := msync.NewRunner(manager, logger, factory, 50, 1)

		result, err := runner.SyncAccount(ctx, account, day, day)
		require.NoError(t, err)
		assert.Equal(t, msync.StateDone, result.State)

		stored, err := accounts.GetAccountByID(db, account.ID)
		require.NoError(t, err)
		assert.Equal(t, "rotated-token", stored.Token)
		assert.Equal(t, "rotated-refresh", stored.RefreshToken)
		require.NotNil(t, stored.LastSyncedAt)
	})

	t.Run("blank credentials never clobber stored ones", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		account := testsupport.CreateTestAccount(t, db, accounts.ProviderFacebook, "Main")

		factory := func(a *accounts.MediaAccount) (providers.Client, error) {
			return newFakeClient(a.Provider), nil
		}
		runner := msync.NewRunner(manager, logger, factory, 50, 1)

		_, err := runner.SyncAccount(ctx, account, day, day)
		require.NoError(t, err)

		stored, err := accounts.GetAccountByID(db, account.ID)
		require.NoError(t, err)
		assert.Equal(t, "test-token", stored.Token)
	})

	t.Run("aborted pull skips the sync marker but keeps credentials", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		account := testsupport.CreateTestAccount(t, db, accounts.ProviderFacebook, "Main")

		factory := func(a *accounts.MediaAccount) (providers.Client, error) {
			client := newFakeClient(a.Provider)
			client.token = "refreshed-before-abort"
			client.authErr = providers.NewError(providers.KindAuthorizationExpired,
				a.Provider, "authenticate", errors.New("expired"))
			return client, nil
		}
		runner := msync.NewRunner(manager, logger, factory, 50, 1)

		result, err := runner.SyncAccount(ctx, account, day, day)
		require.Error(t, err)
		assert.Equal(t, msync.StateErrorAborted, result.State)

		stored, err := accounts.GetAccountByID(db, account.ID)
		require.NoError(t, err)
		assert.Equal(t, "refreshed-before-abort", stored.Token)
		assert.Nil(t, stored.LastSyncedAt)
	})
}

func TestRunnerSyncAll(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	manager := testsupport.NewTestDBManager(db)
	logger := testsupport.GetLogger()
	ctx := context.Background()
	day := time.Now().UTC()

	t.Run("one aborting account never blocks the others", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		a := testsupport.CreateTestAccount(t, db, accounts.ProviderFacebook, "A")
		b := testsupport.CreateTestAccount(t, db, accounts.ProviderSnapchat, "B")
		c := testsupport.CreateTestAccount(t, db, accounts.ProviderGoogle, "C")

		disabled := testsupport.CreateTestAccount(t, db, accounts.ProviderBing, "off")
		disabled.Enabled = false
		require.NoError(t, accounts.UpdateAccount(db, disabled))

		factory := func(account *accounts.MediaAccount) (providers.Client, error) {
			client := newFakeClient(account.Provider,
				providers.AccountInfo{ID: "pa-1", Currency: "USD"})
			if account.ID == b.ID {
				client.authErr = providers.NewError(providers.KindAuthorizationExpired,
					account.Provider, "authenticate", errors.New("expired"))
			}
			client.insights = func(string, time.Time) ([]providers.Insight, error) {
				return []providers.Insight{fakeInsight("ad-1", 1, 2)}, nil
			}
			return client, nil
		}
		runner := msync.NewRunner(manager, logger, factory, 50, 2)

		outcomes, err := runner.SyncAll(ctx, day, day)
		require.NoError(t, err)
		require.Len(t, outcomes, 3)

		assert.Equal(t, a.ID, outcomes[0].MediaAccountID)
		require.NoError(t, outcomes[0].Err)
		assert.Equal(t, msync.StateDone, outcomes[0].Result.State)

		assert.Equal(t, b.ID, outcomes[1].MediaAccountID)
		require.Error(t, outcomes[1].Err)
		assert.Equal(t, msync.StateErrorAborted, outcomes[1].Result.State)

		assert.Equal(t, c.ID, outcomes[2].MediaAccountID)
		require.NoError(t, outcomes[2].Err)
	})

	t.Run("outcomes carry each account's own duration", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		slow := testsupport.CreateTestAccount(t, db, accounts.ProviderFacebook, "slow")
		testsupport.CreateTestAccount(t, db, accounts.ProviderGoogle, "fast")

		factory := func(account *accounts.MediaAccount) (providers.Client, error) {
			client := newFakeClient(account.Provider,
				providers.AccountInfo{ID: "pa-1", Currency: "USD"})
			client.insights = func(string, time.Time) ([]providers.Insight, error) {
				if account.ID == slow.ID {
					time.Sleep(100 * time.Millisecond)
				}
				return []providers.Insight{fakeInsight("ad-1", 1, 2)}, nil
			}
			return client, nil
		}
		runner := msync.NewRunner(manager, logger, factory, 50, 2)

		outcomes, err := runner.SyncAll(ctx, day, day)
		require.NoError(t, err)
		require.Len(t, outcomes, 2)

		assert.Equal(t, slow.ID, outcomes[0].MediaAccountID)
		assert.GreaterOrEqual(t, outcomes[0].Duration, 100*time.Millisecond)
		assert.Greater(t, outcomes[1].Duration, time.Duration(0))
		assert.Less(t, outcomes[1].Duration, outcomes[0].Duration)
	})

	t.Run("no enabled accounts is a quiet no-op", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		factory := func(a *accounts.MediaAccount) (providers.Client, error) {
			return newFakeClient(a.Provider), nil
		}
		runner := msync.NewRunner(manager, logger, factory, 50, 2)

		outcomes, err := runner.SyncAll(ctx, day, day)
		require.NoError(t, err)
		assert.Empty(t, outcomes)
	})
}

func TestRunnerSyncAccounts(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	manager := testsupport.NewTestDBManager(db)
	logger := testsupport.GetLogger()
	ctx := context.Background()
	day := time.Now().UTC()

	a := testsupport.CreateTestAccount(t, db, accounts.ProviderFacebook, "A")
	testsupport.CreateTestAccount(t, db, accounts.ProviderSnapchat, "B")

	factory := func(account *accounts.MediaAccount) (providers.Client, error) {
		return newFakeClient(account.Provider), nil
	}
	runner := msync.NewRunner(manager, logger, factory, 50, 1)

	outcomes, err := runner.SyncAccounts(ctx, []uint{a.ID}, day, day)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, a.ID, outcomes[0].MediaAccountID)

	_, err = runner.SyncAccounts(ctx, []uint{9999}, day, day)
	require.Error(t, err)
}
