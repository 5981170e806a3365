package settings_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediasync/internal/settings"
	"mediasync/internal/testsupport"
)

func TestSetupDefaultSettings(t *testing.T) {
	t.Run("seeds sync_paused false", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		require.NoError(t, settings.SetupDefaultSettings(db))

		value, err := settings.GetSetting(db, "sync_paused")
		require.NoError(t, err)
		assert.Equal(t, "false", value)
	})

	t.Run("does not overwrite existing values", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		require.NoError(t, settings.SetupDefaultSettings(db))
		require.NoError(t, settings.UpdateSetting(db, "sync_paused", "true"))

		require.NoError(t, settings.SetupDefaultSettings(db))

		value, err := settings.GetSetting(db, "sync_paused")
		require.NoError(t, err)
		assert.Equal(t, "true", value)
	})
}

func TestUpdateSetting(t *testing.T) {
	t.Run("creates the setting when missing", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		require.NoError(t, settings.UpdateSetting(db, "some_key", "v1"))

		value, err := settings.GetSetting(db, "some_key")
		require.NoError(t, err)
		assert.Equal(t, "v1", value)
	})

	t.Run("updates an existing setting", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		require.NoError(t, settings.UpdateSetting(db, "some_key2", "v1"))
		require.NoError(t, settings.UpdateSetting(db, "some_key2", "v2"))

		value, err := settings.GetSetting(db, "some_key2")
		require.NoError(t, err)
		assert.Equal(t, "v2", value)
	})
}

func TestIsSyncPaused(t *testing.T) {
	t.Run("defaults to false when the key is missing", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanTables(db, []string{"settings"})
		assert.False(t, settings.IsSyncPaused(db))
	})

	t.Run("parses true case-insensitively", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		require.NoError(t, settings.UpdateSetting(db, "sync_paused", " TRUE "))
		assert.True(t, settings.IsSyncPaused(db))
	})
}

func TestGetAllSettingsForDisplay(t *testing.T) {
	t.Run("masks values for keys containing secret", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanTables(db, []string{"settings"})
		require.NoError(t, settings.UpdateSetting(db, "provider_client_secret", "hunter2"))
		require.NoError(t, settings.UpdateSetting(db, "sync_paused", "false"))

		display, err := settings.GetAllSettingsForDisplay(db)
		require.NoError(t, err)

		byKey := make(map[string]string)
		for _, s := range display {
			byKey[s.Key] = s.Value
		}
		assert.Equal(t, "*******", byKey["provider_client_secret"])
		assert.Equal(t, "false", byKey["sync_paused"])
	})
}
