package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediasync/internal/accounts"
)

func newTestSnapchatClient(t *testing.T, account *accounts.MediaAccount, serverURL string) *snapchatClient {
	t.Helper()
	c := newSnapchatClient(account, quietLimits(), Options{BaseURL: serverURL, Logger: slog.Default()})
	c.pacer.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestSnapchatAuthenticate(t *testing.T) {
	t.Run("missing oauth credentials fail fast", func(t *testing.T) {
		c := newTestSnapchatClient(t, &accounts.MediaAccount{ID: 1, Provider: accounts.ProviderSnapchat}, "http://unused")
		err := c.Authenticate(context.Background())
		require.Error(t, err)
		assert.Equal(t, KindCredentialsMissing, KindOf(err))
	})

	t.Run("refresh rotates both tokens", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/oauth2/token", r.URL.Path)
			require.NoError(t, r.ParseForm())
			require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
			require.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
			json.NewEncoder(w).Encode(map[string]string{
				"access_token":  "new-access",
				"refresh_token": "new-refresh",
			})
		}))
		defer server.Close()

		account := &accounts.MediaAccount{
			ID: 1, Provider: accounts.ProviderSnapchat,
			ClientID: "cid", ClientSecret: "cs", RefreshToken: "old-refresh",
		}
		c := newTestSnapchatClient(t, account, server.URL)
		require.NoError(t, c.Authenticate(context.Background()))

		token, refresh := c.Credentials()
		assert.Equal(t, "new-access", token)
		assert.Equal(t, "new-refresh", refresh)
	})

	t.Run("rejected refresh token is authorization expired", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
		}))
		defer server.Close()

		account := &accounts.MediaAccount{
			ID: 1, Provider: accounts.ProviderSnapchat,
			ClientID: "cid", ClientSecret: "cs", RefreshToken: "revoked",
		}
		c := newTestSnapchatClient(t, account, server.URL)
		err := c.Authenticate(context.Background())
		require.Error(t, err)
		assert.Equal(t, KindAuthorizationExpired, KindOf(err))
	})
}

func TestSnapchatInsights(t *testing.T) {
	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	t.Run("converts micro-currency and maps swipes to clicks", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/adaccounts/sc-1/stats", r.URL.Path)
			q := r.URL.Query()
			require.Equal(t, "HOUR", q.Get("granularity"))
			require.Equal(t, "ad", q.Get("breakdown"))
			fmt.Fprint(w, `{
				"timeseries_stats": [{
					"timeseries_stat": {
						"id": "ad-1", "name": "Story Ad",
						"campaign_id": "c-1", "campaign_name": "Launch",
						"ad_squad_id": "sq-1", "ad_squad_name": "Squad",
						"timeseries": [{
							"start_time": "2026-08-20T13:00:00.000-00:00",
							"stats": {"spend": 2500000, "impressions": 1000, "swipes": 40}
						}]
					}
				}],
				"paging": {"next_cursor": ""}
			}`)
		}))
		defer server.Close()

		c := newTestSnapchatClient(t, &accounts.MediaAccount{ID: 1, Provider: accounts.ProviderSnapchat, Token: "t"}, server.URL)
		pages := c.Insights(AccountInfo{ID: "sc-1", Currency: "EUR"}, day)

		records, err := pages.Next(context.Background())
		require.NoError(t, err)
		require.Len(t, records, 1)
		ins := records[0]
		assert.Equal(t, 13, ins.Hour)
		assert.Equal(t, 2.5, ins.Spend)
		assert.Equal(t, int64(1000), ins.Impressions)
		assert.Equal(t, int64(40), ins.Clicks)
		assert.Equal(t, "EUR", ins.Currency)
		assert.True(t, pages.Done())
	})
}

func TestSnapchatHour(t *testing.T) {
	assert.Equal(t, 13, snapchatHour("2026-08-20T13:00:00Z"))
	assert.Equal(t, 0, snapchatHour("garbage"))
}
