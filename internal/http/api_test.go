package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediasync/internal/accounts"
	"mediasync/internal/providers"
	"mediasync/internal/testsupport"
)

// stubClient is a canned provider client for exercising the API
// surface without network access.
type stubClient struct {
	provider accounts.Provider
	pacer    *providers.Pacer
	authErr  error
}

func newStubClient(provider accounts.Provider) *stubClient {
	limits := providers.Limits{
		BetweenOpsMin:  time.Microsecond,
		BetweenOpsMax:  2 * time.Microsecond,
		RateLimitSleep: time.Millisecond,
		MaxErrors:      3,
		PageLimit:      100,
		FinalityAge:    time.Hour,
	}
	return &stubClient{
		provider: provider,
		pacer:    providers.NewPacer(provider, limits, testsupport.GetLogger()),
	}
}

func (s *stubClient) Provider() accounts.Provider        { return s.provider }
func (s *stubClient) Pacer() *providers.Pacer            { return s.pacer }
func (s *stubClient) Credentials() (string, string)      { return "", "" }
func (s *stubClient) Authenticate(context.Context) error { return s.authErr }

func (s *stubClient) ActiveAccounts(ctx context.Context, from, to time.Time) ([]providers.AccountInfo, error) {
	return []providers.AccountInfo{{ID: "pa-1", Name: "Stub", Currency: "USD"}}, nil
}

func (s *stubClient) Insights(acct providers.AccountInfo, day time.Time) *providers.InsightPages {
	return providers.NewInsightPages(s.pacer, func(ctx context.Context, cursor providers.Cursor) (providers.Page, error) {
		return providers.Page{
			Records: []providers.Insight{{
				Hour: 9, AccountID: acct.ID, AdID: "ad-1",
				Spend: 12.5, Impressions: 100, Clicks: 4, Currency: "USD",
			}},
			Done: true,
		}, nil
	})
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	app := testsupport.CreateMinimalTestApp(t, db, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/_health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAccountsEndpoint(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	testsupport.CreateTestAccount(t, db, accounts.ProviderFacebook, "Main FB")
	app := testsupport.CreateMinimalTestApp(t, db, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/accounts", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Main FB")
	// Credentials never leave the process.
	assert.NotContains(t, string(raw), "test-token")
}

func TestSyncEndpoint(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	factory := func(account *accounts.MediaAccount) (providers.Client, error) {
		client := newStubClient(account.Provider)
		if account.Name == "broken" {
			client.authErr = providers.NewError(providers.KindAuthorizationExpired,
				account.Provider, "authenticate", fmt.Errorf("expired"))
		}
		return client, nil
	}
	app := testsupport.CreateMinimalTestApp(t, db, factory)

	t.Run("empty body syncs all enabled accounts over the default window", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		testsupport.CreateTestAccount(t, db, accounts.ProviderFacebook, "Main")

		req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil)
		resp, err := app.Test(req, 15000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody(t, resp)
		outcomes, ok := body["outcomes"].([]interface{})
		require.True(t, ok)
		require.Len(t, outcomes, 1)
		outcome := outcomes[0].(map[string]interface{})
		assert.Equal(t, "done", outcome["state"])
		assert.Equal(t, float64(0), body["aborted"])
	})

	t.Run("aborted account yields 207 with the error in its outcome", func(t *testing.T) {
		testsupport.CleanAllTables(db)
		testsupport.CreateTestAccount(t, db, accounts.ProviderFacebook, "Main")
		testsupport.CreateTestAccount(t, db, accounts.ProviderSnapchat, "broken")

		payload, _ := json.Marshal(map[string]interface{}{
			"from": time.Now().UTC().Format("2006-01-02"),
			"to":   time.Now().UTC().Format("2006-01-02"),
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, 15000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, float64(1), body["aborted"])
	})

	t.Run("invalid date is rejected", func(t *testing.T) {
		payload := []byte(`{"from":"20-08-2026"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSessionsEndpoint(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	testsupport.CreateTestAccount(t, db, accounts.ProviderFacebook, "Main")

	factory := func(account *accounts.MediaAccount) (providers.Client, error) {
		return newStubClient(account.Provider), nil
	}
	app := testsupport.CreateMinimalTestApp(t, db, factory)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil)
	resp, err := app.Test(req, 15000)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	sessions, ok := body["sessions"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, sessions)
	session := sessions[0].(map[string]interface{})
	assert.Equal(t, "done", session["state"])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/sessions?limit=bogus", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSeriesEndpoint(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	app := testsupport.CreateMinimalTestApp(t, db, nil)

	t.Run("rejects an unknown bucket size", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet,
			"/api/v1/spend/series?from=2026-08-01&to=2026-08-03&bucket=fortnight", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("returns a padded series", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet,
			"/api/v1/spend/series?from=2026-08-01&to=2026-08-03", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, "day", body["bucket"])
		series, ok := body["series"].([]interface{})
		require.True(t, ok)
		assert.Len(t, series, 3)
	})
}
