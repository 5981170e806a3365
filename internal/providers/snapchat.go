package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"mediasync/internal/accounts"
)

const (
	snapchatBaseURL  = "https://adsapi.snapchat.com/v1"
	snapchatTokenURL = "https://accounts.snapchat.com/login/oauth2/access_token"
)

type snapchatClient struct {
	account  *accounts.MediaAccount
	limits   Limits
	http     *http.Client
	logger   *slog.Logger
	pacer    *Pacer
	baseURL  string
	tokenURL string
	token    string
}

func newSnapchatClient(account *accounts.MediaAccount, limits Limits, opts Options) *snapchatClient {
	baseURL := opts.BaseURL
	tokenURL := snapchatTokenURL
	if baseURL == "" {
		baseURL = snapchatBaseURL
	} else {
		tokenURL = baseURL + "/oauth2/token"
	}
	return &snapchatClient{
		account:  account,
		limits:   limits,
		http:     opts.httpClient(),
		logger:   opts.Logger,
		pacer:    NewPacer(accounts.ProviderSnapchat, limits, opts.Logger),
		baseURL:  baseURL,
		tokenURL: tokenURL,
		token:    account.Token,
	}
}

func (c *snapchatClient) Provider() accounts.Provider { return accounts.ProviderSnapchat }
func (c *snapchatClient) Pacer() *Pacer               { return c.pacer }

func (c *snapchatClient) Credentials() (string, string) {
	return c.token, c.account.RefreshToken
}

func (c *snapchatClient) classify(op string, status int, body []byte, err error) error {
	if err != nil {
		return NewError(KindTransient, accounts.ProviderSnapchat, op, err)
	}

	apiErr := fmt.Errorf("unexpected status %d: %s", status, truncateBody(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(KindAuthorizationExpired, accounts.ProviderSnapchat, op, apiErr)
	case status == http.StatusTooManyRequests:
		return NewError(KindRateLimited, accounts.ProviderSnapchat, op, apiErr)
	case status >= 500:
		return NewError(KindTransient, accounts.ProviderSnapchat, op, apiErr)
	}
	return NewError(KindMalformedResponse, accounts.ProviderSnapchat, op, apiErr)
}

func (c *snapchatClient) get(ctx context.Context, op, path string, params url.Values, out interface{}) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return NewError(KindTransient, accounts.ProviderSnapchat, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classify(op, 0, nil, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(KindTransient, accounts.ProviderSnapchat, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return c.classify(op, resp.StatusCode, body, nil)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return NewError(KindMalformedResponse, accounts.ProviderSnapchat, op, err)
	}
	return nil
}

// Authenticate refreshes the access token; the result is exposed via
// Credentials for write-back.
func (c *snapchatClient) Authenticate(ctx context.Context) error {
	if c.account.RefreshToken == "" || c.account.ClientID == "" || c.account.ClientSecret == "" {
		return NewError(KindCredentialsMissing, accounts.ProviderSnapchat, "authenticate",
			fmt.Errorf("media account %d is missing oauth credentials", c.account.ID))
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.account.ClientID},
		"client_secret": {c.account.ClientSecret},
		"refresh_token": {c.account.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return NewError(KindTransient, accounts.ProviderSnapchat, "authenticate", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return NewError(KindTransient, accounts.ProviderSnapchat, "authenticate", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(KindTransient, accounts.ProviderSnapchat, "authenticate", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return NewError(KindAuthorizationExpired, accounts.ProviderSnapchat, "authenticate",
				fmt.Errorf("token refresh rejected: %s", truncateBody(raw)))
		}
		return NewError(KindTransient, accounts.ProviderSnapchat, "authenticate",
			fmt.Errorf("token refresh failed with status %d", resp.StatusCode))
	}

	var tok struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return NewError(KindMalformedResponse, accounts.ProviderSnapchat, "authenticate",
			fmt.Errorf("invalid token response"))
	}
	c.token = tok.AccessToken
	if tok.RefreshToken != "" {
		c.account.RefreshToken = tok.RefreshToken
	}
	return nil
}

// ActiveAccounts lists ad accounts with spend inside the range.
func (c *snapchatClient) ActiveAccounts(ctx context.Context, from, to time.Time) ([]AccountInfo, error) {
	filter := c.account.FilteredAccountIDs()
	wanted := make(map[string]bool, len(filter))
	for _, id := range filter {
		wanted[id] = true
	}

	var listed struct {
		AdAccounts []struct {
			AdAccount struct {
				ID       string `json:"id"`
				Name     string `json:"name"`
				Currency string `json:"currency"`
				Timezone string `json:"timezone"`
			} `json:"adaccount"`
		} `json:"adaccounts"`
	}
	err := c.pacer.Call(ctx, func() error {
		return c.get(ctx, "list_accounts", "/me/adaccounts", url.Values{}, &listed)
	})
	if err != nil {
		return nil, err
	}

	var active []AccountInfo
	for _, entry := range listed.AdAccounts {
		acct := entry.AdAccount
		if len(wanted) > 0 && !wanted[acct.ID] {
			continue
		}
		spend, err := c.accountSpend(ctx, acct.ID, from, to)
		if err != nil {
			return nil, err
		}
		if spend > 0 {
			active = append(active, AccountInfo{
				ID:       acct.ID,
				Name:     acct.Name,
				Currency: acct.Currency,
				Timezone: acct.Timezone,
			})
		}
	}
	return active, nil
}

func (c *snapchatClient) accountSpend(ctx context.Context, accountID string, from, to time.Time) (float64, error) {
	params := url.Values{
		"granularity": {"TOTAL"},
		"fields":      {"spend"},
		"start_time":  {from.Format("2006-01-02")},
		"end_time":    {to.AddDate(0, 0, 1).Format("2006-01-02")},
	}
	var out struct {
		TotalStats []struct {
			TotalStat struct {
				Stats struct {
					SpendMicro int64 `json:"spend"`
				} `json:"stats"`
			} `json:"total_stat"`
		} `json:"total_stats"`
	}
	err := c.pacer.Call(ctx, func() error {
		return c.get(ctx, "account_spend", "/adaccounts/"+accountID+"/stats", params, &out)
	})
	if err != nil {
		return 0, err
	}

	var total float64
	for _, entry := range out.TotalStats {
		total += float64(entry.TotalStat.Stats.SpendMicro) / 1e6
	}
	return total, nil
}

// Insights returns the ad-level hourly page sequence for one account day.
// Snapchat reports spend in micro-currency units.
func (c *snapchatClient) Insights(acct AccountInfo, day time.Time) *InsightPages {
	return NewInsightPages(c.pacer, func(ctx context.Context, cursor Cursor) (Page, error) {
		params := url.Values{
			"granularity": {"HOUR"},
			"breakdown":   {"ad"},
			"fields":      {"spend,impressions,swipes"},
			"start_time":  {day.Format("2006-01-02")},
			"end_time":    {day.AddDate(0, 0, 1).Format("2006-01-02")},
			"limit":       {strconv.Itoa(c.limits.PageLimit)},
		}
		if cursor != "" {
			params.Set("cursor", string(cursor))
		}

		var out struct {
			TimeseriesStats []struct {
				TimeseriesStat struct {
					ID         string `json:"id"`
					Name       string `json:"name"`
					CampaignID string `json:"campaign_id"`
					Campaign   string `json:"campaign_name"`
					AdSquadID  string `json:"ad_squad_id"`
					AdSquad    string `json:"ad_squad_name"`
					Timeseries []struct {
						StartTime string `json:"start_time"`
						Stats     struct {
							SpendMicro  int64 `json:"spend"`
							Impressions int64 `json:"impressions"`
							Swipes      int64 `json:"swipes"`
						} `json:"stats"`
					} `json:"timeseries"`
				} `json:"timeseries_stat"`
			} `json:"timeseries_stats"`
			Paging struct {
				NextCursor string `json:"next_cursor"`
			} `json:"paging"`
		}
		if err := c.get(ctx, "insights", "/adaccounts/"+acct.ID+"/stats", params, &out); err != nil {
			return Page{}, err
		}

		var records []Insight
		for _, entry := range out.TimeseriesStats {
			stat := entry.TimeseriesStat
			for _, point := range stat.Timeseries {
				records = append(records, Insight{
					Hour:         snapchatHour(point.StartTime),
					AccountID:    acct.ID,
					AccountName:  acct.Name,
					CampaignID:   stat.CampaignID,
					CampaignName: stat.Campaign,
					AdsetID:      stat.AdSquadID,
					AdsetName:    stat.AdSquad,
					AdID:         stat.ID,
					AdName:       stat.Name,
					Spend:        float64(point.Stats.SpendMicro) / 1e6,
					Impressions:  point.Stats.Impressions,
					Clicks:       point.Stats.Swipes,
					Currency:     acct.Currency,
				})
			}
		}

		page := Page{Records: records, Next: Cursor(out.Paging.NextCursor)}
		if out.Paging.NextCursor == "" {
			page.Done = true
		}
		return page, nil
	})
}

// snapchatHour extracts the hour from an RFC3339 timeseries start time.
func snapchatHour(startTime string) int {
	t, err := time.Parse(time.RFC3339, startTime)
	if err != nil {
		return 0
	}
	return t.Hour()
}
