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

const facebookBaseURL = "https://graph.facebook.com/v19.0"

// Graph API error codes that signal throttling rather than failure.
var facebookRateLimitCodes = map[int]bool{
	4:     true,
	17:    true,
	32:    true,
	613:   true,
	80000: true,
	80001: true,
	80002: true,
}

type facebookClient struct {
	account *accounts.MediaAccount
	limits  Limits
	http    *http.Client
	logger  *slog.Logger
	pacer   *Pacer
	baseURL string
	token   string
}

func newFacebookClient(account *accounts.MediaAccount, limits Limits, opts Options) *facebookClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = facebookBaseURL
	}
	return &facebookClient{
		account: account,
		limits:  limits,
		http:    opts.httpClient(),
		logger:  opts.Logger,
		pacer:   NewPacer(accounts.ProviderFacebook, limits, opts.Logger),
		baseURL: baseURL,
		token:   account.Token,
	}
}

func (c *facebookClient) Provider() accounts.Provider { return accounts.ProviderFacebook }
func (c *facebookClient) Pacer() *Pacer               { return c.pacer }

func (c *facebookClient) Credentials() (string, string) {
	return c.token, c.account.RefreshToken
}

type facebookErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// classify maps a Graph API failure onto the shared taxonomy.
func (c *facebookClient) classify(op string, status int, body []byte, err error) error {
	if err != nil {
		return NewError(KindTransient, accounts.ProviderFacebook, op, err)
	}

	var parsed facebookErrorBody
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr == nil && parsed.Error.Code != 0 {
		code := parsed.Error.Code
		apiErr := fmt.Errorf("graph api error %d (%s): %s", code, parsed.Error.Type, parsed.Error.Message)
		switch {
		case facebookRateLimitCodes[code]:
			return NewError(KindRateLimited, accounts.ProviderFacebook, op, apiErr)
		case code == 190 || parsed.Error.Type == "OAuthException":
			return NewError(KindAuthorizationExpired, accounts.ProviderFacebook, op, apiErr)
		default:
			return NewError(KindTransient, accounts.ProviderFacebook, op, apiErr)
		}
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return NewError(KindAuthorizationExpired, accounts.ProviderFacebook, op,
			fmt.Errorf("unexpected status %d", status))
	}
	if status == http.StatusTooManyRequests {
		return NewError(KindRateLimited, accounts.ProviderFacebook, op,
			fmt.Errorf("unexpected status %d", status))
	}
	if status >= 500 {
		return NewError(KindTransient, accounts.ProviderFacebook, op,
			fmt.Errorf("unexpected status %d", status))
	}
	return NewError(KindMalformedResponse, accounts.ProviderFacebook, op,
		fmt.Errorf("unexpected status %d: %s", status, truncateBody(body)))
}

func (c *facebookClient) get(ctx context.Context, op, path string, params url.Values, out interface{}) error {
	params.Set("access_token", c.token)
	reqURL := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return NewError(KindTransient, accounts.ProviderFacebook, op, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classify(op, 0, nil, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(KindTransient, accounts.ProviderFacebook, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return c.classify(op, resp.StatusCode, body, nil)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return NewError(KindMalformedResponse, accounts.ProviderFacebook, op, err)
	}
	return nil
}

// Authenticate validates the access token. On an expired token it
// attempts a long-lived token exchange when app credentials are present;
// the refreshed token is exposed via Credentials for write-back.
func (c *facebookClient) Authenticate(ctx context.Context) error {
	if strings.TrimSpace(c.token) == "" {
		return NewError(KindCredentialsMissing, accounts.ProviderFacebook, "authenticate",
			fmt.Errorf("media account %d has no access token", c.account.ID))
	}

	var me struct {
		ID string `json:"id"`
	}
	err := c.get(ctx, "authenticate", "/me", url.Values{"fields": {"id"}}, &me)
	if err == nil {
		return nil
	}
	if KindOf(err) != KindAuthorizationExpired {
		return err
	}
	if c.account.ClientID == "" || c.account.ClientSecret == "" {
		return err
	}

	exchanged, exchErr := c.exchangeToken(ctx)
	if exchErr != nil {
		return err
	}
	c.token = exchanged
	return c.get(ctx, "authenticate", "/me", url.Values{"fields": {"id"}}, &me)
}

func (c *facebookClient) exchangeToken(ctx context.Context) (string, error) {
	params := url.Values{
		"grant_type":        {"fb_exchange_token"},
		"client_id":         {c.account.ClientID},
		"client_secret":     {c.account.ClientSecret},
		"fb_exchange_token": {c.token},
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.get(ctx, "exchange_token", "/oauth/access_token", params, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", NewError(KindMalformedResponse, accounts.ProviderFacebook, "exchange_token",
			fmt.Errorf("empty access token in exchange response"))
	}
	c.logger.Info("Exchanged Facebook access token for a long-lived token",
		slog.Uint64("media_account_id", uint64(c.account.ID)))
	return out.AccessToken, nil
}

type facebookPaging struct {
	Cursors struct {
		After string `json:"after"`
	} `json:"cursors"`
	Next string `json:"next"`
}

// ActiveAccounts lists the ad accounts reachable by the token, keeping
// only those with nonzero spend inside the range.
func (c *facebookClient) ActiveAccounts(ctx context.Context, from, to time.Time) ([]AccountInfo, error) {
	filter := c.account.FilteredAccountIDs()
	wanted := make(map[string]bool, len(filter))
	for _, id := range filter {
		wanted[id] = true
	}

	var all []AccountInfo
	after := ""
	for {
		params := url.Values{
			"fields": {"account_id,name,currency,timezone_name"},
			"limit":  {strconv.Itoa(c.limits.PageLimit)},
		}
		if after != "" {
			params.Set("after", after)
		}

		var page struct {
			Data []struct {
				AccountID    string `json:"account_id"`
				Name         string `json:"name"`
				Currency     string `json:"currency"`
				TimezoneName string `json:"timezone_name"`
			} `json:"data"`
			Paging facebookPaging `json:"paging"`
		}
		err := c.pacer.Call(ctx, func() error {
			return c.get(ctx, "list_accounts", "/me/adaccounts", params, &page)
		})
		if err != nil {
			return nil, err
		}

		for _, acct := range page.Data {
			if len(wanted) > 0 && !wanted[acct.AccountID] {
				continue
			}
			all = append(all, AccountInfo{
				ID:       acct.AccountID,
				Name:     acct.Name,
				Currency: acct.Currency,
				Timezone: acct.TimezoneName,
			})
		}

		if page.Paging.Next == "" || page.Paging.Cursors.After == "" {
			break
		}
		after = page.Paging.Cursors.After
	}

	active := make([]AccountInfo, 0, len(all))
	for _, acct := range all {
		spend, err := c.accountSpend(ctx, acct, from, to)
		if err != nil {
			return nil, err
		}
		if spend > 0 {
			active = append(active, acct)
		}
	}
	return active, nil
}

// accountSpend fetches account-level spend totals for the activity filter.
func (c *facebookClient) accountSpend(ctx context.Context, acct AccountInfo, from, to time.Time) (float64, error) {
	params := url.Values{
		"fields":     {"spend"},
		"level":      {"account"},
		"time_range": {facebookTimeRange(from, to)},
	}
	var out struct {
		Data []struct {
			Spend string `json:"spend"`
		} `json:"data"`
	}
	err := c.pacer.Call(ctx, func() error {
		return c.get(ctx, "account_spend", "/act_"+acct.ID+"/insights", params, &out)
	})
	if err != nil {
		return 0, err
	}

	var total float64
	for _, row := range out.Data {
		total += parseFloat(row.Spend)
	}
	return total, nil
}

func facebookTimeRange(from, to time.Time) string {
	return fmt.Sprintf(`{"since":"%s","until":"%s"}`,
		from.Format("2006-01-02"), to.Format("2006-01-02"))
}

// Insights returns the ad-level hourly page sequence for one account day.
func (c *facebookClient) Insights(acct AccountInfo, day time.Time) *InsightPages {
	fields := "account_id,account_name,campaign_id,campaign_name,adset_id,adset_name," +
		"ad_id,ad_name,spend,cpm,cpc,cpp,ctr,impressions,clicks,reach"

	return NewInsightPages(c.pacer, func(ctx context.Context, cursor Cursor) (Page, error) {
		params := url.Values{
			"fields":     {fields},
			"level":      {"ad"},
			"time_range": {facebookTimeRange(day, day)},
			"breakdowns": {"hourly_stats_aggregated_by_advertiser_time_zone"},
			"limit":      {strconv.Itoa(c.limits.PageLimit)},
		}
		if cursor != "" {
			params.Set("after", string(cursor))
		}

		var out struct {
			Data []struct {
				AccountID    string `json:"account_id"`
				AccountName  string `json:"account_name"`
				CampaignID   string `json:"campaign_id"`
				CampaignName string `json:"campaign_name"`
				AdsetID      string `json:"adset_id"`
				AdsetName    string `json:"adset_name"`
				AdID         string `json:"ad_id"`
				AdName       string `json:"ad_name"`
				Spend        string `json:"spend"`
				CPM          string `json:"cpm"`
				CPC          string `json:"cpc"`
				CPP          string `json:"cpp"`
				CTR          string `json:"ctr"`
				Impressions  string `json:"impressions"`
				Clicks       string `json:"clicks"`
				Reach        string `json:"reach"`
				HourlyBucket string `json:"hourly_stats_aggregated_by_advertiser_time_zone"`
			} `json:"data"`
			Paging facebookPaging `json:"paging"`
		}
		if err := c.get(ctx, "insights", "/act_"+acct.ID+"/insights", params, &out); err != nil {
			return Page{}, err
		}

		records := make([]Insight, 0, len(out.Data))
		for _, row := range out.Data {
			records = append(records, Insight{
				Hour:         facebookHour(row.HourlyBucket),
				AccountID:    row.AccountID,
				AccountName:  row.AccountName,
				CampaignID:   row.CampaignID,
				CampaignName: row.CampaignName,
				AdsetID:      row.AdsetID,
				AdsetName:    row.AdsetName,
				AdID:         row.AdID,
				AdName:       row.AdName,
				Spend:        parseFloat(row.Spend),
				CPM:          parseFloat(row.CPM),
				CPC:          parseFloat(row.CPC),
				CPP:          parseFloat(row.CPP),
				CTR:          parseFloat(row.CTR),
				Impressions:  parseInt(row.Impressions),
				Clicks:       parseInt(row.Clicks),
				Reach:        parseInt(row.Reach),
				Currency:     acct.Currency,
			})
		}

		page := Page{Records: records, Next: Cursor(out.Paging.Cursors.After)}
		if out.Paging.Next == "" {
			page.Done = true
			page.Next = ""
		}
		return page, nil
	})
}

// facebookHour parses the "HH:00:00 - HH:59:59" hourly breakdown label.
func facebookHour(bucket string) int {
	if len(bucket) < 2 {
		return 0
	}
	hour, err := strconv.Atoi(bucket[:2])
	if err != nil || hour < 0 || hour > 23 {
		return 0
	}
	return hour
}
