package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"log/slog"

	"mediasync/internal/accounts"
)

const (
	googleBaseURL  = "https://googleads.googleapis.com/v16"
	googleTokenURL = "https://oauth2.googleapis.com/token"
)

type googleClient struct {
	account  *accounts.MediaAccount
	limits   Limits
	http     *http.Client
	logger   *slog.Logger
	pacer    *Pacer
	baseURL  string
	tokenURL string
	token    string
}

func newGoogleClient(account *accounts.MediaAccount, limits Limits, opts Options) *googleClient {
	baseURL := opts.BaseURL
	tokenURL := googleTokenURL
	if baseURL == "" {
		baseURL = googleBaseURL
	} else {
		tokenURL = baseURL + "/oauth2/token"
	}
	return &googleClient{
		account:  account,
		limits:   limits,
		http:     opts.httpClient(),
		logger:   opts.Logger,
		pacer:    NewPacer(accounts.ProviderGoogle, limits, opts.Logger),
		baseURL:  baseURL,
		tokenURL: tokenURL,
		token:    account.Token,
	}
}

func (c *googleClient) Provider() accounts.Provider { return accounts.ProviderGoogle }
func (c *googleClient) Pacer() *Pacer               { return c.pacer }

func (c *googleClient) Credentials() (string, string) {
	return c.token, c.account.RefreshToken
}

type googleErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *googleClient) classify(op string, status int, body []byte, err error) error {
	if err != nil {
		return NewError(KindTransient, accounts.ProviderGoogle, op, err)
	}

	apiErr := fmt.Errorf("unexpected status %d", status)
	var parsed googleErrorBody
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr == nil && parsed.Error.Status != "" {
		apiErr = fmt.Errorf("ads api error %s: %s", parsed.Error.Status, parsed.Error.Message)
		switch parsed.Error.Status {
		case "RESOURCE_EXHAUSTED":
			return NewError(KindRateLimited, accounts.ProviderGoogle, op, apiErr)
		case "UNAUTHENTICATED", "PERMISSION_DENIED":
			return NewError(KindAuthorizationExpired, accounts.ProviderGoogle, op, apiErr)
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(KindAuthorizationExpired, accounts.ProviderGoogle, op, apiErr)
	case status == http.StatusTooManyRequests:
		return NewError(KindRateLimited, accounts.ProviderGoogle, op, apiErr)
	case status >= 500:
		return NewError(KindTransient, accounts.ProviderGoogle, op, apiErr)
	}
	return NewError(KindMalformedResponse, accounts.ProviderGoogle, op,
		fmt.Errorf("unexpected status %d: %s", status, truncateBody(body)))
}

func (c *googleClient) do(ctx context.Context, op, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return NewError(KindTransient, accounts.ProviderGoogle, op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return NewError(KindTransient, accounts.ProviderGoogle, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classify(op, 0, nil, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(KindTransient, accounts.ProviderGoogle, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return c.classify(op, resp.StatusCode, raw, nil)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewError(KindMalformedResponse, accounts.ProviderGoogle, op, err)
	}
	return nil
}

// Authenticate obtains a fresh access token from the refresh token.
// Google access tokens are short-lived, so every pull starts with a
// refresh; the result is exposed via Credentials for write-back.
func (c *googleClient) Authenticate(ctx context.Context) error {
	if c.account.RefreshToken == "" || c.account.ClientID == "" || c.account.ClientSecret == "" {
		return NewError(KindCredentialsMissing, accounts.ProviderGoogle, "authenticate",
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
		return NewError(KindTransient, accounts.ProviderGoogle, "authenticate", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return NewError(KindTransient, accounts.ProviderGoogle, "authenticate", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(KindTransient, accounts.ProviderGoogle, "authenticate", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return NewError(KindAuthorizationExpired, accounts.ProviderGoogle, "authenticate",
				fmt.Errorf("token refresh rejected: %s", truncateBody(raw)))
		}
		return NewError(KindTransient, accounts.ProviderGoogle, "authenticate",
			fmt.Errorf("token refresh failed with status %d", resp.StatusCode))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return NewError(KindMalformedResponse, accounts.ProviderGoogle, "authenticate",
			fmt.Errorf("invalid token response"))
	}
	c.token = tok.AccessToken
	return nil
}

type googleSearchRequest struct {
	Query     string `json:"query"`
	PageSize  int    `json:"pageSize,omitempty"`
	PageToken string `json:"pageToken,omitempty"`
}

type googleRow struct {
	Customer struct {
		ID           string `json:"id"`
		Descriptive  string `json:"descriptiveName"`
		CurrencyCode string `json:"currencyCode"`
		TimeZone     string `json:"timeZone"`
	} `json:"customer"`
	Campaign struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"campaign"`
	AdGroup struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"adGroup"`
	AdGroupAd struct {
		Ad struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"ad"`
	} `json:"adGroupAd"`
	Metrics struct {
		CostMicros  string `json:"costMicros"`
		Impressions string `json:"impressions"`
		Clicks      string `json:"clicks"`
	} `json:"metrics"`
	Segments struct {
		Hour int `json:"hour"`
	} `json:"segments"`
}

type googleSearchResponse struct {
	Results       []googleRow `json:"results"`
	NextPageToken string      `json:"nextPageToken"`
}

func (c *googleClient) search(ctx context.Context, op, customerID string, req googleSearchRequest) (googleSearchResponse, error) {
	var out googleSearchResponse
	err := c.do(ctx, op, http.MethodPost, "/customers/"+customerID+"/googleAds:search", req, &out)
	return out, err
}

// ActiveAccounts lists accessible customers with nonzero cost in range.
func (c *googleClient) ActiveAccounts(ctx context.Context, from, to time.Time) ([]AccountInfo, error) {
	filter := c.account.FilteredAccountIDs()
	customerIDs := filter
	if len(customerIDs) == 0 {
		var listed struct {
			ResourceNames []string `json:"resourceNames"`
		}
		err := c.pacer.Call(ctx, func() error {
			return c.do(ctx, "list_accounts", http.MethodGet, "/customers:listAccessibleCustomers", nil, &listed)
		})
		if err != nil {
			return nil, err
		}
		for _, name := range listed.ResourceNames {
			customerIDs = append(customerIDs, strings.TrimPrefix(name, "customers/"))
		}
	}

	query := fmt.Sprintf(
		"SELECT customer.id, customer.descriptive_name, customer.currency_code, customer.time_zone, "+
			"metrics.cost_micros FROM customer WHERE segments.date BETWEEN '%s' AND '%s'",
		from.Format("2006-01-02"), to.Format("2006-01-02"))

	var active []AccountInfo
	for _, id := range customerIDs {
		var resp googleSearchResponse
		err := c.pacer.Call(ctx, func() error {
			var serr error
			resp, serr = c.search(ctx, "account_spend", id, googleSearchRequest{Query: query})
			return serr
		})
		if err != nil {
			return nil, err
		}

		var cost int64
		var info AccountInfo
		for _, row := range resp.Results {
			cost += parseInt(row.Metrics.CostMicros)
			info = AccountInfo{
				ID:       row.Customer.ID,
				Name:     row.Customer.Descriptive,
				Currency: row.Customer.CurrencyCode,
				Timezone: row.Customer.TimeZone,
			}
		}
		if cost > 0 {
			active = append(active, info)
		}
	}
	return active, nil
}

// Insights returns the ad-level hourly page sequence for one customer day.
func (c *googleClient) Insights(acct AccountInfo, day time.Time) *InsightPages {
	query := fmt.Sprintf(
		"SELECT customer.id, customer.descriptive_name, campaign.id, campaign.name, "+
			"ad_group.id, ad_group.name, ad_group_ad.ad.id, ad_group_ad.ad.name, "+
			"metrics.cost_micros, metrics.impressions, metrics.clicks, segments.hour "+
			"FROM ad_group_ad WHERE segments.date = '%s'",
		day.Format("2006-01-02"))

	return NewInsightPages(c.pacer, func(ctx context.Context, cursor Cursor) (Page, error) {
		resp, err := c.search(ctx, "insights", acct.ID, googleSearchRequest{
			Query:     query,
			PageSize:  c.limits.PageLimit,
			PageToken: string(cursor),
		})
		if err != nil {
			return Page{}, err
		}

		records := make([]Insight, 0, len(resp.Results))
		for _, row := range resp.Results {
			spend := float64(parseInt(row.Metrics.CostMicros)) / 1e6
			records = append(records, Insight{
				Hour:         row.Segments.Hour,
				AccountID:    row.Customer.ID,
				AccountName:  row.Customer.Descriptive,
				CampaignID:   row.Campaign.ID,
				CampaignName: row.Campaign.Name,
				AdsetID:      row.AdGroup.ID,
				AdsetName:    row.AdGroup.Name,
				AdID:         row.AdGroupAd.Ad.ID,
				AdName:       row.AdGroupAd.Ad.Name,
				Spend:        spend,
				Impressions:  parseInt(row.Metrics.Impressions),
				Clicks:       parseInt(row.Metrics.Clicks),
				Currency:     acct.Currency,
			})
		}

		page := Page{Records: records, Next: Cursor(resp.NextPageToken)}
		if resp.NextPageToken == "" {
			page.Done = true
		}
		return page, nil
	})
}
