package providers

import (
	"bytes"
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
	bingBaseURL  = "https://reporting.api.bingads.microsoft.com/v13"
	bingTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
)

type bingClient struct {
	account  *accounts.MediaAccount
	limits   Limits
	http     *http.Client
	logger   *slog.Logger
	pacer    *Pacer
	baseURL  string
	tokenURL string
	token    string
}

func newBingClient(account *accounts.MediaAccount, limits Limits, opts Options) *bingClient {
	baseURL := opts.BaseURL
	tokenURL := bingTokenURL
	if baseURL == "" {
		baseURL = bingBaseURL
	} else {
		tokenURL = baseURL + "/oauth2/token"
	}
	return &bingClient{
		account:  account,
		limits:   limits,
		http:     opts.httpClient(),
		logger:   opts.Logger,
		pacer:    NewPacer(accounts.ProviderBing, limits, opts.Logger),
		baseURL:  baseURL,
		tokenURL: tokenURL,
		token:    account.Token,
	}
}

func (c *bingClient) Provider() accounts.Provider { return accounts.ProviderBing }
func (c *bingClient) Pacer() *Pacer               { return c.pacer }

func (c *bingClient) Credentials() (string, string) {
	return c.token, c.account.RefreshToken
}

func (c *bingClient) classify(op string, status int, body []byte, err error) error {
	if err != nil {
		return NewError(KindTransient, accounts.ProviderBing, op, err)
	}

	apiErr := fmt.Errorf("unexpected status %d: %s", status, truncateBody(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(KindAuthorizationExpired, accounts.ProviderBing, op, apiErr)
	case status == http.StatusTooManyRequests:
		return NewError(KindRateLimited, accounts.ProviderBing, op, apiErr)
	case status >= 500:
		return NewError(KindTransient, accounts.ProviderBing, op, apiErr)
	}
	return NewError(KindMalformedResponse, accounts.ProviderBing, op, apiErr)
}

func (c *bingClient) post(ctx context.Context, op, path string, payload, out interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return NewError(KindTransient, accounts.ProviderBing, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return NewError(KindTransient, accounts.ProviderBing, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classify(op, 0, nil, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(KindTransient, accounts.ProviderBing, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return c.classify(op, resp.StatusCode, body, nil)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return NewError(KindMalformedResponse, accounts.ProviderBing, op, err)
	}
	return nil
}

// Authenticate refreshes the access token via the Microsoft identity
// endpoint; the new token is exposed via Credentials for write-back.
func (c *bingClient) Authenticate(ctx context.Context) error {
	if c.account.RefreshToken == "" || c.account.ClientID == "" {
		return NewError(KindCredentialsMissing, accounts.ProviderBing, "authenticate",
			fmt.Errorf("media account %d is missing oauth credentials", c.account.ID))
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.account.ClientID},
		"refresh_token": {c.account.RefreshToken},
		"scope":         {"https://ads.microsoft.com/msads.manage offline_access"},
	}
	if c.account.ClientSecret != "" {
		form.Set("client_secret", c.account.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return NewError(KindTransient, accounts.ProviderBing, "authenticate", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return NewError(KindTransient, accounts.ProviderBing, "authenticate", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(KindTransient, accounts.ProviderBing, "authenticate", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return NewError(KindAuthorizationExpired, accounts.ProviderBing, "authenticate",
				fmt.Errorf("token refresh rejected: %s", truncateBody(raw)))
		}
		return NewError(KindTransient, accounts.ProviderBing, "authenticate",
			fmt.Errorf("token refresh failed with status %d", resp.StatusCode))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return NewError(KindMalformedResponse, accounts.ProviderBing, "authenticate",
			fmt.Errorf("invalid token response"))
	}
	c.token = tok.AccessToken
	return nil
}

type bingReportRequest struct {
	AccountID string `json:"accountId,omitempty"`
	DateFrom  string `json:"dateFrom"`
	DateTo    string `json:"dateTo"`
	Level     string `json:"level"`
	Offset    int    `json:"offset"`
	Limit     int    `json:"limit"`
}

type bingReportRow struct {
	AccountID    string  `json:"accountId"`
	AccountName  string  `json:"accountName"`
	Currency     string  `json:"currencyCode"`
	Timezone     string  `json:"timeZone"`
	CampaignID   string  `json:"campaignId"`
	CampaignName string  `json:"campaignName"`
	AdGroupID    string  `json:"adGroupId"`
	AdGroupName  string  `json:"adGroupName"`
	AdID         string  `json:"adId"`
	AdTitle      string  `json:"adTitle"`
	Spend        float64 `json:"spend"`
	Impressions  int64   `json:"impressions"`
	Clicks       int64   `json:"clicks"`
}

type bingReportResponse struct {
	Rows []bingReportRow `json:"rows"`
	More bool            `json:"more"`
}

// ActiveAccounts lists accounts with spend inside the range.
func (c *bingClient) ActiveAccounts(ctx context.Context, from, to time.Time) ([]AccountInfo, error) {
	filter := c.account.FilteredAccountIDs()
	wanted := make(map[string]bool, len(filter))
	for _, id := range filter {
		wanted[id] = true
	}

	req := bingReportRequest{
		DateFrom: from.Format("2006-01-02"),
		DateTo:   to.Format("2006-01-02"),
		Level:    "account",
		Limit:    c.limits.PageLimit,
	}

	var resp bingReportResponse
	err := c.pacer.Call(ctx, func() error {
		return c.post(ctx, "account_spend", "/reports/performance", req, &resp)
	})
	if err != nil {
		return nil, err
	}

	var active []AccountInfo
	for _, row := range resp.Rows {
		if len(wanted) > 0 && !wanted[row.AccountID] {
			continue
		}
		if row.Spend <= 0 {
			continue
		}
		active = append(active, AccountInfo{
			ID:       row.AccountID,
			Name:     row.AccountName,
			Currency: row.Currency,
			Timezone: row.Timezone,
		})
	}
	return active, nil
}

// Insights returns the ad-level page sequence for one account day. The
// reporting endpoint pages by offset, so the cursor is the row offset.
// Bing reports settle at day granularity; rows land in hour bucket 0.
func (c *bingClient) Insights(acct AccountInfo, day time.Time) *InsightPages {
	return NewInsightPages(c.pacer, func(ctx context.Context, cursor Cursor) (Page, error) {
		offset := 0
		if cursor != "" {
			parsed, err := strconv.Atoi(string(cursor))
			if err != nil {
				return Page{}, NewError(KindMalformedResponse, accounts.ProviderBing, "insights",
					fmt.Errorf("invalid cursor %q", cursor))
			}
			offset = parsed
		}

		req := bingReportRequest{
			AccountID: acct.ID,
			DateFrom:  day.Format("2006-01-02"),
			DateTo:    day.Format("2006-01-02"),
			Level:     "ad",
			Offset:    offset,
			Limit:     c.limits.PageLimit,
		}

		var resp bingReportResponse
		if err := c.post(ctx, "insights", "/reports/performance", req, &resp); err != nil {
			return Page{}, err
		}

		records := make([]Insight, 0, len(resp.Rows))
		for _, row := range resp.Rows {
			records = append(records, Insight{
				AccountID:    row.AccountID,
				AccountName:  row.AccountName,
				CampaignID:   row.CampaignID,
				CampaignName: row.CampaignName,
				AdsetID:      row.AdGroupID,
				AdsetName:    row.AdGroupName,
				AdID:         row.AdID,
				AdName:       row.AdTitle,
				Spend:        row.Spend,
				Impressions:  row.Impressions,
				Clicks:       row.Clicks,
				Currency:     acct.Currency,
			})
		}

		page := Page{Records: records}
		if resp.More {
			page.Next = Cursor(strconv.Itoa(offset + len(resp.Rows)))
		} else {
			page.Done = true
		}
		return page, nil
	})
}
