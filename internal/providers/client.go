// Package providers wraps the reporting APIs of the supported ad
// platforms behind a single Client interface. Each client yields raw
// insight records page by page under a shared pacing and retry policy.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"mediasync/internal/accounts"
)

// AccountInfo describes one provider-side ad account.
type AccountInfo struct {
	ID       string
	Name     string
	Currency string
	Timezone string
}

// Insight is one raw provider record at the finest granularity the
// provider exposes, typically hour by ad.
type Insight struct {
	Hour         int
	AccountID    string
	AccountName  string
	CampaignID   string
	CampaignName string
	AdsetID      string
	AdsetName    string
	AdID         string
	AdName       string
	Spend        float64
	CPM          float64
	CPC          float64
	CPP          float64
	CTR          float64
	Impressions  int64
	Clicks       int64
	Reach        int64
	Currency     string
}

// Cursor is an opaque resumption token for a page sequence.
// The empty cursor denotes the start of the sequence.
type Cursor string

// Page is one fetched page of raw insights.
type Page struct {
	Records []Insight
	Next    Cursor
	Done    bool
}

type fetchPageFunc func(ctx context.Context, cursor Cursor) (Page, error)

// InsightPages is a restartable lazy page sequence. The cursor advances
// only after a page fetch succeeds, so a rate-limit or transient retry
// replays the same page rather than skipping it. A consumer may save
// Cursor() at any page boundary and later Resume() from it.
type InsightPages struct {
	pacer  *Pacer
	fetch  fetchPageFunc
	cursor Cursor
	done   bool
}

// NewInsightPages builds a page sequence over fetch paced by pacer.
func NewInsightPages(pacer *Pacer, fetch fetchPageFunc) *InsightPages {
	return &InsightPages{pacer: pacer, fetch: fetch}
}

// Next fetches the next page of records. It returns (nil, nil) once the
// sequence is exhausted.
func (s *InsightPages) Next(ctx context.Context) ([]Insight, error) {
	if s.done {
		return nil, nil
	}

	var page Page
	err := s.pacer.Call(ctx, func() error {
		var ferr error
		page, ferr = s.fetch(ctx, s.cursor)
		return ferr
	})
	if err != nil {
		return nil, err
	}

	s.cursor = page.Next
	if page.Done || page.Next == "" {
		s.done = true
	}
	return page.Records, nil
}

// Cursor returns the resumption token for the next unfetched page.
func (s *InsightPages) Cursor() Cursor {
	return s.cursor
}

// Resume positions the sequence at a previously saved cursor.
func (s *InsightPages) Resume(cursor Cursor) {
	s.cursor = cursor
	s.done = false
}

// Done reports whether the sequence is exhausted.
func (s *InsightPages) Done() bool {
	return s.done
}

// Client is the per-platform adapter. Implementations classify their
// API failures with NewError so the shared retry policy can act on them.
type Client interface {
	// Provider identifies the platform behind this client.
	Provider() accounts.Provider
	// Authenticate validates or refreshes the session credentials.
	Authenticate(ctx context.Context) error
	// ActiveAccounts lists ad accounts with activity inside the range,
	// respecting the media account's filter.
	ActiveAccounts(ctx context.Context, from, to time.Time) ([]AccountInfo, error)
	// Insights returns the ad-level page sequence for one account day.
	Insights(acct AccountInfo, day time.Time) *InsightPages
	// Credentials exposes the session tokens for write-back after a pull.
	Credentials() (token, refreshToken string)
	// Pacer exposes the session pacer for error-count reporting.
	Pacer() *Pacer
}

// Options carries the shared construction inputs for provider clients.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Timeout bounds each provider API request; zero means 60s.
	Timeout time.Duration
	// BaseURL overrides the provider API endpoint; used by tests.
	BaseURL string
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// NewClient builds the client for the account's provider.
func NewClient(account *accounts.MediaAccount, opts Options) (Client, error) {
	limits, err := LimitsFor(account.Provider)
	if err != nil {
		return nil, err
	}

	switch account.Provider {
	case accounts.ProviderFacebook:
		return newFacebookClient(account, limits, opts), nil
	case accounts.ProviderGoogle:
		return newGoogleClient(account, limits, opts), nil
	case accounts.ProviderBing:
		return newBingClient(account, limits, opts), nil
	case accounts.ProviderSnapchat:
		return newSnapchatClient(account, limits, opts), nil
	}
	return nil, fmt.Errorf("no client for provider %s", account.Provider)
}
