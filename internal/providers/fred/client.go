// Package fred adapts the FRED (Federal Reserve Economic Data) observations
// API for macro indicator series. The "symbol" for this provider is a FRED
// series id such as DGS10 or CPIAUCSL. FRED marks missing observations with
// a literal "." value, which maps to an absent field, never zero.
package fred

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/epvlab/epv/internal/domain"
)

const ProviderName = "fred"

// Client for the FRED API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a FRED adapter.
func NewClient(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: "https://api.stlouisfed.org/fred",
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log.With().Str("client", ProviderName).Logger(),
	}
}

// Name implements providers.Provider.
func (c *Client) Name() string { return ProviderName }

// Supports implements providers.Provider.
func (c *Client) Supports(dataset domain.Dataset) bool {
	return dataset == domain.DatasetMacroIndicator
}

// Fetch implements providers.Provider.
func (c *Client) Fetch(ctx context.Context, symbol domain.Symbol, dataset domain.Dataset, period string) (*domain.NormalizedRecord, error) {
	if dataset != domain.DatasetMacroIndicator {
		return nil, domain.NewFetchError(ProviderName, domain.FailNotFound, symbol, dataset,
			fmt.Errorf("dataset not supported"))
	}
	if c.apiKey == "" {
		return nil, domain.NewFetchError(ProviderName, domain.FailUnreachable, symbol, dataset,
			fmt.Errorf("no API key configured"))
	}

	q := url.Values{}
	q.Set("series_id", symbol.String())
	q.Set("api_key", c.apiKey)
	q.Set("file_type", "json")
	q.Set("sort_order", "asc")
	if period != "" {
		if start, ok := periodToStart(period); ok {
			q.Set("observation_start", start)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/series/observations?"+q.Encode(), nil)
	if err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailUnreachable, symbol, dataset, err)
	}

	c.log.Debug().Str("series", symbol.String()).Msg("Fetching observations")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailUnreachable, symbol, dataset, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return nil, domain.NewFetchError(ProviderName, domain.FailNotFound, symbol, dataset,
			fmt.Errorf("unknown series id"))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.NewFetchError(ProviderName, domain.FailQuotaExceeded, symbol, dataset,
			fmt.Errorf("API returned status 429"))
	case resp.StatusCode != http.StatusOK:
		return nil, domain.NewFetchError(ProviderName, domain.FailUnreachable, symbol, dataset,
			fmt.Errorf("API returned status %d", resp.StatusCode))
	}

	var parsed struct {
		Observations []struct {
			Date  string `json:"date"`
			Value string `json:"value"`
		} `json:"observations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, dataset,
			fmt.Errorf("failed to parse observations: %w", err))
	}
	if len(parsed.Observations) == 0 {
		return nil, domain.NewFetchError(ProviderName, domain.FailNotFound, symbol, dataset,
			fmt.Errorf("no observations in response"))
	}

	rec := &domain.NormalizedRecord{
		Symbol:    symbol,
		Dataset:   dataset,
		Period:    period,
		Provider:  ProviderName,
		FetchedAt: time.Now().UTC(),
	}
	for _, obs := range parsed.Observations {
		ts, err := time.Parse("2006-01-02", obs.Date)
		if err != nil {
			return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, dataset,
				fmt.Errorf("bad observation date %q: %w", obs.Date, err))
		}
		rec.Points = append(rec.Points, domain.Point{
			Timestamp: ts,
			Fields:    map[string]*float64{domain.FieldValue: parseValue(obs.Value)},
		})
	}

	rec.SortPoints()
	if err := rec.Validate(); err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, dataset, err)
	}

	c.log.Info().Str("series", symbol.String()).Int("observations", len(rec.Points)).Msg("Fetched series")
	return rec, nil
}

// parseValue converts a FRED observation value. "." is FRED's missing-data
// marker and maps to absent.
func parseValue(s string) *float64 {
	if s == "." || s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// periodToStart maps shorthand periods like "5y" or "10y" onto an
// observation_start date.
func periodToStart(period string) (string, bool) {
	if len(period) < 2 || period[len(period)-1] != 'y' {
		return "", false
	}
	years, err := strconv.Atoi(period[:len(period)-1])
	if err != nil || years <= 0 {
		return "", false
	}
	return time.Now().AddDate(-years, 0, 0).Format("2006-01-02"), true
}

// SetBaseURL overrides the API endpoint, used by tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}
