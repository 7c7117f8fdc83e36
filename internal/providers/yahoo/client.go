// Package yahoo adapts the Yahoo Finance chart API. Yahoo serves price
// series only; the gateway routes fundamentals to other providers.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/epvlab/epv/internal/domain"
)

const ProviderName = "yahoo"

// Client for the Yahoo Finance v8 chart API.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a Yahoo adapter. No API key is required.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		baseURL: "https://query1.finance.yahoo.com",
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log.With().Str("client", ProviderName).Logger(),
	}
}

// Name implements providers.Provider.
func (c *Client) Name() string { return ProviderName }

// Supports implements providers.Provider. Yahoo only serves prices.
func (c *Client) Supports(dataset domain.Dataset) bool {
	return dataset == domain.DatasetPriceSeries
}

// chartResponse mirrors the relevant slice of the v8 chart payload.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Fetch implements providers.Provider.
func (c *Client) Fetch(ctx context.Context, symbol domain.Symbol, dataset domain.Dataset, period string) (*domain.NormalizedRecord, error) {
	if dataset != domain.DatasetPriceSeries {
		return nil, domain.NewFetchError(ProviderName, domain.FailNotFound, symbol, dataset,
			fmt.Errorf("dataset not supported"))
	}

	rng := period
	if rng == "" {
		rng = "5y"
	}
	url := fmt.Sprintf("%s/v8/finance/chart/%s?range=%s&interval=1d", c.baseURL, symbol, rng)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailUnreachable, symbol, dataset, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	c.log.Debug().Str("symbol", symbol.String()).Str("range", rng).Msg("Fetching chart")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailUnreachable, symbol, dataset, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.NewFetchError(ProviderName, domain.FailNotFound, symbol, dataset,
			fmt.Errorf("symbol not found"))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.NewFetchError(ProviderName, domain.FailQuotaExceeded, symbol, dataset,
			fmt.Errorf("API returned status 429"))
	case resp.StatusCode != http.StatusOK:
		return nil, domain.NewFetchError(ProviderName, domain.FailUnreachable, symbol, dataset,
			fmt.Errorf("API returned status %d", resp.StatusCode))
	}

	var parsed chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, dataset,
			fmt.Errorf("failed to parse chart response: %w", err))
	}
	if parsed.Chart.Error != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailNotFound, symbol, dataset,
			fmt.Errorf("%s: %s", parsed.Chart.Error.Code, parsed.Chart.Error.Description))
	}
	if len(parsed.Chart.Result) == 0 || len(parsed.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, dataset,
			fmt.Errorf("empty chart result"))
	}

	result := parsed.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	if len(quote.Close) != len(result.Timestamp) {
		return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, dataset,
			fmt.Errorf("series length mismatch: %d timestamps, %d closes", len(result.Timestamp), len(quote.Close)))
	}

	rec := &domain.NormalizedRecord{
		Symbol:    symbol,
		Dataset:   dataset,
		Period:    rng,
		Provider:  ProviderName,
		FetchedAt: time.Now().UTC(),
	}
	for i, ts := range result.Timestamp {
		fields := map[string]*float64{domain.FieldClose: quote.Close[i]}
		if i < len(quote.Open) {
			fields[domain.FieldOpen] = quote.Open[i]
		}
		if i < len(quote.High) {
			fields[domain.FieldHigh] = quote.High[i]
		}
		if i < len(quote.Low) {
			fields[domain.FieldLow] = quote.Low[i]
		}
		if i < len(quote.Volume) {
			fields[domain.FieldVolume] = quote.Volume[i]
		}
		rec.Points = append(rec.Points, domain.Point{
			Timestamp: time.Unix(ts, 0).UTC(),
			Fields:    fields,
		})
	}

	rec.SortPoints()
	if err := rec.Validate(); err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, dataset, err)
	}

	c.log.Info().Str("symbol", symbol.String()).Int("points", len(rec.Points)).Msg("Fetched chart series")
	return rec, nil
}

// SetBaseURL overrides the API endpoint, used by tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}
