// Package alphavantage adapts the Alpha Vantage REST API. It serves daily
// price series and annual fundamentals (income statement, balance sheet).
// The free tier is heavily quota-limited; quota responses arrive as HTTP 200
// with a "Note" or "Information" body, which this adapter classifies as
// quota_exceeded so the gateway can fall through to another source.
package alphavantage

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

const ProviderName = "alphavantage"

// Client for the Alpha Vantage API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates an Alpha Vantage adapter. An empty apiKey is allowed at
// construction; fetches will fail as unreachable until one is configured.
func NewClient(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: "https://www.alphavantage.co/query",
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log.With().Str("client", ProviderName).Logger(),
	}
}

// Name implements providers.Provider.
func (c *Client) Name() string { return ProviderName }

// Supports implements providers.Provider.
func (c *Client) Supports(dataset domain.Dataset) bool {
	switch dataset {
	case domain.DatasetPriceSeries, domain.DatasetIncomeStatement, domain.DatasetBalanceSheet:
		return true
	}
	return false
}

// Fetch implements providers.Provider.
func (c *Client) Fetch(ctx context.Context, symbol domain.Symbol, dataset domain.Dataset, period string) (*domain.NormalizedRecord, error) {
	if c.apiKey == "" {
		return nil, domain.NewFetchError(ProviderName, domain.FailUnreachable, symbol, dataset,
			fmt.Errorf("no API key configured"))
	}

	switch dataset {
	case domain.DatasetPriceSeries:
		return c.fetchDaily(ctx, symbol, period)
	case domain.DatasetIncomeStatement:
		return c.fetchFundamentals(ctx, symbol, dataset, "INCOME_STATEMENT")
	case domain.DatasetBalanceSheet:
		return c.fetchFundamentals(ctx, symbol, dataset, "BALANCE_SHEET")
	default:
		return nil, domain.NewFetchError(ProviderName, domain.FailNotFound, symbol, dataset,
			fmt.Errorf("dataset not supported"))
	}
}

// get performs one API call and detects the quota-as-200 responses before
// handing the body to the caller.
func (c *Client) get(ctx context.Context, symbol domain.Symbol, dataset domain.Dataset, function string, params map[string]string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("function", function)
	q.Set("apikey", c.apiKey)
	for k, v := range params {
		q.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailUnreachable, symbol, dataset, err)
	}

	c.log.Debug().Str("function", function).Str("symbol", symbol.String()).Msg("Fetching")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailUnreachable, symbol, dataset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.NewFetchError(ProviderName, domain.FailQuotaExceeded, symbol, dataset,
			fmt.Errorf("API returned status 429"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewFetchError(ProviderName, domain.FailUnreachable, symbol, dataset,
			fmt.Errorf("API returned status %d", resp.StatusCode))
	}

	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, dataset,
			fmt.Errorf("failed to parse response: %w", err))
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, dataset,
			fmt.Errorf("unexpected response shape: %w", err))
	}
	for _, key := range []string{"Note", "Information"} {
		if raw, ok := envelope[key]; ok {
			var msg string
			_ = json.Unmarshal(raw, &msg)
			return nil, domain.NewFetchError(ProviderName, domain.FailQuotaExceeded, symbol, dataset,
				fmt.Errorf("quota message: %s", msg))
		}
	}
	if raw, ok := envelope["Error Message"]; ok {
		var msg string
		_ = json.Unmarshal(raw, &msg)
		return nil, domain.NewFetchError(ProviderName, domain.FailNotFound, symbol, dataset,
			fmt.Errorf("API error: %s", msg))
	}

	return body, nil
}

func (c *Client) fetchDaily(ctx context.Context, symbol domain.Symbol, period string) (*domain.NormalizedRecord, error) {
	outputSize := "compact"
	if period == "full" || period == "5y" {
		outputSize = "full"
	}

	body, err := c.get(ctx, symbol, domain.DatasetPriceSeries, "TIME_SERIES_DAILY", map[string]string{
		"symbol":     symbol.String(),
		"outputsize": outputSize,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Series map[string]struct {
			Open   string `json:"1. open"`
			High   string `json:"2. high"`
			Low    string `json:"3. low"`
			Close  string `json:"4. close"`
			Volume string `json:"5. volume"`
		} `json:"Time Series (Daily)"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, domain.DatasetPriceSeries,
			fmt.Errorf("failed to parse time series: %w", err))
	}
	if len(parsed.Series) == 0 {
		return nil, domain.NewFetchError(ProviderName, domain.FailNotFound, symbol, domain.DatasetPriceSeries,
			fmt.Errorf("no daily series in response"))
	}

	rec := &domain.NormalizedRecord{
		Symbol:    symbol,
		Dataset:   domain.DatasetPriceSeries,
		Period:    period,
		Provider:  ProviderName,
		FetchedAt: time.Now().UTC(),
	}
	for date, bar := range parsed.Series {
		ts, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, domain.DatasetPriceSeries,
				fmt.Errorf("bad date %q: %w", date, err))
		}
		rec.Points = append(rec.Points, domain.Point{
			Timestamp: ts,
			Fields: map[string]*float64{
				domain.FieldOpen:   parseFloat(bar.Open),
				domain.FieldHigh:   parseFloat(bar.High),
				domain.FieldLow:    parseFloat(bar.Low),
				domain.FieldClose:  parseFloat(bar.Close),
				domain.FieldVolume: parseFloat(bar.Volume),
			},
		})
	}

	rec.SortPoints()
	if err := rec.Validate(); err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, domain.DatasetPriceSeries, err)
	}

	c.log.Info().Str("symbol", symbol.String()).Int("points", len(rec.Points)).Msg("Fetched daily series")
	return rec, nil
}

// annualReport is the shared shape of INCOME_STATEMENT and BALANCE_SHEET
// annual entries. Values arrive as strings; "None" means absent.
type annualReport struct {
	FiscalDateEnding string `json:"fiscalDateEnding"`

	// Income statement fields.
	TotalRevenue    string `json:"totalRevenue"`
	NetIncome       string `json:"netIncome"`
	OperatingIncome string `json:"operatingIncome"`
	EPS             string `json:"reportedEPS"`
	UnusualItems    string `json:"unusualItems"`

	// Balance sheet fields.
	TotalShareholderEquity string `json:"totalShareholderEquity"`
	LongTermDebt           string `json:"longTermDebt"`
	TotalCurrentAssets     string `json:"totalCurrentAssets"`
	TotalCurrentLiab       string `json:"totalCurrentLiabilities"`
	SharesOutstanding      string `json:"commonStockSharesOutstanding"`
}

func (c *Client) fetchFundamentals(ctx context.Context, symbol domain.Symbol, dataset domain.Dataset, function string) (*domain.NormalizedRecord, error) {
	body, err := c.get(ctx, symbol, dataset, function, map[string]string{"symbol": symbol.String()})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		AnnualReports []annualReport `json:"annualReports"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, dataset,
			fmt.Errorf("failed to parse annual reports: %w", err))
	}
	if len(parsed.AnnualReports) == 0 {
		return nil, domain.NewFetchError(ProviderName, domain.FailNotFound, symbol, dataset,
			fmt.Errorf("no annual reports in response"))
	}

	rec := &domain.NormalizedRecord{
		Symbol:    symbol,
		Dataset:   dataset,
		Period:    "annual",
		Provider:  ProviderName,
		FetchedAt: time.Now().UTC(),
	}
	for _, report := range parsed.AnnualReports {
		ts, err := time.Parse("2006-01-02", report.FiscalDateEnding)
		if err != nil {
			return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, dataset,
				fmt.Errorf("bad fiscal date %q: %w", report.FiscalDateEnding, err))
		}

		var fields map[string]*float64
		if dataset == domain.DatasetIncomeStatement {
			fields = map[string]*float64{
				domain.FieldRevenue:         parseFloat(report.TotalRevenue),
				domain.FieldNetIncome:       parseFloat(report.NetIncome),
				domain.FieldOperatingIncome: parseFloat(report.OperatingIncome),
				domain.FieldEPS:             parseFloat(report.EPS),
				domain.FieldOneTimeItems:    parseFloat(report.UnusualItems),
			}
		} else {
			fields = map[string]*float64{
				domain.FieldTotalEquity:       parseFloat(report.TotalShareholderEquity),
				domain.FieldLongTermDebt:      parseFloat(report.LongTermDebt),
				domain.FieldCurrentAssets:     parseFloat(report.TotalCurrentAssets),
				domain.FieldCurrentLiab:       parseFloat(report.TotalCurrentLiab),
				domain.FieldSharesOutstanding: parseFloat(report.SharesOutstanding),
			}
		}
		rec.Points = append(rec.Points, domain.Point{Timestamp: ts, Fields: fields})
	}

	rec.SortPoints()
	if err := rec.Validate(); err != nil {
		return nil, domain.NewFetchError(ProviderName, domain.FailSchemaMismatch, symbol, dataset, err)
	}

	c.log.Info().Str("symbol", symbol.String()).Str("function", function).Int("years", len(rec.Points)).Msg("Fetched fundamentals")
	return rec, nil
}

// parseFloat converts an Alpha Vantage string value. "None", "-" and empty
// strings are absent, not zero.
func parseFloat(s string) *float64 {
	if s == "" || s == "None" || s == "-" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// SetBaseURL overrides the API endpoint, used by tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}
