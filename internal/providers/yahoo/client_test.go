package yahoo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epvlab/epv/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(zerolog.Nop())
	c.SetBaseURL(srv.URL)
	return c
}

func TestFetch_ChartParsed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/v8/finance/chart/AAPL")
		assert.Equal(t, "5y", r.URL.Query().Get("range"))
		w.Write([]byte(`{
			"chart": {
				"result": [{
					"timestamp": [1735689600, 1735776000],
					"indicators": {"quote": [{
						"open": [100.0, 101.0],
						"high": [102.0, 103.0],
						"low": [99.0, 100.0],
						"close": [101.5, null],
						"volume": [5000, 6000]
					}]}
				}],
				"error": null
			}
		}`))
	})

	rec, err := c.Fetch(context.Background(), domain.NewSymbol("AAPL"), domain.DatasetPriceSeries, "5y")
	require.NoError(t, err)
	require.Len(t, rec.Points, 2)

	v, ok := rec.Points[0].Get(domain.FieldClose)
	require.True(t, ok)
	assert.Equal(t, 101.5, v)

	// A null close is an absent field for that day.
	_, ok = rec.Points[1].Get(domain.FieldClose)
	assert.False(t, ok)
}

func TestFetch_ChartErrorIsNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chart": {"result": null, "error": {"code": "Not Found", "description": "No data found, symbol may be delisted"}}}`))
	})

	_, err := c.Fetch(context.Background(), domain.NewSymbol("NOPE"), domain.DatasetPriceSeries, "5y")
	require.Error(t, err)
	assert.Equal(t, domain.FailNotFound, domain.FetchKind(err))
}

func TestFetch_LengthMismatchIsSchemaMismatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"chart": {
				"result": [{
					"timestamp": [1735689600, 1735776000, 1735862400],
					"indicators": {"quote": [{"close": [101.5]}]}
				}],
				"error": null
			}
		}`))
	})

	_, err := c.Fetch(context.Background(), domain.NewSymbol("AAPL"), domain.DatasetPriceSeries, "5y")
	require.Error(t, err)
	assert.Equal(t, domain.FailSchemaMismatch, domain.FetchKind(err))
}

func TestFetch_Status429IsQuotaExceeded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Fetch(context.Background(), domain.NewSymbol("AAPL"), domain.DatasetPriceSeries, "5y")
	require.Error(t, err)
	assert.Equal(t, domain.FailQuotaExceeded, domain.FetchKind(err))
}

func TestFetch_UnsupportedDatasetRejected(t *testing.T) {
	c := NewClient(zerolog.Nop())
	_, err := c.Fetch(context.Background(), domain.NewSymbol("AAPL"), domain.DatasetIncomeStatement, "annual")
	require.Error(t, err)
	assert.False(t, c.Supports(domain.DatasetIncomeStatement))
}
