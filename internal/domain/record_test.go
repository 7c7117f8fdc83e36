package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSymbol_Normalizes(t *testing.T) {
	assert.Equal(t, Symbol("AAPL"), NewSymbol("aapl "))
	assert.Equal(t, Symbol("AAPL"), NewSymbol("AAPL"))
	assert.True(t, NewSymbol("  ").IsZero())
}

func TestParseDataset(t *testing.T) {
	ds, ok := ParseDataset("Price_Series")
	require.True(t, ok)
	assert.Equal(t, DatasetPriceSeries, ds)

	_, ok = ParseDataset("dividends")
	assert.False(t, ok)
}

func TestValidate_StrictlyIncreasingTimestamps(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &NormalizedRecord{
		Symbol:  "AAPL",
		Dataset: DatasetPriceSeries,
		Points: []Point{
			{Timestamp: base, Fields: map[string]*float64{FieldClose: Float(100)}},
			{Timestamp: base.AddDate(0, 0, 1), Fields: map[string]*float64{FieldClose: Float(101)}},
		},
	}
	assert.NoError(t, rec.Validate())

	// Duplicate period must be rejected
	rec.Points = append(rec.Points, Point{Timestamp: base.AddDate(0, 0, 1)})
	assert.Error(t, rec.Validate())

	// Out of order must be rejected
	rec.Points = []Point{
		{Timestamp: base.AddDate(0, 0, 1)},
		{Timestamp: base},
	}
	assert.Error(t, rec.Validate())
}

func TestSeries_SkipsAbsentValues(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &NormalizedRecord{
		Symbol:  "MSFT",
		Dataset: DatasetIncomeStatement,
		Points: []Point{
			{Timestamp: base, Fields: map[string]*float64{FieldNetIncome: Float(10)}},
			{Timestamp: base.AddDate(1, 0, 0), Fields: map[string]*float64{FieldNetIncome: nil}},
			{Timestamp: base.AddDate(2, 0, 0), Fields: map[string]*float64{FieldNetIncome: Float(12)}},
		},
	}

	// Absent is a marker, never zero
	assert.Equal(t, []float64{10, 12}, rec.Series(FieldNetIncome))

	latest, ok := rec.Latest(FieldNetIncome)
	require.True(t, ok)
	assert.Equal(t, 12.0, latest)
}

func TestFetchKind_Classification(t *testing.T) {
	err := NewFetchError("alphavantage", FailQuotaExceeded, "AAPL", DatasetPriceSeries, nil)
	assert.Equal(t, FailQuotaExceeded, FetchKind(err))

	wrapped := errors.New("dial tcp: connection refused")
	assert.Equal(t, FailUnreachable, FetchKind(wrapped))
}

func TestAllProvidersFailedError_Message(t *testing.T) {
	err := &AllProvidersFailedError{
		Symbol:  "AAPL",
		Dataset: DatasetPriceSeries,
		Failures: []ProviderFailure{
			{Provider: "yahoo", Kind: FailUnreachable, Message: "timeout"},
			{Provider: "alphavantage", Kind: FailQuotaExceeded, Message: "throttled"},
		},
	}
	assert.Contains(t, err.Error(), "yahoo=unreachable")
	assert.Contains(t, err.Error(), "alphavantage=quota_exceeded")
}
