// Package domain holds the core types shared by the data gateway and the
// valuation engine: symbols, dataset kinds, normalized records, and the
// error taxonomy. The domain layer is pure - no infrastructure dependencies.
package domain

import "strings"

// Symbol is a case-normalized ticker identifier. It is the primary key for
// every lookup in the system, so normalization happens exactly once, at
// construction.
type Symbol string

// NewSymbol normalizes a raw ticker string into a Symbol.
// "aapl " and "AAPL" produce the same Symbol (and therefore the same cache key).
func NewSymbol(raw string) Symbol {
	return Symbol(strings.ToUpper(strings.TrimSpace(raw)))
}

// String returns the normalized ticker.
func (s Symbol) String() string {
	return string(s)
}

// IsZero reports whether the symbol is empty after normalization.
func (s Symbol) IsZero() bool {
	return s == ""
}

// Dataset identifies a requestable kind of financial data.
type Dataset string

const (
	DatasetPriceSeries     Dataset = "price_series"
	DatasetIncomeStatement Dataset = "income_statement"
	DatasetBalanceSheet    Dataset = "balance_sheet"
	DatasetMacroIndicator  Dataset = "macro_indicator"
	DatasetPeerSet         Dataset = "peer_set"
)

// AllDatasets lists every dataset kind, in a stable order.
var AllDatasets = []Dataset{
	DatasetPriceSeries,
	DatasetIncomeStatement,
	DatasetBalanceSheet,
	DatasetMacroIndicator,
	DatasetPeerSet,
}

// ParseDataset converts a string (e.g. from an API path or env var) into a
// Dataset. Returns false for unknown kinds.
func ParseDataset(raw string) (Dataset, bool) {
	ds := Dataset(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllDatasets {
		if ds == known {
			return ds, true
		}
	}
	return "", false
}

// String returns the dataset identifier.
func (d Dataset) String() string {
	return string(d)
}
