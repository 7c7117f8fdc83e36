package domain

import (
	"fmt"
	"sort"
	"time"
)

// Well-known field names used in normalized records. Adapters map
// provider-specific response shapes onto these names so the valuation
// engine never sees a provider's raw schema.
const (
	FieldClose             = "close"
	FieldOpen              = "open"
	FieldHigh              = "high"
	FieldLow               = "low"
	FieldVolume            = "volume"
	FieldRevenue           = "revenue"
	FieldNetIncome         = "net_income"
	FieldOperatingIncome   = "operating_income"
	FieldEPS               = "eps"
	FieldSharesOutstanding = "shares_outstanding"
	FieldOneTimeItems      = "one_time_items"
	FieldTotalEquity       = "total_equity"
	FieldLongTermDebt      = "long_term_debt"
	FieldCurrentAssets     = "current_assets"
	FieldCurrentLiab       = "current_liabilities"
	FieldValue             = "value" // macro indicators carry a single series
)

// Point is a single period in a normalized time series. A nil field value is
// the explicit "absent" marker - it is never coerced to zero.
type Point struct {
	Timestamp time.Time           `msgpack:"ts" json:"timestamp"`
	Fields    map[string]*float64 `msgpack:"f" json:"fields"`
}

// Get returns the value for a field and whether it is present.
func (p Point) Get(field string) (float64, bool) {
	v, ok := p.Fields[field]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// NormalizedRecord is the provider-agnostic representation of a fetched
// dataset: an ordered time series of typed fields plus provenance.
// Invariants (enforced by Validate): timestamps strictly increasing, no
// duplicate periods.
type NormalizedRecord struct {
	Symbol    Symbol    `msgpack:"symbol" json:"symbol"`
	Dataset   Dataset   `msgpack:"dataset" json:"dataset"`
	Period    string    `msgpack:"period" json:"period"`
	Provider  string    `msgpack:"provider" json:"provider"`
	FetchedAt time.Time `msgpack:"fetched_at" json:"fetched_at"`
	Points    []Point   `msgpack:"points" json:"points"`

	// Peers is populated only for peer-set records, which have no time series.
	Peers []Symbol `msgpack:"peers,omitempty" json:"peers,omitempty"`
}

// Validate checks the record invariants: strictly increasing timestamps and
// no duplicate periods. Peer-set records are exempt from the series checks.
func (r *NormalizedRecord) Validate() error {
	if r.Dataset == DatasetPeerSet {
		return nil
	}
	for i := 1; i < len(r.Points); i++ {
		prev, cur := r.Points[i-1].Timestamp, r.Points[i].Timestamp
		if !cur.After(prev) {
			return fmt.Errorf("record %s/%s: timestamps not strictly increasing at index %d (%s then %s)",
				r.Symbol, r.Dataset, i, prev.Format(time.RFC3339), cur.Format(time.RFC3339))
		}
	}
	return nil
}

// SortPoints orders points by timestamp ascending. Adapters call this before
// Validate since providers return series in arbitrary order.
func (r *NormalizedRecord) SortPoints() {
	sort.Slice(r.Points, func(i, j int) bool {
		return r.Points[i].Timestamp.Before(r.Points[j].Timestamp)
	})
}

// Series extracts the present values of one field in timestamp order.
// Absent periods are skipped, not zero-filled.
func (r *NormalizedRecord) Series(field string) []float64 {
	out := make([]float64, 0, len(r.Points))
	for _, p := range r.Points {
		if v, ok := p.Get(field); ok {
			out = append(out, v)
		}
	}
	return out
}

// Latest returns the most recent present value of a field.
func (r *NormalizedRecord) Latest(field string) (float64, bool) {
	for i := len(r.Points) - 1; i >= 0; i-- {
		if v, ok := r.Points[i].Get(field); ok {
			return v, true
		}
	}
	return 0, false
}

// EstimateSize returns an approximate in-memory footprint in bytes, used by
// the cache for capacity accounting. It only needs to be stable and roughly
// proportional to the real cost.
func (r *NormalizedRecord) EstimateSize() int64 {
	size := int64(len(r.Symbol) + len(r.Dataset) + len(r.Period) + len(r.Provider) + 64)
	for _, p := range r.Points {
		size += 24 // timestamp
		for name, v := range p.Fields {
			size += int64(len(name)) + 16
			if v != nil {
				size += 8
			}
		}
	}
	for _, peer := range r.Peers {
		size += int64(len(peer)) + 16
	}
	return size
}

// Float is a convenience for building field maps in adapters and tests.
func Float(v float64) *float64 {
	return &v
}
