// Package providers defines the adapter contract that upstream data sources
// implement. Each adapter translates one provider's API shape into
// normalized records and classifies its failures, so the gateway can treat
// all sources uniformly.
package providers

import (
	"context"

	"github.com/epvlab/epv/internal/domain"
)

// Provider is one upstream data source. Implementations must be safe for
// concurrent use; the gateway fans requests out across goroutines.
type Provider interface {
	// Name returns the stable provider identifier used in config, cache
	// keys, and rate limiter buckets.
	Name() string

	// Supports reports whether this provider can serve the dataset at all.
	// The gateway skips unsupported providers without charging rate budget.
	Supports(dataset domain.Dataset) bool

	// Fetch retrieves and normalizes one dataset for a symbol. Errors are
	// *domain.FetchError with a classified kind. Fetch never returns partial
	// records: a schema surprise fails the whole call.
	Fetch(ctx context.Context, symbol domain.Symbol, dataset domain.Dataset, period string) (*domain.NormalizedRecord, error)
}

// Registry is an ordered, named set of providers.
type Registry map[string]Provider

// Names returns the registered provider identifiers.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}
