// Package static serves peer sets from configuration. Peer membership is
// curated, not fetched; this adapter exists so peer lookups flow through the
// same gateway path (cache, diagnostics) as remote datasets.
package static

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/epvlab/epv/internal/domain"
)

const ProviderName = "static"

// Client resolves peer sets from an in-memory table.
type Client struct {
	peers map[domain.Symbol][]domain.Symbol
	log   zerolog.Logger
}

// NewClient creates the static peer-set provider.
func NewClient(peers map[domain.Symbol][]domain.Symbol, log zerolog.Logger) *Client {
	return &Client{
		peers: peers,
		log:   log.With().Str("client", ProviderName).Logger(),
	}
}

// Name implements providers.Provider.
func (c *Client) Name() string { return ProviderName }

// Supports implements providers.Provider.
func (c *Client) Supports(dataset domain.Dataset) bool {
	return dataset == domain.DatasetPeerSet
}

// Fetch implements providers.Provider.
func (c *Client) Fetch(_ context.Context, symbol domain.Symbol, dataset domain.Dataset, period string) (*domain.NormalizedRecord, error) {
	if dataset != domain.DatasetPeerSet {
		return nil, domain.NewFetchError(ProviderName, domain.FailNotFound, symbol, dataset,
			fmt.Errorf("dataset not supported"))
	}

	peers, ok := c.peers[symbol]
	if !ok {
		return nil, domain.NewFetchError(ProviderName, domain.FailNotFound, symbol, dataset,
			fmt.Errorf("no peer set configured"))
	}

	return &domain.NormalizedRecord{
		Symbol:    symbol,
		Dataset:   dataset,
		Period:    period,
		Provider:  ProviderName,
		FetchedAt: time.Now().UTC(),
		Peers:     append([]domain.Symbol(nil), peers...),
	}, nil
}
