// Package gateway orchestrates data fetches: cache lookup, duplicate
// suppression, provider preference order, rate-limit admission, and failure
// aggregation. It is the only path through which the rest of the system
// talks to upstream providers.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/epvlab/epv/internal/cache"
	"github.com/epvlab/epv/internal/config"
	"github.com/epvlab/epv/internal/domain"
	"github.com/epvlab/epv/internal/events"
	"github.com/epvlab/epv/internal/providers"
	"github.com/epvlab/epv/internal/ratelimit"
	"github.com/epvlab/epv/internal/utils"
)

// Gateway coordinates providers, the cache, and the rate limiter.
type Gateway struct {
	registry  providers.Registry
	order     map[domain.Dataset][]string
	admitWait time.Duration
	cache     *cache.Tiered
	cacheCfg  config.CacheConfig
	limiter   *ratelimit.Limiter
	group     singleflight.Group
	bus       *events.Bus
	log       zerolog.Logger
}

// New creates a gateway over the given providers. bus may be nil when no one
// listens for fetch telemetry.
func New(registry providers.Registry, tiered *cache.Tiered, limiter *ratelimit.Limiter,
	gwCfg config.GatewayConfig, cacheCfg config.CacheConfig, bus *events.Bus, log zerolog.Logger) *Gateway {
	return &Gateway{
		registry:  registry,
		order:     gwCfg.Order,
		admitWait: gwCfg.AdmitWait,
		cache:     tiered,
		cacheCfg:  cacheCfg,
		limiter:   limiter,
		bus:       bus,
		log:       log.With().Str("component", "gateway").Logger(),
	}
}

func (g *Gateway) publish(data events.EventData) {
	if g.bus != nil {
		g.bus.Publish(data)
	}
}

// Fetch returns the normalized record for one symbol and dataset, from cache
// when fresh, otherwise from the first provider in preference order that can
// serve it. Concurrent identical requests share a single upstream call.
// Terminal failure is always *domain.AllProvidersFailedError carrying the
// per-provider reasons.
func (g *Gateway) Fetch(ctx context.Context, symbol domain.Symbol, dataset domain.Dataset, period string) (*domain.NormalizedRecord, error) {
	symbol = domain.NewSymbol(symbol.String())
	if symbol.IsZero() {
		return nil, &domain.InvalidInputError{Field: "symbol", Reason: "empty after normalization"}
	}
	order, ok := g.order[dataset]
	if !ok || len(order) == 0 {
		return nil, &domain.InvalidInputError{Field: "dataset", Reason: fmt.Sprintf("no providers configured for %s", dataset)}
	}

	key := cache.Key(order, symbol, dataset, period)
	if rec, ok := g.cache.Get(key); ok {
		g.log.Debug().Str("symbol", symbol.String()).Str("dataset", dataset.String()).Msg("Cache hit")
		return rec, nil
	}

	// Identical in-flight requests collapse onto one upstream fetch. DoChan
	// rather than Do so this caller's context cancellation detaches it
	// without aborting the shared call for the others.
	ch := g.group.DoChan(key, func() (interface{}, error) {
		// A request that queued behind the winner finds the result cached.
		if rec, ok := g.cache.Get(key); ok {
			return rec, nil
		}
		return g.fetchUpstream(context.WithoutCancel(ctx), key, symbol, dataset, period, order)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.NormalizedRecord), nil
	}
}

// fetchUpstream walks the preference order for a dataset. Each provider gets
// one admission attempt plus one bounded wait; every failure is recorded so
// the terminal error explains exactly what happened per provider.
func (g *Gateway) fetchUpstream(ctx context.Context, key string, symbol domain.Symbol, dataset domain.Dataset, period string, order []string) (*domain.NormalizedRecord, error) {
	var failures []domain.ProviderFailure

	for _, name := range order {
		provider, ok := g.registry[name]
		if !ok {
			failures = append(failures, domain.ProviderFailure{
				Provider: name, Kind: domain.FailUnreachable, Message: "provider not registered",
			})
			continue
		}
		if !provider.Supports(dataset) {
			failures = append(failures, domain.ProviderFailure{
				Provider: name, Kind: domain.FailNotFound, Message: "dataset not supported",
			})
			continue
		}

		if err := g.admit(ctx, name); err != nil {
			g.log.Warn().Str("provider", name).Str("symbol", symbol.String()).Err(err).Msg("Skipping provider, quota exhausted")
			failures = append(failures, domain.ProviderFailure{
				Provider: name, Kind: domain.FailQuotaExceeded, Message: err.Error(),
			})
			continue
		}

		timer := utils.NewTimer("provider_fetch_"+name, g.log)
		rec, err := provider.Fetch(ctx, symbol, dataset, period)
		timer.Stop()
		if err != nil {
			kind := domain.FetchKind(err)
			g.log.Warn().Str("provider", name).Str("symbol", symbol.String()).Str("kind", string(kind)).Err(err).Msg("Provider fetch failed")
			failures = append(failures, domain.ProviderFailure{
				Provider: name, Kind: kind, Message: err.Error(),
			})
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		if err := rec.Validate(); err != nil {
			failures = append(failures, domain.ProviderFailure{
				Provider: name, Kind: domain.FailSchemaMismatch, Message: err.Error(),
			})
			continue
		}

		ttl := g.cacheCfg.TTL(dataset)
		if err := g.cache.Put(key, rec, ttl); err != nil {
			// An uncacheable record is still a successful fetch.
			g.log.Warn().Err(err).Str("symbol", symbol.String()).Msg("Failed to cache fetched record")
		}

		g.log.Info().
			Str("provider", name).
			Str("symbol", symbol.String()).
			Str("dataset", dataset.String()).
			Int("points", len(rec.Points)).
			Msg("Fetched upstream")
		g.publish(&events.DataFetchedData{
			Symbol:   symbol.String(),
			Dataset:  dataset.String(),
			Provider: name,
			Points:   len(rec.Points),
		})
		return rec, nil
	}

	return nil, &domain.AllProvidersFailedError{Symbol: symbol, Dataset: dataset, Failures: failures}
}

// admit tries to take a token immediately, then waits at most admitWait for
// a refill. One bounded wait per provider per fetch, never an unbounded
// queue behind an exhausted quota.
func (g *Gateway) admit(ctx context.Context, provider string) error {
	err := g.limiter.Admit(provider)
	if err == nil {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.admitWait)
	defer cancel()
	return g.limiter.Wait(waitCtx, provider)
}

// BatchResult pairs one symbol of a batch fetch with its outcome.
type BatchResult struct {
	Symbol domain.Symbol
	Record *domain.NormalizedRecord
	Err    error
}

// FetchBatch fans one dataset request out over many symbols with bounded
// concurrency. Per-symbol failures are reported in the results, not
// propagated; a batch is only as broken as its worst symbol.
func (g *Gateway) FetchBatch(ctx context.Context, symbols []domain.Symbol, dataset domain.Dataset, period string, concurrency int) []BatchResult {
	if concurrency <= 0 {
		concurrency = 4
	}

	results := make([]BatchResult, len(symbols))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)

	for i, sym := range symbols {
		i, sym := i, sym
		eg.Go(func() error {
			rec, err := g.Fetch(egCtx, sym, dataset, period)
			results[i] = BatchResult{Symbol: sym, Record: rec, Err: err}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// CacheStats exposes the cache snapshot for diagnostics.
func (g *Gateway) CacheStats() cache.Stats {
	return g.cache.Stats()
}

// LimiterStats exposes the per-provider bucket snapshot for diagnostics.
func (g *Gateway) LimiterStats() map[string]ratelimit.BucketStats {
	return g.limiter.Stats()
}
