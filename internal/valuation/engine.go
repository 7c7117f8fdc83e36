package valuation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/epvlab/epv/internal/config"
	"github.com/epvlab/epv/internal/domain"
	"github.com/epvlab/epv/internal/events"
	"github.com/epvlab/epv/internal/utils"
)

// Fetcher is the slice of the gateway the engine depends on.
type Fetcher interface {
	Fetch(ctx context.Context, symbol domain.Symbol, dataset domain.Dataset, period string) (*domain.NormalizedRecord, error)
}

// Options tune one analysis call.
type Options struct {
	// Seed fixes the Monte Carlo seed for reproducible runs. Nil draws from
	// entropy.
	Seed *int64
	// Peers overrides the peer group for the comparison. Empty falls back to
	// the configured peer set for the symbol, if any.
	Peers []domain.Symbol
}

// Engine produces valuation results from normalized gateway data.
type Engine struct {
	fetcher Fetcher
	cfg     config.AnalysisConfig
	bus     *events.Bus
	log     zerolog.Logger
	now     func() time.Time
}

// NewEngine creates a valuation engine. bus may be nil when no one listens.
func NewEngine(fetcher Fetcher, cfg config.AnalysisConfig, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		fetcher: fetcher,
		cfg:     cfg,
		bus:     bus,
		log:     log.With().Str("component", "valuation").Logger(),
		now:     time.Now,
	}
}

func (e *Engine) publish(data events.EventData) {
	if e.bus != nil {
		e.bus.Publish(data)
	}
}

// Analyze runs the full valuation for one symbol: fetch required datasets,
// score quality, compute EPV and margin of safety, simulate the value
// distribution, and map to a recommendation. Missing required data fails
// with InsufficientData naming the dataset; nothing is fabricated.
func (e *Engine) Analyze(ctx context.Context, symbol domain.Symbol, opts Options) (*Result, error) {
	symbol = domain.NewSymbol(symbol.String())
	e.publish(&events.AnalysisStartedData{Symbol: symbol.String()})

	result, err := e.analyze(ctx, symbol, opts)
	if err != nil {
		e.publish(&events.AnalysisFailedData{Symbol: symbol.String(), Reason: err.Error()})
		return nil, err
	}

	e.publish(&events.AnalysisCompletedData{
		Symbol:         symbol.String(),
		EPVPerShare:    result.EPV.EPVPerShare,
		MarginOfSafety: result.MarginOfSafety,
		Recommendation: string(result.Recommendation),
	})
	return result, nil
}

func (e *Engine) analyze(ctx context.Context, symbol domain.Symbol, opts Options) (*Result, error) {
	pricePeriod := fmt.Sprintf("%dy", e.cfg.PriceHistoryYears)

	prices, err := e.fetcher.Fetch(ctx, symbol, domain.DatasetPriceSeries, pricePeriod)
	if err != nil {
		return nil, &domain.InsufficientDataError{Symbol: symbol, Missing: domain.DatasetPriceSeries, Reason: err.Error(), Err: err}
	}
	income, err := e.fetcher.Fetch(ctx, symbol, domain.DatasetIncomeStatement, "annual")
	if err != nil {
		return nil, &domain.InsufficientDataError{Symbol: symbol, Missing: domain.DatasetIncomeStatement, Reason: err.Error(), Err: err}
	}

	// The balance sheet improves the cost of capital and quality score but
	// its absence is not fatal; confidence reflects the gap.
	balance, err := e.fetcher.Fetch(ctx, symbol, domain.DatasetBalanceSheet, "annual")
	if err != nil {
		e.log.Warn().Str("symbol", symbol.String()).Err(err).Msg("Balance sheet unavailable, proceeding without")
		balance = nil
	}

	currentPrice, ok := prices.Latest(domain.FieldClose)
	if !ok || currentPrice <= 0 {
		return nil, &domain.InsufficientDataError{Symbol: symbol, Missing: domain.DatasetPriceSeries, Reason: "no usable closing price"}
	}

	quality := ScoreQuality(income, balance, e.cfg.QualityWeights)

	normalized, yearsUsed, err := NormalizedEarnings(income, e.cfg)
	if err != nil {
		return nil, err
	}

	costOfCapital := CostOfCapital(balance, quality, e.cfg)
	if costOfCapital <= 0 {
		return nil, &domain.InvalidInputError{Field: "cost_of_capital", Reason: fmt.Sprintf("non-positive: %f", costOfCapital)}
	}

	shares, err := SharesOutstanding(income, balance)
	if err != nil {
		return nil, &domain.InsufficientDataError{Symbol: symbol, Missing: domain.DatasetBalanceSheet, Reason: err.Error(), Err: err}
	}

	epvPerShare := normalized / costOfCapital / shares
	mos := (epvPerShare - currentPrice) / epvPerShare

	priceStats, err := ComputePriceStats(prices)
	if err != nil {
		e.log.Warn().Str("symbol", symbol.String()).Err(err).Msg("Price stats unavailable")
		priceStats = PriceStats{LastClose: currentPrice}
	}

	simTimer := utils.NewTimer("monte_carlo_simulation", e.log)
	risk, err := Simulate(ctx, normalized, costOfCapital, shares, e.cfg.MonteCarlo, opts.Seed)
	simTimer.Stop()
	if err != nil {
		return nil, err
	}

	result := &Result{
		Symbol: symbol,
		EPV: EPVResult{
			NormalizedEarnings: normalized,
			CostOfCapital:      costOfCapital,
			SharesOutstanding:  shares,
			EPVPerShare:        epvPerShare,
			GrowthScenarios:    GrowthScenarios(normalized, costOfCapital, shares),
			YearsUsed:          yearsUsed,
		},
		CurrentPrice:   currentPrice,
		MarginOfSafety: mos,
		Quality:        quality,
		Risk:           risk,
		PriceStats:     priceStats,
		Recommendation: Recommend(mos, quality.Score, e.cfg.Thresholds),
		Confidence:     e.confidence(yearsUsed, balance != nil, len(prices.Points)),
		PeerComparison: e.comparePeers(ctx, symbol, opts.Peers),
		ComputedAt:     e.now().UTC(),
	}

	e.log.Info().
		Str("symbol", symbol.String()).
		Float64("epv_per_share", epvPerShare).
		Float64("mos", mos).
		Float64("quality", quality.Score).
		Str("recommendation", string(result.Recommendation)).
		Msg("Analysis complete")

	return result, nil
}

// comparePeers benchmarks the symbol against its peer group. Explicit peers
// take precedence over the configured peer set. The comparison is advisory:
// any failure shrinks the group or drops the comparison entirely, never the
// analysis.
func (e *Engine) comparePeers(ctx context.Context, symbol domain.Symbol, explicit []domain.Symbol) *PeerComparison {
	peers := e.resolvePeers(ctx, symbol, explicit)
	if len(peers) == 0 {
		return nil
	}

	metrics := make([]PeerMetrics, 0, len(peers))
	for _, peer := range peers {
		m, err := e.peerMetrics(ctx, peer)
		if err != nil {
			e.log.Warn().Str("symbol", symbol.String()).Str("peer", peer.String()).Err(err).Msg("Skipping peer in comparison")
			continue
		}
		metrics = append(metrics, m)
	}
	if len(metrics) == 0 {
		return nil
	}
	return summarizePeerMetrics(metrics)
}

// resolvePeers normalizes the peer group and excludes the subject itself.
func (e *Engine) resolvePeers(ctx context.Context, symbol domain.Symbol, explicit []domain.Symbol) []domain.Symbol {
	raw := explicit
	if len(raw) == 0 {
		rec, err := e.fetcher.Fetch(ctx, symbol, domain.DatasetPeerSet, "")
		if err != nil {
			e.log.Debug().Str("symbol", symbol.String()).Err(err).Msg("No peer set available")
			return nil
		}
		raw = rec.Peers
	}

	peers := make([]domain.Symbol, 0, len(raw))
	for _, p := range raw {
		peer := domain.NewSymbol(p.String())
		if peer.IsZero() || peer == symbol {
			continue
		}
		peers = append(peers, peer)
	}
	return peers
}

// peerMetrics runs the EPV core for one peer. Like the main analysis, a
// missing balance sheet degrades the inputs; missing income data fails the
// peer.
func (e *Engine) peerMetrics(ctx context.Context, peer domain.Symbol) (PeerMetrics, error) {
	income, err := e.fetcher.Fetch(ctx, peer, domain.DatasetIncomeStatement, "annual")
	if err != nil {
		return PeerMetrics{}, err
	}
	balance, err := e.fetcher.Fetch(ctx, peer, domain.DatasetBalanceSheet, "annual")
	if err != nil {
		balance = nil
	}

	quality := ScoreQuality(income, balance, e.cfg.QualityWeights)
	normalized, _, err := NormalizedEarnings(income, e.cfg)
	if err != nil {
		return PeerMetrics{}, err
	}
	costOfCapital := CostOfCapital(balance, quality, e.cfg)
	shares, err := SharesOutstanding(income, balance)
	if err != nil {
		return PeerMetrics{}, err
	}

	return PeerMetrics{
		Symbol:             peer,
		EPVPerShare:        normalized / costOfCapital / shares,
		QualityScore:       quality.Score,
		NormalizedEarnings: normalized,
		CostOfCapital:      costOfCapital,
	}, nil
}

func summarizePeerMetrics(metrics []PeerMetrics) *PeerComparison {
	epvs := make([]float64, len(metrics))
	qualities := make([]float64, len(metrics))
	for i, m := range metrics {
		epvs[i] = m.EPVPerShare
		qualities[i] = m.QualityScore
	}

	sortedEPVs := append([]float64(nil), epvs...)
	sort.Float64s(sortedEPVs)
	sortedQualities := append([]float64(nil), qualities...)
	sort.Float64s(sortedQualities)

	return &PeerComparison{
		PeerCount:      len(metrics),
		Peers:          metrics,
		AvgPeerEPV:     stat.Mean(epvs, nil),
		MedianPeerEPV:  stat.Quantile(0.5, stat.Empirical, sortedEPVs, nil),
		AvgPeerQuality: stat.Mean(qualities, nil),
		EPVRange:       ValueRange{Min: sortedEPVs[0], Max: sortedEPVs[len(sortedEPVs)-1]},
		QualityRange:   ValueRange{Min: sortedQualities[0], Max: sortedQualities[len(sortedQualities)-1]},
	}
}

// confidence grades data coverage on a 0-1 scale. Thin earnings history,
// a missing balance sheet, and a short price series each cut it down.
func (e *Engine) confidence(yearsUsed int, hasBalance bool, pricePoints int) float64 {
	c := 1.0
	if !hasBalance {
		c -= 0.25
	}
	if yearsUsed < 5 {
		c -= 0.2
	}
	if yearsUsed < 3 {
		c -= 0.1
	}
	if pricePoints < 100 {
		c -= 0.15
	}
	if c < 0.1 {
		c = 0.1
	}
	return c
}

// BatchOutcome pairs a symbol with its analysis outcome.
type BatchOutcome struct {
	Symbol domain.Symbol `json:"symbol"`
	Result *Result       `json:"result,omitempty"`
	Err    string        `json:"error,omitempty"`
}

// AnalyzeBatch fans analyses out with bounded parallelism, publishing a
// progress event per symbol. Per-symbol failures are reported in the
// outcomes, never aborting the batch.
func (e *Engine) AnalyzeBatch(ctx context.Context, symbols []domain.Symbol, opts Options, concurrency int) ([]BatchOutcome, BatchStats) {
	if concurrency <= 0 {
		concurrency = 4
	}

	outcomes := make([]BatchOutcome, len(symbols))
	var completed int
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)

	for i, sym := range symbols {
		i, sym := i, sym
		eg.Go(func() error {
			res, err := e.Analyze(egCtx, sym, opts)
			outcome := BatchOutcome{Symbol: sym, Result: res}
			if err != nil {
				outcome.Err = err.Error()
			}
			outcomes[i] = outcome

			mu.Lock()
			completed++
			done := completed
			mu.Unlock()

			e.publish(&events.BatchProgressData{
				Completed: done,
				Total:     len(symbols),
				Symbol:    sym.String(),
				Failed:    err != nil,
			})
			return nil
		})
	}
	_ = eg.Wait()

	return outcomes, summarize(outcomes)
}

func summarize(outcomes []BatchOutcome) BatchStats {
	var stats BatchStats
	var mosSum float64
	for _, o := range outcomes {
		if o.Result == nil {
			stats.Failed++
			continue
		}
		stats.Analyzed++
		mosSum += o.Result.MarginOfSafety
		switch o.Result.Recommendation {
		case RecommendBuy:
			stats.BuyCount++
		case RecommendSell:
			stats.SellCount++
		default:
			stats.HoldCount++
		}
	}
	if stats.Analyzed > 0 {
		stats.AvgMOS = mosSum / float64(stats.Analyzed)
	}
	return stats
}
