package valuation

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/epvlab/epv/internal/config"
	"github.com/epvlab/epv/internal/domain"
)

// Simulate runs the Monte Carlo valuation distribution: each trial perturbs
// the discount rate and normalized earnings with independent normal shocks
// and reprices. Trials are partitioned into fixed per-worker blocks with
// deterministic sub-seeds, so the same seed yields the same distribution on
// any machine regardless of scheduling.
//
// A nil seed draws one from entropy; the seed actually used is reported in
// the summary either way.
func Simulate(ctx context.Context, baseEarnings, costOfCapital, shares float64,
	cfg config.MonteCarloConfig, seed *int64) (RiskSummary, error) {

	if costOfCapital <= 0 {
		return RiskSummary{}, &domain.InvalidInputError{Field: "cost_of_capital", Reason: "must be positive"}
	}
	if shares <= 0 {
		return RiskSummary{}, &domain.InvalidInputError{Field: "shares_outstanding", Reason: "must be positive"}
	}
	if cfg.Trials <= 0 || cfg.Workers <= 0 {
		return RiskSummary{}, &domain.InvalidInputError{Field: "monte_carlo", Reason: "trials and workers must be positive"}
	}

	usedSeed := time.Now().UnixNano()
	if seed != nil {
		usedSeed = *seed
	}

	values := make([]float64, cfg.Trials)
	perWorker := cfg.Trials / cfg.Workers

	eg, egCtx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		start := w * perWorker
		end := start + perWorker
		if w == cfg.Workers-1 {
			end = cfg.Trials
		}
		subSeed := usedSeed + int64(w)

		eg.Go(func() error {
			rng := rand.New(rand.NewSource(subSeed))
			for i := start; i < end; i++ {
				if i%1024 == 0 && egCtx.Err() != nil {
					return egCtx.Err()
				}
				earnings := baseEarnings * (1 + rng.NormFloat64()*cfg.EarningsSigma)
				rate := costOfCapital + rng.NormFloat64()*cfg.DiscountRateSigma
				if rate < 0.01 {
					rate = 0.01
				}
				values[i] = earnings / rate / shares
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return RiskSummary{}, err
	}

	base := baseEarnings / costOfCapital / shares
	var losses, upsides int
	for _, v := range values {
		if v < base*0.8 {
			losses++
		}
		if v > base*1.2 {
			upsides++
		}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	return RiskSummary{
		Trials:     cfg.Trials,
		Seed:       usedSeed,
		Mean:       stat.Mean(values, nil),
		StdDev:     stat.StdDev(values, nil),
		P5:         stat.Quantile(0.05, stat.Empirical, sorted, nil),
		P50:        stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P95:        stat.Quantile(0.95, stat.Empirical, sorted, nil),
		ProbLoss:   float64(losses) / float64(cfg.Trials),
		ProbUpside: float64(upsides) / float64(cfg.Trials),
	}, nil
}
