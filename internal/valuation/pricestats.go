package valuation

import (
	"math"
	"sort"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/epvlab/epv/internal/domain"
)

const smaWindow = 50

// tradingDaysPerYear annualizes daily volatility.
const tradingDaysPerYear = 252

// ComputePriceStats derives trend and risk metrics from the close series.
// The trend compares the last close against its moving average; the risk
// metrics come from daily returns. Absent closes are skipped, never
// zero-filled.
func ComputePriceStats(prices *domain.NormalizedRecord) (PriceStats, error) {
	closes := prices.Series(domain.FieldClose)
	if len(closes) < 2 {
		return PriceStats{}, &domain.InsufficientDataError{
			Symbol: prices.Symbol, Missing: domain.DatasetPriceSeries,
			Reason: "need at least two closes for returns",
		}
	}

	last := closes[len(closes)-1]

	window := smaWindow
	if window > len(closes) {
		window = len(closes)
	}
	smaSeries := talib.Sma(closes, window)
	sma := smaSeries[len(smaSeries)-1]

	trend := "flat"
	switch {
	case sma > 0 && last > sma*1.02:
		trend = "up"
	case sma > 0 && last < sma*0.98:
		trend = "down"
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
		}
	}
	if len(returns) == 0 {
		return PriceStats{}, &domain.InsufficientDataError{
			Symbol: prices.Symbol, Missing: domain.DatasetPriceSeries,
			Reason: "no computable returns",
		}
	}

	mean := stat.Mean(returns, nil)
	var std float64
	if len(returns) > 1 {
		std = stat.StdDev(returns, nil)
	}

	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	var99 := stat.Quantile(0.01, stat.Empirical, sorted, nil)

	var sharpe float64
	if std != 0 {
		sharpe = mean / std
	}

	return PriceStats{
		LastClose:            last,
		SMA:                  sma,
		Trend:                trend,
		AnnualizedVolatility: std * math.Sqrt(tradingDaysPerYear),
		VaR99:                var99,
		Sharpe:               sharpe,
	}, nil
}
