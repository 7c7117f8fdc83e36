package valuation

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/epvlab/epv/internal/config"
	"github.com/epvlab/epv/internal/domain"
)

// yearly is one fiscal year of income-statement inputs, newest first after
// sorting.
type yearly struct {
	netIncome       float64
	hasNetIncome    bool
	operatingIncome float64
	hasOperating    bool
	revenue         float64
	hasRevenue      bool
}

// earningsWindow extracts up to lookback years from an income-statement
// record, newest first, applying the one-time-item exclusion.
func earningsWindow(income *domain.NormalizedRecord, cfg config.AnalysisConfig) []yearly {
	points := income.Points
	if n := cfg.EarningsLookbackYears; n > 0 && len(points) > n {
		points = points[len(points)-n:]
	}

	out := make([]yearly, 0, len(points))
	for i := len(points) - 1; i >= 0; i-- {
		p := points[i]
		var y yearly
		if ni, ok := p.Get(domain.FieldNetIncome); ok {
			y.netIncome, y.hasNetIncome = ni, true
			if cfg.ExcludeOneTimeItems {
				if oti, ok := p.Get(domain.FieldOneTimeItems); ok {
					y.netIncome -= oti
				}
			}
		}
		if oi, ok := p.Get(domain.FieldOperatingIncome); ok {
			y.operatingIncome, y.hasOperating = oi, true
		}
		if rev, ok := p.Get(domain.FieldRevenue); ok {
			y.revenue, y.hasRevenue = rev, true
		}
		out = append(out, y)
	}
	return out
}

// NormalizedEarnings blends four estimates of sustainable earnings: simple
// average, recency-weighted average, median, and an operating-income view.
// Operating income dominates when available because it is the more stable
// base; the conservatism factor haircuts the blend.
func NormalizedEarnings(income *domain.NormalizedRecord, cfg config.AnalysisConfig) (float64, int, error) {
	window := earningsWindow(income, cfg)

	var netIncomes, opIncomes []float64
	for _, y := range window {
		if y.hasNetIncome {
			netIncomes = append(netIncomes, y.netIncome)
		}
		if y.hasOperating {
			opIncomes = append(opIncomes, y.operatingIncome)
		}
	}
	if len(netIncomes) == 0 {
		return 0, 0, &domain.InsufficientDataError{
			Symbol: income.Symbol, Missing: domain.DatasetIncomeStatement,
			Reason: "no usable net income in window",
		}
	}

	avg := stat.Mean(netIncomes, nil)

	weighted := avg
	if len(netIncomes) >= 3 {
		// Linear weights from 1.0 (most recent) down to 0.5 (oldest).
		weights := make([]float64, len(netIncomes))
		step := 0.5 / float64(len(netIncomes)-1)
		for i := range weights {
			weights[i] = 1.0 - step*float64(i)
		}
		weighted = stat.Mean(netIncomes, weights)
	}

	sorted := append([]float64(nil), netIncomes...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	var normalized float64
	if len(opIncomes) > 0 {
		if avgOp := stat.Mean(opIncomes, nil); avgOp > 0 {
			normalized = 0.6*avgOp*0.7 + 0.4*weighted
		} else {
			normalized = 0.6*weighted + 0.4*median
		}
	} else {
		normalized = 0.6*weighted + 0.4*median
	}

	normalized *= cfg.ConservatismFactor

	if normalized <= 0 {
		// EPV does not apply to loss-makers; fall back to a heavily
		// discounted simple average before giving up.
		normalized = maxFloat(avg, 0) * 0.5
		if normalized <= 0 {
			return 0, 0, &domain.InsufficientDataError{
				Symbol: income.Symbol, Missing: domain.DatasetIncomeStatement,
				Reason: "normalized earnings non-positive",
			}
		}
	}

	return normalized, len(netIncomes), nil
}

// CostOfCapital approximates WACC: a CAPM base adjusted for quality, blended
// with after-tax cost of debt when the balance sheet reports leverage.
// Floored at 6% with debt data, 8% equity-only.
func CostOfCapital(balance *domain.NormalizedRecord, quality QualityScore, cfg config.AnalysisConfig) float64 {
	base := cfg.RiskFreeRate + cfg.MarketRiskPremium

	var adjustment float64
	switch {
	case quality.Score > 7:
		adjustment = -0.01
	case quality.Score < 3:
		adjustment = 0.03
	default:
		adjustment = 0.01
	}
	costOfEquity := base + adjustment

	if balance != nil {
		debt, hasDebt := balance.Latest(domain.FieldLongTermDebt)
		equity, hasEquity := balance.Latest(domain.FieldTotalEquity)
		if hasDebt && hasEquity && debt+equity > 0 {
			costOfDebt := cfg.RiskFreeRate + 0.02
			const taxRate = 0.25
			total := debt + equity
			wacc := (equity/total)*costOfEquity + (debt/total)*costOfDebt*(1-taxRate)
			return maxFloat(wacc, 0.06)
		}
	}

	return maxFloat(costOfEquity, 0.08)
}

// SharesOutstanding resolves the share count: the latest reported value from
// the balance sheet, else derived from net income and EPS. No silent default.
func SharesOutstanding(income, balance *domain.NormalizedRecord) (float64, error) {
	if balance != nil {
		if shares, ok := balance.Latest(domain.FieldSharesOutstanding); ok && shares > 0 {
			return shares, nil
		}
	}
	if income != nil {
		if shares, ok := income.Latest(domain.FieldSharesOutstanding); ok && shares > 0 {
			return shares, nil
		}
		// Derive from the same fiscal year so the ratio is coherent.
		for i := len(income.Points) - 1; i >= 0; i-- {
			p := income.Points[i]
			eps, okEPS := p.Get(domain.FieldEPS)
			ni, okNI := p.Get(domain.FieldNetIncome)
			if okEPS && okNI && eps != 0 {
				return ni / eps, nil
			}
		}
	}
	return 0, fmt.Errorf("shares outstanding unavailable")
}

// GrowthScenarios builds the Gordon-growth sensitivity table. Rates at or
// above the cost of capital are omitted since the model diverges there.
func GrowthScenarios(normalizedEarnings, costOfCapital, shares float64) []GrowthScenario {
	scenarios := []GrowthScenario{
		{GrowthRate: 0, ValuePerShare: normalizedEarnings / costOfCapital / shares},
	}
	for _, g := range []float64{0.01, 0.02, 0.03, 0.05} {
		if g < costOfCapital {
			scenarios = append(scenarios, GrowthScenario{
				GrowthRate:    g,
				ValuePerShare: normalizedEarnings * (1 + g) / (costOfCapital - g) / shares,
			})
		}
	}
	return scenarios
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
