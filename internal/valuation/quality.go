package valuation

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/epvlab/epv/internal/config"
	"github.com/epvlab/epv/internal/domain"
)

// neutralScore is used when a sub-score's inputs are missing: neither reward
// nor penalty.
const neutralScore = 5.0

// ScoreQuality computes the 0-10 composite over the four published
// sub-scores. Weights come from configuration and are validated to sum to
// 1.0 at load time.
func ScoreQuality(income, balance *domain.NormalizedRecord, weights config.QualityWeights) QualityScore {
	components := map[string]float64{
		ComponentProfitabilityStability: scoreProfitabilityStability(income),
		ComponentLeverage:               scoreLeverage(balance),
		ComponentMarginTrend:            scoreMarginTrend(income),
		ComponentReturnsOnCapitalTrend:  scoreReturnsOnCapitalTrend(income, balance),
	}

	score := weights.ProfitabilityStability*components[ComponentProfitabilityStability] +
		weights.Leverage*components[ComponentLeverage] +
		weights.MarginTrend*components[ComponentMarginTrend] +
		weights.ReturnsOnCapitalTrend*components[ComponentReturnsOnCapitalTrend]

	return QualityScore{
		Score:          score,
		Components:     components,
		Interpretation: interpretQuality(score),
		Notes:          qualityNotes(components),
	}
}

// scoreProfitabilityStability rewards a low coefficient of variation in net
// income. A loss-making average scores zero.
func scoreProfitabilityStability(income *domain.NormalizedRecord) float64 {
	if income == nil {
		return neutralScore
	}
	earnings := income.Series(domain.FieldNetIncome)
	if len(earnings) < 3 {
		return neutralScore
	}

	mean := stat.Mean(earnings, nil)
	if mean <= 0 {
		return 0
	}
	cv := stat.StdDev(earnings, nil) / mean
	return clamp01(1-cv) * 10
}

// scoreLeverage rewards low debt-to-equity. D/E of 2 or more scores zero;
// a missing balance sheet is treated as modestly low debt rather than
// unknown, matching how lenders read absent long-term debt lines.
func scoreLeverage(balance *domain.NormalizedRecord) float64 {
	if balance == nil {
		return neutralScore
	}
	debt, hasDebt := balance.Latest(domain.FieldLongTermDebt)
	equity, hasEquity := balance.Latest(domain.FieldTotalEquity)
	if !hasEquity || equity <= 0 {
		return neutralScore
	}
	if !hasDebt {
		return 8
	}
	de := debt / equity
	return clamp01(1-math.Min(1, de/2)) * 10
}

// scoreMarginTrend scores the direction of the operating margin over the
// window: improving margins score above neutral, eroding ones below.
func scoreMarginTrend(income *domain.NormalizedRecord) float64 {
	if income == nil {
		return neutralScore
	}
	var margins []float64
	for _, p := range income.Points {
		oi, okOI := p.Get(domain.FieldOperatingIncome)
		rev, okRev := p.Get(domain.FieldRevenue)
		if okOI && okRev && rev > 0 {
			margins = append(margins, oi/rev)
		}
	}
	return trendScore(margins)
}

// scoreReturnsOnCapitalTrend scores the direction of return on equity,
// pairing net income and equity by fiscal year.
func scoreReturnsOnCapitalTrend(income, balance *domain.NormalizedRecord) float64 {
	if income == nil || balance == nil {
		return neutralScore
	}

	equityByYear := make(map[int]float64)
	for _, p := range balance.Points {
		if eq, ok := p.Get(domain.FieldTotalEquity); ok && eq > 0 {
			equityByYear[p.Timestamp.Year()] = eq
		}
	}

	var roes []float64
	for _, p := range income.Points {
		ni, ok := p.Get(domain.FieldNetIncome)
		if !ok {
			continue
		}
		if eq, ok := equityByYear[p.Timestamp.Year()]; ok {
			roes = append(roes, ni/eq)
		}
	}
	return trendScore(roes)
}

// trendScore maps the slope of a ratio series onto 0-10 around a neutral 5.
// The slope is normalized by the series' mean magnitude so a 1% margin
// business and a 40% margin business are judged on relative movement.
func trendScore(series []float64) float64 {
	if len(series) < 3 {
		return neutralScore
	}

	xs := make([]float64, len(series))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, series, nil, false)

	meanMag := math.Abs(stat.Mean(series, nil))
	if meanMag == 0 {
		return neutralScore
	}
	relative := slope / meanMag
	return clamp01(0.5+relative*2) * 10
}

func interpretQuality(score float64) string {
	switch {
	case score >= 8:
		return "Excellent quality - very predictable earnings, strong competitive position"
	case score >= 6:
		return "Good quality - reasonably stable business with solid fundamentals"
	case score >= 4:
		return "Average quality - some concerns about consistency or competitive position"
	default:
		return "Poor quality - significant risks to earnings sustainability"
	}
}

// qualityNotes flags weak components so a caller sees what drags the score.
func qualityNotes(components map[string]float64) []string {
	var notes []string
	if components[ComponentProfitabilityStability] < 5 {
		notes = append(notes, "volatile earnings: check whether cyclical factors explain the variation")
	}
	if components[ComponentLeverage] < 5 {
		notes = append(notes, "high leverage: assess debt sustainability and refinancing risk")
	}
	if components[ComponentMarginTrend] < 5 {
		notes = append(notes, "eroding operating margins: investigate pricing power and cost structure")
	}
	if components[ComponentReturnsOnCapitalTrend] < 5 {
		notes = append(notes, "declining returns on capital: investigate capital allocation efficiency")
	}
	return notes
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
