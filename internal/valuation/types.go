// Package valuation implements the earnings-power-value engine: normalized
// earnings, cost of capital, quality scoring, Monte Carlo risk, and the
// recommendation mapping. It consumes only normalized records from the
// gateway and never talks to providers directly.
package valuation

import (
	"time"

	"github.com/epvlab/epv/internal/domain"
)

// Recommendation is the terminal verdict of an analysis.
type Recommendation string

const (
	RecommendBuy  Recommendation = "BUY"
	RecommendHold Recommendation = "HOLD"
	RecommendSell Recommendation = "SELL"
)

// GrowthScenario is one row of the Gordon-growth sensitivity table. EPV
// itself assumes zero growth; the table shows what modest growth would add.
type GrowthScenario struct {
	GrowthRate    float64 `json:"growth_rate"`
	ValuePerShare float64 `json:"value_per_share"`
}

// EPVResult carries the valuation core and its inputs, in currency units.
type EPVResult struct {
	NormalizedEarnings float64          `json:"normalized_earnings"`
	CostOfCapital      float64          `json:"cost_of_capital"`
	SharesOutstanding  float64          `json:"shares_outstanding"`
	EPVPerShare        float64          `json:"epv_per_share"`
	GrowthScenarios    []GrowthScenario `json:"growth_scenarios"`
	YearsUsed          int              `json:"years_used"`
}

// QualityScore is the 0-10 composite over the published sub-scores. The
// component names and weights are part of the API contract.
type QualityScore struct {
	Score          float64            `json:"score"`
	Components     map[string]float64 `json:"components"`
	Interpretation string             `json:"interpretation"`
	Notes          []string           `json:"notes,omitempty"`
}

// Sub-score component names.
const (
	ComponentProfitabilityStability = "profitability_stability"
	ComponentLeverage               = "leverage"
	ComponentMarginTrend            = "margin_trend"
	ComponentReturnsOnCapitalTrend  = "returns_on_capital_trend"
)

// RiskSummary condenses the Monte Carlo value distribution. All values are
// per-share, same units as EPVPerShare.
type RiskSummary struct {
	Trials        int     `json:"trials"`
	Seed          int64   `json:"seed"`
	Mean          float64 `json:"mean"`
	StdDev        float64 `json:"std_dev"`
	P5            float64 `json:"p5"`
	P50           float64 `json:"p50"`
	P95           float64 `json:"p95"`
	ProbLoss      float64 `json:"prob_loss"`      // P(value < 0.8 x base)
	ProbUpside    float64 `json:"prob_upside"`    // P(value > 1.2 x base)
}

// PriceStats summarizes the historical price series: trend relative to a
// moving average plus return-based risk metrics.
type PriceStats struct {
	LastClose            float64 `json:"last_close"`
	SMA                  float64 `json:"sma"`
	Trend                string  `json:"trend"` // "up", "down", "flat"
	AnnualizedVolatility float64 `json:"annualized_volatility"`
	VaR99                float64 `json:"var_99"` // 1st percentile daily return
	Sharpe               float64 `json:"sharpe"` // daily, zero risk-free
}

// PeerMetrics is the valuation core for one peer of the analyzed symbol.
// Peers get no Monte Carlo pass and no price-relative figures; the point is
// the EPV and quality benchmark, not a full analysis.
type PeerMetrics struct {
	Symbol             domain.Symbol `json:"symbol"`
	EPVPerShare        float64       `json:"epv_per_share"`
	QualityScore       float64       `json:"quality_score"`
	NormalizedEarnings float64       `json:"normalized_earnings"`
	CostOfCapital      float64       `json:"cost_of_capital"`
}

// ValueRange is an observed min-max span across the peer group.
type ValueRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// PeerComparison summarizes how the peer group values. Peers that could not
// be analyzed are excluded from the count and the aggregates.
type PeerComparison struct {
	PeerCount      int           `json:"peer_count"`
	Peers          []PeerMetrics `json:"peers"`
	AvgPeerEPV     float64       `json:"avg_peer_epv"`
	MedianPeerEPV  float64       `json:"median_peer_epv"`
	AvgPeerQuality float64       `json:"avg_peer_quality"`
	EPVRange       ValueRange    `json:"epv_range"`
	QualityRange   ValueRange    `json:"quality_range"`
}

// Result is one immutable analysis outcome. A new analysis always produces a
// new Result.
type Result struct {
	Symbol         domain.Symbol   `json:"symbol"`
	EPV            EPVResult       `json:"epv"`
	CurrentPrice   float64         `json:"current_price"`
	MarginOfSafety float64         `json:"margin_of_safety"` // fraction, (EPV - price) / EPV
	Quality        QualityScore    `json:"quality"`
	Risk           RiskSummary     `json:"risk"`
	PriceStats     PriceStats      `json:"price_stats"`
	Recommendation Recommendation  `json:"recommendation"`
	Confidence     float64         `json:"confidence"` // 0-1, from data coverage
	PeerComparison *PeerComparison `json:"peer_comparison,omitempty"`
	ComputedAt     time.Time       `json:"computed_at"`
}

// BatchStats aggregates a batch analysis run.
type BatchStats struct {
	Analyzed  int     `json:"analyzed"`
	Failed    int     `json:"failed"`
	AvgMOS    float64 `json:"avg_mos"`
	BuyCount  int     `json:"buy_count"`
	HoldCount int     `json:"hold_count"`
	SellCount int     `json:"sell_count"`
}
