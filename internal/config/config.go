// Package config provides configuration management functionality.
// Everything is loaded from environment variables (optionally via a .env
// file) so the core components can be constructed explicitly with fresh
// state in tests.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/epvlab/epv/internal/domain"
	"github.com/epvlab/epv/internal/utils"
)

// Provider identifiers used in rate-limit and preference-order configuration.
const (
	ProviderYahoo        = "yahoo"
	ProviderAlphaVantage = "alphavantage"
	ProviderFRED         = "fred"
)

// BucketConfig describes one provider's token bucket, derived from the
// provider's documented quota.
type BucketConfig struct {
	Capacity        int     // burst capacity C
	RefillPerSecond float64 // refill rate R tokens/second
}

// CacheConfig holds the cache tier configuration.
type CacheConfig struct {
	MaxBytes     int64
	DefaultTTL   time.Duration
	TTLByDataset map[domain.Dataset]time.Duration
	// PersistPath is the sqlite database backing the persistent tier.
	// Empty disables persistence (memory-only cache).
	PersistPath string
}

// TTL returns the configured TTL for a dataset kind, falling back to the
// default. Intraday price data gets a much shorter TTL than annual
// statements.
func (c CacheConfig) TTL(ds domain.Dataset) time.Duration {
	if ttl, ok := c.TTLByDataset[ds]; ok {
		return ttl
	}
	return c.DefaultTTL
}

// GatewayConfig holds fetch-orchestration settings.
type GatewayConfig struct {
	// Order lists providers in preference order per dataset kind.
	Order map[domain.Dataset][]string
	// AdmitWait bounds how long a fetch waits on one provider's quota
	// before skipping to the next provider.
	AdmitWait time.Duration
}

// MonteCarloConfig parameterizes the risk simulation.
type MonteCarloConfig struct {
	Trials            int
	DiscountRateSigma float64
	EarningsSigma     float64
	// Workers is fixed (not NumCPU-derived) so a seeded run produces
	// identical trial partitioning on any machine.
	Workers int
}

// QualityWeights are the published weights of the quality-score composite.
// They must sum to 1.0; Validate enforces it.
type QualityWeights struct {
	ProfitabilityStability float64
	Leverage               float64
	MarginTrend            float64
	ReturnsOnCapitalTrend  float64
}

// Sum returns the total weight.
func (w QualityWeights) Sum() float64 {
	return w.ProfitabilityStability + w.Leverage + w.MarginTrend + w.ReturnsOnCapitalTrend
}

// Thresholds define the deterministic recommendation mapping over
// margin-of-safety and quality bands.
type Thresholds struct {
	BuyMOS      float64 // BUY requires MOS strictly above this
	BuyQuality  float64 // ... and quality at or above this
	SellMOS     float64 // SELL requires MOS strictly below this
	SellQuality float64 // ... and quality strictly below this
}

// AnalysisConfig holds the valuation engine parameters. The averaging window
// and adjustment rules are explicit configuration, not hidden constants.
type AnalysisConfig struct {
	RiskFreeRate          float64
	MarketRiskPremium     float64
	EarningsLookbackYears int
	ExcludeOneTimeItems   bool
	ConservatismFactor    float64
	PriceHistoryYears     int
	QualityWeights        QualityWeights
	Thresholds            Thresholds
	MonteCarlo            MonteCarloConfig
}

// BackupConfig holds offsite backup settings for the persistent cache store.
type BackupConfig struct {
	Enabled       bool
	Endpoint      string // S3-compatible endpoint URL
	Bucket        string
	AccessKey     string
	SecretKey     string
	RetentionDays int
}

// Config holds application configuration.
type Config struct {
	DataDir  string
	Port     int
	LogLevel string
	DevMode  bool

	AlphaVantageAPIKey string
	FREDAPIKey         string

	// PeerSets maps a symbol to its configured peer group, serving the
	// peer-set dataset without a dedicated provider API.
	PeerSets map[domain.Symbol][]domain.Symbol

	Cache      CacheConfig
	RateLimits map[string]BucketConfig
	Gateway    GatewayConfig
	Analysis   AnalysisConfig
	Backup     BackupConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("EPV_DATA_DIR", "data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("EPV_PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		AlphaVantageAPIKey: getEnv("ALPHA_VANTAGE_API_KEY", ""),
		FREDAPIKey:         getEnv("FRED_API_KEY", ""),

		PeerSets: parsePeerSets(getEnv("EPV_PEER_SETS", "")),

		Cache: CacheConfig{
			MaxBytes:   getEnvAsInt64("EPV_CACHE_MAX_BYTES", 256*1024*1024),
			DefaultTTL: getEnvAsDuration("EPV_CACHE_DEFAULT_TTL", 24*time.Hour),
			TTLByDataset: map[domain.Dataset]time.Duration{
				domain.DatasetPriceSeries:     getEnvAsDuration("EPV_CACHE_TTL_PRICES", 1*time.Hour),
				domain.DatasetIncomeStatement: getEnvAsDuration("EPV_CACHE_TTL_FUNDAMENTALS", 7*24*time.Hour),
				domain.DatasetBalanceSheet:    getEnvAsDuration("EPV_CACHE_TTL_FUNDAMENTALS", 7*24*time.Hour),
				domain.DatasetMacroIndicator:  getEnvAsDuration("EPV_CACHE_TTL_MACRO", 24*time.Hour),
				domain.DatasetPeerSet:         getEnvAsDuration("EPV_CACHE_TTL_PEERS", 7*24*time.Hour),
			},
			PersistPath: filepath.Join(absDataDir, "cache.db"),
		},

		// Buckets sized from documented quotas: Alpha Vantage free tier
		// allows 25 requests/day (~5/min burst), FRED 120/min, Yahoo has
		// no published quota so we stay conservative.
		RateLimits: map[string]BucketConfig{
			ProviderYahoo:        {Capacity: getEnvAsInt("EPV_RL_YAHOO_CAPACITY", 10), RefillPerSecond: getEnvAsFloat("EPV_RL_YAHOO_REFILL", 2.0)},
			ProviderAlphaVantage: {Capacity: getEnvAsInt("EPV_RL_AV_CAPACITY", 5), RefillPerSecond: getEnvAsFloat("EPV_RL_AV_REFILL", 0.1)},
			ProviderFRED:         {Capacity: getEnvAsInt("EPV_RL_FRED_CAPACITY", 20), RefillPerSecond: getEnvAsFloat("EPV_RL_FRED_REFILL", 2.0)},
		},

		Gateway: GatewayConfig{
			Order: map[domain.Dataset][]string{
				domain.DatasetPriceSeries:     utils.ParseCSV(getEnv("EPV_ORDER_PRICES", "yahoo,alphavantage")),
				domain.DatasetIncomeStatement: utils.ParseCSV(getEnv("EPV_ORDER_FUNDAMENTALS", "alphavantage,yahoo")),
				domain.DatasetBalanceSheet:    utils.ParseCSV(getEnv("EPV_ORDER_FUNDAMENTALS", "alphavantage,yahoo")),
				domain.DatasetMacroIndicator:  utils.ParseCSV(getEnv("EPV_ORDER_MACRO", "fred")),
				domain.DatasetPeerSet:         utils.ParseCSV(getEnv("EPV_ORDER_PEERS", "static")),
			},
			AdmitWait: getEnvAsDuration("EPV_ADMIT_WAIT", 2*time.Second),
		},

		Analysis: AnalysisConfig{
			RiskFreeRate:          getEnvAsFloat("EPV_RISK_FREE_RATE", 0.04),
			MarketRiskPremium:     getEnvAsFloat("EPV_MARKET_RISK_PREMIUM", 0.06),
			EarningsLookbackYears: getEnvAsInt("EPV_EARNINGS_LOOKBACK_YEARS", 10),
			ExcludeOneTimeItems:   getEnvAsBool("EPV_EXCLUDE_ONE_TIME_ITEMS", true),
			ConservatismFactor:    getEnvAsFloat("EPV_CONSERVATISM_FACTOR", 0.9),
			PriceHistoryYears:     getEnvAsInt("EPV_PRICE_HISTORY_YEARS", 5),
			QualityWeights: QualityWeights{
				ProfitabilityStability: getEnvAsFloat("EPV_QW_STABILITY", 0.35),
				Leverage:               getEnvAsFloat("EPV_QW_LEVERAGE", 0.20),
				MarginTrend:            getEnvAsFloat("EPV_QW_MARGIN_TREND", 0.20),
				ReturnsOnCapitalTrend:  getEnvAsFloat("EPV_QW_ROC_TREND", 0.25),
			},
			Thresholds: Thresholds{
				BuyMOS:      getEnvAsFloat("EPV_BUY_MOS", 0.30),
				BuyQuality:  getEnvAsFloat("EPV_BUY_QUALITY", 7.0),
				SellMOS:     getEnvAsFloat("EPV_SELL_MOS", 0.0),
				SellQuality: getEnvAsFloat("EPV_SELL_QUALITY", 5.0),
			},
			MonteCarlo: MonteCarloConfig{
				Trials:            getEnvAsInt("EPV_MC_TRIALS", 5000),
				DiscountRateSigma: getEnvAsFloat("EPV_MC_DISCOUNT_SIGMA", 0.01),
				EarningsSigma:     getEnvAsFloat("EPV_MC_EARNINGS_SIGMA", 0.10),
				Workers:           getEnvAsInt("EPV_MC_WORKERS", 4),
			},
		},

		Backup: BackupConfig{
			Enabled:       getEnvAsBool("EPV_BACKUP_ENABLED", false),
			Endpoint:      getEnv("EPV_BACKUP_ENDPOINT", ""),
			Bucket:        getEnv("EPV_BACKUP_BUCKET", ""),
			AccessKey:     getEnv("EPV_BACKUP_ACCESS_KEY", ""),
			SecretKey:     getEnv("EPV_BACKUP_SECRET_KEY", ""),
			RetentionDays: getEnvAsInt("EPV_BACKUP_RETENTION_DAYS", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints that env parsing cannot.
func (c *Config) Validate() error {
	if sum := c.Analysis.QualityWeights.Sum(); sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("quality weights must sum to 1.0, got %.4f", sum)
	}
	if c.Analysis.MonteCarlo.Trials <= 0 {
		return fmt.Errorf("monte carlo trial count must be positive, got %d", c.Analysis.MonteCarlo.Trials)
	}
	if c.Analysis.MonteCarlo.Workers <= 0 {
		return fmt.Errorf("monte carlo worker count must be positive, got %d", c.Analysis.MonteCarlo.Workers)
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache size cap must be positive, got %d", c.Cache.MaxBytes)
	}
	if c.Backup.Enabled && (c.Backup.Bucket == "" || c.Backup.Endpoint == "") {
		return fmt.Errorf("backup enabled but endpoint/bucket not configured")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parsePeerSets parses "AAPL:MSFT|GOOG;XOM:CVX" into peer groups.
func parsePeerSets(raw string) map[domain.Symbol][]domain.Symbol {
	out := make(map[domain.Symbol][]domain.Symbol)
	if raw == "" {
		return out
	}
	for _, group := range strings.Split(raw, ";") {
		head, tail, found := strings.Cut(group, ":")
		if !found {
			continue
		}
		sym := domain.NewSymbol(head)
		if sym.IsZero() {
			continue
		}
		var peers []domain.Symbol
		for _, p := range strings.Split(tail, "|") {
			if peer := domain.NewSymbol(p); !peer.IsZero() {
				peers = append(peers, peer)
			}
		}
		out[sym] = peers
	}
	return out
}
