package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epvlab/epv/internal/cache"
	"github.com/epvlab/epv/internal/config"
	"github.com/epvlab/epv/internal/domain"
	"github.com/epvlab/epv/internal/events"
	"github.com/epvlab/epv/internal/providers"
	"github.com/epvlab/epv/internal/ratelimit"
)

// fakeProvider is a scriptable in-memory provider.
type fakeProvider struct {
	name     string
	supports map[domain.Dataset]bool
	calls    atomic.Int64
	fetch    func(ctx context.Context, symbol domain.Symbol, dataset domain.Dataset, period string) (*domain.NormalizedRecord, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Supports(ds domain.Dataset) bool {
	if f.supports == nil {
		return true
	}
	return f.supports[ds]
}

func (f *fakeProvider) Fetch(ctx context.Context, symbol domain.Symbol, dataset domain.Dataset, period string) (*domain.NormalizedRecord, error) {
	f.calls.Add(1)
	return f.fetch(ctx, symbol, dataset, period)
}

func okRecord(provider string, symbol domain.Symbol) *domain.NormalizedRecord {
	return &domain.NormalizedRecord{
		Symbol:    symbol,
		Dataset:   domain.DatasetPriceSeries,
		Period:    "5y",
		Provider:  provider,
		FetchedAt: time.Now().UTC(),
		Points: []domain.Point{
			{Timestamp: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), Fields: map[string]*float64{domain.FieldClose: domain.Float(100)}},
			{Timestamp: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC), Fields: map[string]*float64{domain.FieldClose: domain.Float(101)}},
		},
	}
}

func testCacheCfg() config.CacheConfig {
	return config.CacheConfig{
		MaxBytes:   1 << 20,
		DefaultTTL: time.Hour,
	}
}

func newTestGateway(reg providers.Registry, order []string, cacheCfg config.CacheConfig) *Gateway {
	tiered := cache.NewTiered(cache.NewMemory(cacheCfg.MaxBytes, zerolog.Nop()), nil, zerolog.Nop())
	limiter := ratelimit.New(map[string]ratelimit.BucketConfig{
		"primary":   {Capacity: 100, RefillPerSecond: 100},
		"secondary": {Capacity: 100, RefillPerSecond: 100},
	}, zerolog.Nop())
	return New(reg, tiered, limiter,
		config.GatewayConfig{
			Order:     map[domain.Dataset][]string{domain.DatasetPriceSeries: order},
			AdmitWait: 50 * time.Millisecond,
		},
		cacheCfg, nil, zerolog.Nop())
}

func TestFetch_PreferredProviderServes(t *testing.T) {
	primary := &fakeProvider{name: "primary", fetch: func(_ context.Context, s domain.Symbol, _ domain.Dataset, _ string) (*domain.NormalizedRecord, error) {
		return okRecord("primary", s), nil
	}}
	secondary := &fakeProvider{name: "secondary", fetch: func(_ context.Context, s domain.Symbol, _ domain.Dataset, _ string) (*domain.NormalizedRecord, error) {
		return okRecord("secondary", s), nil
	}}
	g := newTestGateway(providers.Registry{"primary": primary, "secondary": secondary},
		[]string{"primary", "secondary"}, testCacheCfg())

	rec, err := g.Fetch(context.Background(), "AAPL", domain.DatasetPriceSeries, "5y")
	require.NoError(t, err)
	assert.Equal(t, "primary", rec.Provider)
	assert.Equal(t, int64(0), secondary.calls.Load())
}

func TestFetch_FallsThroughOnQuotaAndRecordsDiagnostics(t *testing.T) {
	primary := &fakeProvider{name: "primary", fetch: func(_ context.Context, s domain.Symbol, ds domain.Dataset, _ string) (*domain.NormalizedRecord, error) {
		return nil, domain.NewFetchError("primary", domain.FailQuotaExceeded, s, ds, errors.New("quota"))
	}}
	secondary := &fakeProvider{name: "secondary", fetch: func(_ context.Context, s domain.Symbol, _ domain.Dataset, _ string) (*domain.NormalizedRecord, error) {
		return okRecord("secondary", s), nil
	}}
	g := newTestGateway(providers.Registry{"primary": primary, "secondary": secondary},
		[]string{"primary", "secondary"}, testCacheCfg())

	rec, err := g.Fetch(context.Background(), "AAPL", domain.DatasetPriceSeries, "5y")
	require.NoError(t, err)
	assert.Equal(t, "secondary", rec.Provider)
	assert.Equal(t, int64(1), primary.calls.Load())
}

func TestFetch_AllProvidersFailedCarriesPerProviderReasons(t *testing.T) {
	primary := &fakeProvider{name: "primary", fetch: func(_ context.Context, s domain.Symbol, ds domain.Dataset, _ string) (*domain.NormalizedRecord, error) {
		return nil, domain.NewFetchError("primary", domain.FailQuotaExceeded, s, ds, errors.New("quota"))
	}}
	secondary := &fakeProvider{name: "secondary", fetch: func(_ context.Context, s domain.Symbol, ds domain.Dataset, _ string) (*domain.NormalizedRecord, error) {
		return nil, domain.NewFetchError("secondary", domain.FailNotFound, s, ds, errors.New("unknown symbol"))
	}}
	g := newTestGateway(providers.Registry{"primary": primary, "secondary": secondary},
		[]string{"primary", "secondary"}, testCacheCfg())

	_, err := g.Fetch(context.Background(), "NOPE", domain.DatasetPriceSeries, "5y")
	require.Error(t, err)

	var apf *domain.AllProvidersFailedError
	require.ErrorAs(t, err, &apf)
	require.Len(t, apf.Failures, 2)
	assert.Equal(t, domain.FailQuotaExceeded, apf.Failures[0].Kind)
	assert.Equal(t, domain.FailNotFound, apf.Failures[1].Kind)
}

func TestFetch_SecondCallServedFromCache(t *testing.T) {
	primary := &fakeProvider{name: "primary", fetch: func(_ context.Context, s domain.Symbol, _ domain.Dataset, _ string) (*domain.NormalizedRecord, error) {
		return okRecord("primary", s), nil
	}}
	g := newTestGateway(providers.Registry{"primary": primary}, []string{"primary"}, testCacheCfg())

	_, err := g.Fetch(context.Background(), "AAPL", domain.DatasetPriceSeries, "5y")
	require.NoError(t, err)
	_, err = g.Fetch(context.Background(), "aapl ", domain.DatasetPriceSeries, "5y")
	require.NoError(t, err)

	// Case variants of the same symbol share the entry.
	assert.Equal(t, int64(1), primary.calls.Load())
}

func TestFetch_PublishesTelemetryOnUpstreamFetchOnly(t *testing.T) {
	primary := &fakeProvider{name: "primary", fetch: func(_ context.Context, s domain.Symbol, _ domain.Dataset, _ string) (*domain.NormalizedRecord, error) {
		return okRecord("primary", s), nil
	}}
	bus := events.NewBus(zerolog.Nop())
	id, ch := bus.Subscribe(4)
	defer bus.Unsubscribe(id)

	tiered := cache.NewTiered(cache.NewMemory(1<<20, zerolog.Nop()), nil, zerolog.Nop())
	limiter := ratelimit.New(map[string]ratelimit.BucketConfig{
		"primary": {Capacity: 100, RefillPerSecond: 100},
	}, zerolog.Nop())
	g := New(providers.Registry{"primary": primary}, tiered, limiter,
		config.GatewayConfig{
			Order:     map[domain.Dataset][]string{domain.DatasetPriceSeries: {"primary"}},
			AdmitWait: 50 * time.Millisecond,
		},
		testCacheCfg(), bus, zerolog.Nop())

	_, err := g.Fetch(context.Background(), "AAPL", domain.DatasetPriceSeries, "5y")
	require.NoError(t, err)
	// Cache hits stay silent.
	_, err = g.Fetch(context.Background(), "AAPL", domain.DatasetPriceSeries, "5y")
	require.NoError(t, err)

	require.Len(t, ch, 1)
	event := <-ch
	require.Equal(t, events.DataFetched, event.Type)
	data, ok := event.Data.(*events.DataFetchedData)
	require.True(t, ok)
	assert.Equal(t, "AAPL", data.Symbol)
	assert.Equal(t, "price_series", data.Dataset)
	assert.Equal(t, "primary", data.Provider)
	assert.Equal(t, 2, data.Points)
}

func TestFetch_ExpiredEntryRefetched(t *testing.T) {
	primary := &fakeProvider{name: "primary", fetch: func(_ context.Context, s domain.Symbol, _ domain.Dataset, _ string) (*domain.NormalizedRecord, error) {
		return okRecord("primary", s), nil
	}}
	cfg := testCacheCfg()
	cfg.TTLByDataset = map[domain.Dataset]time.Duration{domain.DatasetPriceSeries: 10 * time.Millisecond}
	g := newTestGateway(providers.Registry{"primary": primary}, []string{"primary"}, cfg)

	_, err := g.Fetch(context.Background(), "AAPL", domain.DatasetPriceSeries, "5y")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = g.Fetch(context.Background(), "AAPL", domain.DatasetPriceSeries, "5y")
	require.NoError(t, err)
	assert.Equal(t, int64(2), primary.calls.Load())
}

func TestFetch_ConcurrentRequestsShareOneUpstreamCall(t *testing.T) {
	release := make(chan struct{})
	primary := &fakeProvider{name: "primary", fetch: func(_ context.Context, s domain.Symbol, _ domain.Dataset, _ string) (*domain.NormalizedRecord, error) {
		<-release
		return okRecord("primary", s), nil
	}}
	g := newTestGateway(providers.Registry{"primary": primary}, []string{"primary"}, testCacheCfg())

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = g.Fetch(context.Background(), "AAPL", domain.DatasetPriceSeries, "5y")
		}()
	}

	// Give every caller time to pile onto the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, int64(1), primary.calls.Load())
}

func TestFetch_CallerCancellationDetachesWithoutPartialWrite(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	primary := &fakeProvider{name: "primary", fetch: func(_ context.Context, s domain.Symbol, _ domain.Dataset, _ string) (*domain.NormalizedRecord, error) {
		close(started)
		<-release
		return okRecord("primary", s), nil
	}}
	g := newTestGateway(providers.Registry{"primary": primary}, []string{"primary"}, testCacheCfg())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Fetch(ctx, "AAPL", domain.DatasetPriceSeries, "5y")
		done <- err
	}()

	<-started
	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	// The shared call completes for future callers; nothing partial was
	// visible before it did.
	close(release)
}

func TestFetch_UnsupportedDatasetSkippedWithoutSpendingQuota(t *testing.T) {
	pricesOnly := &fakeProvider{
		name:     "primary",
		supports: map[domain.Dataset]bool{domain.DatasetPriceSeries: true},
		fetch: func(_ context.Context, s domain.Symbol, _ domain.Dataset, _ string) (*domain.NormalizedRecord, error) {
			return okRecord("primary", s), nil
		},
	}
	tiered := cache.NewTiered(cache.NewMemory(1<<20, zerolog.Nop()), nil, zerolog.Nop())
	limiter := ratelimit.New(map[string]ratelimit.BucketConfig{
		"primary": {Capacity: 5, RefillPerSecond: 0.001},
	}, zerolog.Nop())
	g := New(providers.Registry{"primary": pricesOnly}, tiered, limiter,
		config.GatewayConfig{
			Order:     map[domain.Dataset][]string{domain.DatasetIncomeStatement: {"primary"}},
			AdmitWait: 10 * time.Millisecond,
		},
		testCacheCfg(), nil, zerolog.Nop())

	_, err := g.Fetch(context.Background(), "AAPL", domain.DatasetIncomeStatement, "annual")
	require.Error(t, err)
	assert.Equal(t, int64(0), pricesOnly.calls.Load())
	assert.Equal(t, 5.0, limiter.Stats()["primary"].TokensRemaining)
}

func TestFetch_EmptySymbolRejected(t *testing.T) {
	g := newTestGateway(providers.Registry{}, []string{"primary"}, testCacheCfg())
	_, err := g.Fetch(context.Background(), "  ", domain.DatasetPriceSeries, "5y")
	var iie *domain.InvalidInputError
	require.ErrorAs(t, err, &iie)
}

func TestFetchBatch_IsolatesPerSymbolFailures(t *testing.T) {
	primary := &fakeProvider{name: "primary", fetch: func(_ context.Context, s domain.Symbol, ds domain.Dataset, _ string) (*domain.NormalizedRecord, error) {
		if s == "BAD" {
			return nil, domain.NewFetchError("primary", domain.FailNotFound, s, ds, errors.New("unknown"))
		}
		return okRecord("primary", s), nil
	}}
	g := newTestGateway(providers.Registry{"primary": primary}, []string{"primary"}, testCacheCfg())

	symbols := []domain.Symbol{"AAPL", "BAD", "MSFT"}
	results := g.FetchBatch(context.Background(), symbols, domain.DatasetPriceSeries, "5y", 2)
	require.Len(t, results, 3)

	for i, r := range results {
		assert.Equal(t, symbols[i], r.Symbol, fmt.Sprintf("result %d out of order", i))
	}
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
}
