package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epvlab/epv/internal/domain"
)

func testRecord(symbol string, points int) *domain.NormalizedRecord {
	rec := &domain.NormalizedRecord{
		Symbol:    domain.NewSymbol(symbol),
		Dataset:   domain.DatasetPriceSeries,
		Period:    "daily",
		Provider:  "yahoo",
		FetchedAt: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	}
	for i := 0; i < points; i++ {
		rec.Points = append(rec.Points, domain.Point{
			Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
			Fields:    map[string]*float64{domain.FieldClose: domain.Float(100 + float64(i))},
		})
	}
	return rec
}

func testKey(symbol string) string {
	return Key([]string{"yahoo"}, domain.NewSymbol(symbol), domain.DatasetPriceSeries, "daily")
}

func TestKey_DeterministicAcrossProviderOrderAndCase(t *testing.T) {
	a := Key([]string{"yahoo", "alphavantage"}, domain.NewSymbol("aapl"), domain.DatasetPriceSeries, "Daily")
	b := Key([]string{"alphavantage", "yahoo"}, domain.NewSymbol("AAPL "), domain.DatasetPriceSeries, "daily")
	assert.Equal(t, a, b)

	c := Key([]string{"yahoo"}, domain.NewSymbol("AAPL"), domain.DatasetPriceSeries, "daily")
	assert.NotEqual(t, a, c, "provider set must be part of the key")
}

func TestMemory_GetMissAfterExpiry(t *testing.T) {
	m := NewMemory(1<<20, zerolog.Nop())
	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	key := testKey("AAPL")
	require.NoError(t, m.Put(key, testRecord("AAPL", 3), time.Hour))

	_, ok := m.Get(key)
	require.True(t, ok)

	// At exactly the expiry instant the entry is already a miss.
	clock = clock.Add(time.Hour)
	_, ok = m.Get(key)
	assert.False(t, ok)

	// Size still counts it until eviction runs.
	assert.Greater(t, m.SizeBytes(), int64(0))
	assert.Equal(t, 1, m.EvictExpired())
	assert.Equal(t, int64(0), m.SizeBytes())
}

func TestMemory_RejectsNonPositiveTTL(t *testing.T) {
	m := NewMemory(1<<20, zerolog.Nop())
	err := m.Put(testKey("AAPL"), testRecord("AAPL", 1), 0)
	assert.Error(t, err)
}

func TestMemory_EvictsOldestCreatedFirst(t *testing.T) {
	m := NewMemory(1<<20, zerolog.Nop())
	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	// Size the cap to hold roughly three of the five records.
	probe := testRecord("SYM0", 50)
	m.maxBytes = probe.EstimateSize() * 3

	var keys []string
	for i := 0; i < 5; i++ {
		key := testKey(fmt.Sprintf("SYM%d", i))
		keys = append(keys, key)
		require.NoError(t, m.Put(key, testRecord(fmt.Sprintf("SYM%d", i), 50), time.Hour))
		clock = clock.Add(time.Minute)
	}

	// The two oldest must be gone, the newest must survive.
	_, ok := m.Get(keys[0])
	assert.False(t, ok)
	_, ok = m.Get(keys[1])
	assert.False(t, ok)
	_, ok = m.Get(keys[4])
	assert.True(t, ok)
	assert.LessOrEqual(t, m.SizeBytes(), m.maxBytes)
}

func TestMemory_RejectsRecordLargerThanCap(t *testing.T) {
	small := NewMemory(16, zerolog.Nop())
	err := small.Put(testKey("AAPL"), testRecord("AAPL", 100), time.Hour)
	require.Error(t, err)
	assert.Equal(t, int64(0), small.SizeBytes())
}

func TestMemory_ShortKeysAreSafeInErrorsAndEviction(t *testing.T) {
	// Keys shorter than the abbreviation width must not break the error and
	// log paths that reference them.
	m := NewMemory(16, zerolog.Nop())

	err := m.Put("k", testRecord("AAPL", 1), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "k")

	err = m.Put("k", testRecord("AAPL", 100), time.Hour)
	assert.Error(t, err)

	probe := testRecord("SYM", 50)
	m.maxBytes = probe.EstimateSize() * 2
	for i := 0; i < 4; i++ {
		require.NoError(t, m.Put(fmt.Sprintf("k%d", i), testRecord("SYM", 50), time.Hour))
	}
	assert.LessOrEqual(t, m.SizeBytes(), m.maxBytes)
}

func TestMemory_ReplaceAccountsSizeOnce(t *testing.T) {
	m := NewMemory(1<<20, zerolog.Nop())
	key := testKey("AAPL")

	require.NoError(t, m.Put(key, testRecord("AAPL", 10), time.Hour))
	first := m.SizeBytes()
	require.NoError(t, m.Put(key, testRecord("AAPL", 10), time.Hour))
	assert.Equal(t, first, m.SizeBytes())
	assert.Equal(t, 1, m.Stats().Entries)
}

func TestMemory_Stats(t *testing.T) {
	m := NewMemory(1<<20, zerolog.Nop())
	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	require.NoError(t, m.Put(testKey("AAPL"), testRecord("AAPL", 2), time.Minute))
	clock = clock.Add(time.Hour)
	require.NoError(t, m.Put(testKey("MSFT"), testRecord("MSFT", 2), time.Hour))

	s := m.Stats()
	assert.Equal(t, 2, s.Entries)
	assert.Equal(t, 1, s.Expired)
	assert.True(t, s.Oldest.Before(s.Newest))
}

func TestTiered_NilStoreActsAsMemory(t *testing.T) {
	tc := NewTiered(NewMemory(1<<20, zerolog.Nop()), nil, zerolog.Nop())
	key := testKey("AAPL")

	require.NoError(t, tc.Put(key, testRecord("AAPL", 3), time.Hour))
	rec, ok := tc.Get(key)
	require.True(t, ok)
	assert.Equal(t, domain.Symbol("AAPL"), rec.Symbol)
	require.NoError(t, tc.Rehydrate())
}
