package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/epvlab/epv/internal/domain"
)

// Entry is one cached record plus its bookkeeping. Entries are owned by the
// cache; callers receive the record pointer and must treat it as immutable.
type Entry struct {
	Key       string
	Record    *domain.NormalizedRecord
	CreatedAt time.Time
	ExpiresAt time.Time
	SizeBytes int64

	seq uint64 // insertion order, breaks created-at ties during eviction
}

// Stats is a point-in-time snapshot of the memory tier.
type Stats struct {
	Entries   int       `json:"entries"`
	SizeBytes int64     `json:"size_bytes"`
	MaxBytes  int64     `json:"max_bytes"`
	Expired   int       `json:"expired"`
	Oldest    time.Time `json:"oldest,omitempty"`
	Newest    time.Time `json:"newest,omitempty"`
}

// Memory is the in-memory cache tier. Multiple readers proceed concurrently;
// writes and evictions are serialized behind the write lock. An entry past
// its expiry is logically absent even before EvictExpired physically removes
// it.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	totalBytes int64
	maxBytes   int64
	seq        uint64
	log        zerolog.Logger

	now func() time.Time // swappable clock for expiry tests
}

// NewMemory creates a memory tier bounded to maxBytes.
func NewMemory(maxBytes int64, log zerolog.Logger) *Memory {
	return &Memory{
		entries:  make(map[string]*Entry),
		maxBytes: maxBytes,
		log:      log.With().Str("component", "cache").Logger(),
		now:      time.Now,
	}
}

// Get returns the cached record for key, or a miss. Expired entries are
// treated identically to a miss regardless of whether eviction has run.
func (m *Memory) Get(key string) (*domain.NormalizedRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.ExpiresAt) {
		return nil, false
	}
	return e.Record, true
}

// Put stores a record under key with the given TTL, evicting
// oldest-created-at entries (ties by insertion order) until the aggregate
// size fits the cap. A record larger than the whole cap is rejected rather
// than wiping the cache for it.
func (m *Memory) Put(key string, rec *domain.NormalizedRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache put %s: ttl must be positive, got %s", shortKey(key), ttl)
	}
	size := rec.EstimateSize()
	if size > m.maxBytes {
		return fmt.Errorf("cache put %s: record size %d exceeds cache cap %d", shortKey(key), size, m.maxBytes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[key]; ok {
		m.totalBytes -= old.SizeBytes
	}

	now := m.now()
	m.seq++
	m.entries[key] = &Entry{
		Key:       key,
		Record:    rec,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		SizeBytes: size,
		seq:       m.seq,
	}
	m.totalBytes += size

	m.evictOverCapLocked()
	return nil
}

// evictOverCapLocked removes entries in created-at order (not access time,
// to keep the eviction model auditable) until the total fits the cap.
func (m *Memory) evictOverCapLocked() {
	if m.totalBytes <= m.maxBytes {
		return
	}

	victims := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].CreatedAt.Equal(victims[j].CreatedAt) {
			return victims[i].seq < victims[j].seq
		}
		return victims[i].CreatedAt.Before(victims[j].CreatedAt)
	})

	for _, victim := range victims {
		if m.totalBytes <= m.maxBytes {
			break
		}
		delete(m.entries, victim.Key)
		m.totalBytes -= victim.SizeBytes
		m.log.Debug().
			Str("key", shortKey(victim.Key)).
			Int64("size_bytes", victim.SizeBytes).
			Msg("Evicted cache entry over capacity")
	}
}

// EvictExpired physically removes expired entries and returns the count.
func (m *Memory) EvictExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if !now.Before(e.ExpiresAt) {
			delete(m.entries, key)
			m.totalBytes -= e.SizeBytes
			removed++
		}
	}
	if removed > 0 {
		m.log.Info().Int("count", removed).Msg("Evicted expired cache entries")
	}
	return removed
}

// SizeBytes returns the aggregate size of all entries, expired included
// until eviction runs.
func (m *Memory) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalBytes
}

// Stats returns a snapshot for the diagnostics endpoint.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Entries:   len(m.entries),
		SizeBytes: m.totalBytes,
		MaxBytes:  m.maxBytes,
	}
	now := m.now()
	for _, e := range m.entries {
		if !now.Before(e.ExpiresAt) {
			s.Expired++
		}
		if s.Oldest.IsZero() || e.CreatedAt.Before(s.Oldest) {
			s.Oldest = e.CreatedAt
		}
		if e.CreatedAt.After(s.Newest) {
			s.Newest = e.CreatedAt
		}
	}
	return s
}

// snapshot returns all live entries, used by the tiered cache to persist
// and by tests.
func (m *Memory) snapshot() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}
