package cache

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/epvlab/epv/internal/domain"
)

// Tiered layers the memory tier over an optional persistent store. Reads
// prefer memory and fall back to the store, promoting hits. Writes go to
// both. A nil store degrades to a pure memory cache.
type Tiered struct {
	mem   *Memory
	store *Store
	log   zerolog.Logger
}

// NewTiered combines the memory tier with a persistent store. store may be
// nil.
func NewTiered(mem *Memory, store *Store, log zerolog.Logger) *Tiered {
	return &Tiered{
		mem:   mem,
		store: store,
		log:   log.With().Str("component", "cache").Logger(),
	}
}

// Rehydrate loads all unexpired persisted entries into the memory tier.
// Called once at startup, before the cache is shared.
func (t *Tiered) Rehydrate() error {
	if t.store == nil {
		return nil
	}
	entries, err := t.store.LoadAll()
	if err != nil {
		return err
	}
	loaded := 0
	for _, e := range entries {
		ttl := time.Until(e.ExpiresAt)
		if ttl <= 0 {
			continue
		}
		if err := t.mem.Put(e.Key, e.Record, ttl); err != nil {
			t.log.Warn().Err(err).Str("key", shortKey(e.Key)).Msg("Skipping persisted entry during rehydration")
			continue
		}
		loaded++
	}
	t.log.Info().Int("entries", loaded).Msg("Rehydrated cache from persistent store")
	return nil
}

// Get checks the memory tier first, then the persistent store.
func (t *Tiered) Get(key string) (*domain.NormalizedRecord, bool) {
	if rec, ok := t.mem.Get(key); ok {
		return rec, true
	}
	if t.store == nil {
		return nil, false
	}

	e, ok, err := t.store.Load(key)
	if err != nil {
		t.log.Warn().Err(err).Str("key", shortKey(key)).Msg("Persistent cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	// Promote so the next read stays in memory.
	if ttl := time.Until(e.ExpiresAt); ttl > 0 {
		if err := t.mem.Put(key, e.Record, ttl); err != nil {
			t.log.Warn().Err(err).Str("key", shortKey(key)).Msg("Failed to promote persisted entry")
		}
	}
	return e.Record, true
}

// Put stores the record in both tiers. A persistence failure is logged, not
// returned; the memory tier already holds the record.
func (t *Tiered) Put(key string, rec *domain.NormalizedRecord, ttl time.Duration) error {
	if err := t.mem.Put(key, rec, ttl); err != nil {
		return err
	}
	if t.store == nil {
		return nil
	}

	now := time.Now()
	if err := t.store.Save(&Entry{
		Key:       key,
		Record:    rec,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		SizeBytes: rec.EstimateSize(),
	}); err != nil {
		t.log.Warn().Err(err).Str("key", shortKey(key)).Msg("Failed to persist cache entry")
	}
	return nil
}

// EvictExpired sweeps both tiers.
func (t *Tiered) EvictExpired() int {
	removed := t.mem.EvictExpired()
	if t.store != nil {
		if _, err := t.store.DeleteExpired(); err != nil {
			t.log.Warn().Err(err).Msg("Failed to compact persistent cache")
		}
	}
	return removed
}

// Stats reports the memory tier snapshot.
func (t *Tiered) Stats() Stats {
	return t.mem.Stats()
}
