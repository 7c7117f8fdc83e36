// Package ratelimit provides per-provider token-bucket admission control.
// Each provider gets an independent bucket sized from its documented quota;
// there is no global lock across providers. Quota exhaustion is signaled as
// a typed backoff condition, never as a fatal fault.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// BucketConfig describes one provider's token bucket.
type BucketConfig struct {
	Capacity        int     // burst capacity C
	RefillPerSecond float64 // refill rate R tokens/second
}

// WouldBlockError reports that a provider's bucket is empty and carries the
// exact wait until the next token is available. Callers decide whether to
// wait or fail fast.
type WouldBlockError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *WouldBlockError) Error() string {
	return fmt.Sprintf("rate limit for %s: retry after %s", e.Provider, e.RetryAfter)
}

// BucketStats is a point-in-time snapshot of one bucket.
type BucketStats struct {
	Capacity        int     `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
	TokensRemaining float64 `json:"tokens_remaining"`
}

// Limiter manages one token bucket per provider. Safe for concurrent use;
// admissions for the same provider resolve atomically inside the bucket, so
// callers can never be admitted beyond capacity within one refill interval.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	configs map[string]BucketConfig
	log     zerolog.Logger
}

// New creates a limiter with the given per-provider buckets.
func New(configs map[string]BucketConfig, log zerolog.Logger) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*rate.Limiter, len(configs)),
		configs: make(map[string]BucketConfig, len(configs)),
		log:     log.With().Str("component", "ratelimit").Logger(),
	}
	for provider, cfg := range configs {
		l.buckets[provider] = rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity)
		l.configs[provider] = cfg
	}
	return l
}

// defaultBucket is used for providers without explicit configuration:
// a deliberately small quota so an unconfigured provider cannot hammer
// anything.
var defaultBucket = BucketConfig{Capacity: 1, RefillPerSecond: 0.5}

func (l *Limiter) bucket(provider string) *rate.Limiter {
	l.mu.RLock()
	b, ok := l.buckets[provider]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[provider]; ok {
		return b
	}
	l.log.Warn().Str("provider", provider).Msg("No rate limit configured, using default bucket")
	b = rate.NewLimiter(rate.Limit(defaultBucket.RefillPerSecond), defaultBucket.Capacity)
	l.buckets[provider] = b
	l.configs[provider] = defaultBucket
	return b
}

// Admit consumes a token for the provider if one is available. If the bucket
// is empty it returns a *WouldBlockError with the exact wait time and leaves
// the bucket untouched.
func (l *Limiter) Admit(provider string) error {
	b := l.bucket(provider)

	res := b.Reserve()
	if !res.OK() {
		// Unreachable with positive capacity, but keep the typed signal.
		return &WouldBlockError{Provider: provider, RetryAfter: time.Hour}
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return &WouldBlockError{Provider: provider, RetryAfter: delay}
	}
	return nil
}

// Wait blocks until a token is available or the context is done. Used by the
// gateway for its bounded wait-once-per-provider policy: the caller derives
// a short-deadline context so a quota-exhausted provider cannot cause
// head-of-line blocking.
func (l *Limiter) Wait(ctx context.Context, provider string) error {
	return l.bucket(provider).Wait(ctx)
}

// Stats returns a snapshot of all buckets, for the diagnostics endpoint.
func (l *Limiter) Stats() map[string]BucketStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]BucketStats, len(l.buckets))
	for provider, b := range l.buckets {
		cfg := l.configs[provider]
		out[provider] = BucketStats{
			Capacity:        cfg.Capacity,
			RefillPerSecond: cfg.RefillPerSecond,
			TokensRemaining: b.Tokens(),
		}
	}
	return out
}
