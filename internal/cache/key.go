// Package cache provides the TTL- and size-bounded store of normalized
// records: a memory tier for hot lookups and an optional sqlite-backed
// persistent tier that survives restarts.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/epvlab/epv/internal/domain"
)

// Key derives a deterministic, collision-resistant cache key from the
// provider set considered, the symbol, the dataset, and the period
// qualifier. The provider list is sorted so equivalent query shapes hash
// identically, and the symbol is re-normalized so case variants hit the same
// entry.
func Key(providers []string, symbol domain.Symbol, dataset domain.Dataset, period string) string {
	sorted := make([]string, len(providers))
	copy(sorted, providers)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(strings.Join(sorted, ",")))
	h.Write([]byte{0})
	h.Write([]byte(domain.NewSymbol(symbol.String())))
	h.Write([]byte{0})
	h.Write([]byte(dataset))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(period))))
	return hex.EncodeToString(h.Sum(nil))
}

// shortKey abbreviates a key for log lines and error messages. Keys from Key
// are 64 hex characters, but callers may store under arbitrary strings.
func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
