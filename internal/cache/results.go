// Package cache holds evaluation results in process memory, keyed by
// "campaignId:branchId:nodeId". Writes past the configured key limit are
// rejected rather than evicting older entries; expired entries are removed
// by a periodic sweep.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/maypok86/otter"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/depgraph"
	"github.com/jakekausler/campaign-manager-sub003/internal/expr"
	"github.com/jakekausler/campaign-manager-sub003/internal/observability"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

const (
	// MaxKeyLength bounds every key and prefix.
	MaxKeyLength = 256
	// MaxSampleKeys bounds Stats.SampleKeys.
	MaxSampleKeys = 20

	// entryOverhead approximates the per-entry bookkeeping cost in bytes.
	entryOverhead = 136
)

var (
	ErrInvalidKey = apperr.New(apperr.CodeInvalidCacheKey, "cache: invalid key")
	ErrCacheFull  = apperr.New(apperr.CodeCacheFull, "cache: full")
)

var keyRegex = regexp.MustCompile(`^[A-Za-z0-9_:.-]+$`)

// Entry is one cached evaluation result.
type Entry struct {
	Value       expr.Value
	Fingerprint expr.Fingerprint
	CachedAt    time.Time
	ExpiresAt   time.Time
	size        int
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Keys        int
	HitRate     float64
	MemoryBytes uint64
	SampleKeys  []string
}

// Memory renders MemoryBytes for humans, e.g. "1.2 MB".
func (s Stats) Memory() string {
	return humanize.Bytes(s.MemoryBytes)
}

// ResultCache is safe for concurrent use.
type ResultCache struct {
	store   otter.CacheWithVariableTTL[string, Entry]
	ttl     time.Duration
	maxKeys int
	now     func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewResultCache builds a cache sized by cfg.MaxKeys with cfg.ResultTTL as
// the default lifetime.
func NewResultCache(cfg *config.CacheConfig) (*ResultCache, error) {
	if cfg == nil {
		panic("cache: config cannot be nil")
	}

	// Headroom above MaxKeys keeps otter's own eviction out of the way; the
	// key limit is enforced by Set.
	capacity := cfg.MaxKeys + cfg.MaxKeys/10 + 16
	store, err := otter.MustBuilder[string, Entry](capacity).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, err
	}

	return &ResultCache{
		store:   store,
		ttl:     cfg.ResultTTL,
		maxKeys: cfg.MaxKeys,
		now:     time.Now,
	}, nil
}

// Key builds the cache key of a condition result.
func Key(s scope.Scope, conditionID string) string {
	return s.Prefix() + depgraph.NodeID(depgraph.NodeCondition, conditionID)
}

// ValidateKey checks the character set and length of a key or prefix.
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength || !keyRegex.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}

// Get returns the cached value for key when it is live and was computed for
// the same context. A fingerprint whose hash matches but whose digest does
// not is a miss.
func (c *ResultCache) Get(key string, fingerprint expr.Fingerprint) (expr.Value, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}

	entry, ok := c.store.Get(key)
	if !ok || !c.now().Before(entry.ExpiresAt) || !entry.Fingerprint.Equal(fingerprint) {
		c.misses.Add(1)
		observability.ResultCacheMisses.Inc()
		return nil, false, nil
	}

	c.hits.Add(1)
	observability.ResultCacheHits.Inc()
	return entry.Value, true, nil
}

// Set stores a successful result with the default TTL.
func (c *ResultCache) Set(key string, value expr.Value, fingerprint expr.Fingerprint) error {
	return c.SetWithTTL(key, value, fingerprint, c.ttl)
}

// SetWithTTL stores a successful result. New keys are rejected with
// ErrCacheFull once the cache holds MaxKeys entries; existing keys can
// always be overwritten.
func (c *ResultCache) SetWithTTL(key string, value expr.Value, fingerprint expr.Fingerprint, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	if c.store.Size() >= c.maxKeys && !c.store.Has(key) {
		observability.ResultCacheRejected.Inc()
		return ErrCacheFull
	}

	now := c.now()
	entry := Entry{
		Value:       value,
		Fingerprint: fingerprint,
		CachedAt:    now,
		ExpiresAt:   now.Add(ttl),
		size:        approxSize(key, value),
	}
	c.store.Set(key, entry, ttl)
	observability.ResultCacheItems.Set(float64(c.store.Size()))
	return nil
}

// Delete removes one key and reports whether it was present.
func (c *ResultCache) Delete(key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	if !c.store.Has(key) {
		return false, nil
	}
	c.store.Delete(key)
	observability.ResultCacheInvalidations.WithLabelValues("key").Inc()
	observability.ResultCacheItems.Set(float64(c.store.Size()))
	return true, nil
}

// InvalidatePrefix removes every entry whose key starts with prefix and
// returns how many were removed.
func (c *ResultCache) InvalidatePrefix(prefix string) (int, error) {
	if err := ValidateKey(prefix); err != nil {
		return 0, err
	}

	var removed atomic.Int64
	c.store.DeleteByFunc(func(key string, _ Entry) bool {
		if strings.HasPrefix(key, prefix) {
			removed.Add(1)
			return true
		}
		return false
	})

	n := int(removed.Load())
	observability.ResultCacheInvalidations.WithLabelValues("prefix").Add(float64(n))
	observability.ResultCacheItems.Set(float64(c.store.Size()))
	return n, nil
}

// Sweep removes expired entries and returns how many were removed.
func (c *ResultCache) Sweep() int {
	now := c.now()
	var removed atomic.Int64
	c.store.DeleteByFunc(func(_ string, e Entry) bool {
		if !now.Before(e.ExpiresAt) {
			removed.Add(1)
			return true
		}
		return false
	})

	n := int(removed.Load())
	observability.ResultCacheExpired.Add(float64(n))
	observability.ResultCacheItems.Set(float64(c.store.Size()))
	return n
}

// Run sweeps every interval until ctx is cancelled.
func (c *ResultCache) Run(ctx context.Context, log *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				log.Debug("result cache sweep", slog.Int("expired", n), slog.Int("remaining", c.store.Size()))
			}
		}
	}
}

// Stats reports counters and size. Sample keys are only listed when
// campaignID is set, and only for that campaign (and branch, when set).
func (c *ResultCache) Stats(campaignID, branchID string) Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{
		Hits:       hits,
		Misses:     misses,
		SampleKeys: []string{},
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}

	prefix := ""
	if campaignID != "" {
		prefix = scope.CampaignPrefix(campaignID)
		if branchID != "" {
			prefix = scope.New(campaignID, branchID).Prefix()
		}
	}

	c.store.Range(func(key string, e Entry) bool {
		s.Keys++
		s.MemoryBytes += uint64(e.size)
		if prefix != "" && strings.HasPrefix(key, prefix) {
			s.SampleKeys = append(s.SampleKeys, key)
		}
		return true
	})

	slices.Sort(s.SampleKeys)
	if len(s.SampleKeys) > MaxSampleKeys {
		s.SampleKeys = s.SampleKeys[:MaxSampleKeys]
	}
	return s
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *ResultCache) Len() int {
	return c.store.Size()
}

// Close stops otter's background goroutines.
func (c *ResultCache) Close() {
	c.store.Close()
}

func approxSize(key string, value expr.Value) int {
	n := len(key) + entryOverhead
	if b, err := json.Marshal(value); err == nil {
		n += len(b)
	}
	return n
}
