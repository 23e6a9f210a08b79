package ranking

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"warungpos/backend/internal/cache"
	"warungpos/backend/internal/domain"
	"warungpos/backend/internal/store"
)

// allowedLimits mirrors the page sizes the product grid renders. Other
// values coerce to the default rather than erroring.
var allowedLimits = map[int]bool{4: true, 8: true, 12: true, 16: true, 20: true}

const defaultLimit = 8

// Engine serves best-seller rankings over a rolling window, with a
// short-lived cache in front of the aggregation query.
type Engine struct {
	repo     store.Repository
	cache    cache.RankingCache
	cacheTTL time.Duration
}

func NewEngine(repo store.Repository, cacheStore cache.RankingCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopRankingCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}

	return &Engine{
		repo:     repo,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
	}
}

func (e *Engine) Rank(ctx context.Context, window string, limit int, now time.Time) ([]domain.RankingEntry, error) {
	switch window {
	case domain.RankingWindowDaily, domain.RankingWindowWeekly, domain.RankingWindowMonthly, domain.RankingWindowYearly:
	default:
		return nil, fmt.Errorf("window %q: %w", window, store.ErrInvalidInput)
	}
	if !allowedLimits[limit] {
		limit = defaultLimit
	}

	key := buildCacheKey(window, limit, now)
	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		return cached, nil
	}

	entries, err := e.repo.RankProducts(ctx, window, limit, now)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, key, entries, e.cacheTTL); err != nil {
		log.Printf("[ranking] WARN: failed to cache ranking window=%s: %v", window, err)
	}
	return entries, nil
}

// InvalidateAll drops every cached ranking. Called after sale mutations
// so the grid reflects the write before the TTL runs out.
func (e *Engine) InvalidateAll(ctx context.Context) {
	if err := e.cache.Invalidate(ctx, "pos:ranking:*"); err != nil {
		log.Printf("[ranking] WARN: failed to invalidate ranking cache: %v", err)
	}
}

func buildCacheKey(window string, limit int, now time.Time) string {
	// The day is part of the key so a cached daily ranking can never
	// leak across midnight.
	raw := fmt.Sprintf("%s|%d|%s", window, limit, now.Format("2006-01-02"))
	hash := sha1.Sum([]byte(raw))
	return "pos:ranking:" + hex.EncodeToString(hash[:])
}
