package cache

import (
	"context"
	"time"

	"warungpos/backend/internal/domain"
)

type RankingCache interface {
	Get(ctx context.Context, key string) ([]domain.RankingEntry, bool, error)
	Set(ctx context.Context, key string, value []domain.RankingEntry, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
}

type NoopRankingCache struct{}

func (NoopRankingCache) Get(_ context.Context, _ string) ([]domain.RankingEntry, bool, error) {
	return nil, false, nil
}

func (NoopRankingCache) Set(_ context.Context, _ string, _ []domain.RankingEntry, _ time.Duration) error {
	return nil
}

func (NoopRankingCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
