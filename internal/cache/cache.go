package cache

import (
	"context"
	"time"

	"tillpoint/internal/domain"
)

// SnapshotCache holds the last published exchange-rate snapshot so other
// terminals can serve conversions without touching the database.
type SnapshotCache interface {
	Get(ctx context.Context, key string) (*domain.ExchangeRateSnapshot, bool, error)
	Set(ctx context.Context, key string, value *domain.ExchangeRateSnapshot, ttl time.Duration) error
}

// snapshotExpired reports whether a cached snapshot is too old to serve.
// Rates move during the trading day, so a terminal reading another
// terminal's published snapshot must not render yesterday's rates; a
// snapshot without a timestamp cannot be judged and is treated as expired.
func snapshotExpired(snapshot *domain.ExchangeRateSnapshot, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		return false
	}
	if snapshot == nil || snapshot.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(snapshot.UpdatedAt) > maxAge
}

type NoopSnapshotCache struct{}

func (NoopSnapshotCache) Get(_ context.Context, _ string) (*domain.ExchangeRateSnapshot, bool, error) {
	return nil, false, nil
}

func (NoopSnapshotCache) Set(_ context.Context, _ string, _ *domain.ExchangeRateSnapshot, _ time.Duration) error {
	return nil
}
