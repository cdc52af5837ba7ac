// Package rates converts amounts between the base currency and display
// currencies. Conversions are display-only: settled amounts are always
// stored in the base currency, so a missing rate yields zero instead of an
// error and never blocks a sale.
package rates

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tillpoint/internal/cache"
	"tillpoint/internal/domain"
)

const snapshotCacheKey = "rates:snapshot"

// Convert routes through the base currency: amount / rate[from] * rate[to].
// A missing or non-positive rate on either side yields zero.
func Convert(amount decimal.Decimal, from string, to string, snapshot *domain.ExchangeRateSnapshot) decimal.Decimal {
	if snapshot == nil {
		return decimal.Zero
	}
	from = domain.NormalizeCurrency(from)
	to = domain.NormalizeCurrency(to)
	if from == to {
		return domain.RoundMoney(amount)
	}

	fromRate, ok := snapshot.Rates[from]
	if !ok || !fromRate.IsPositive() {
		return decimal.Zero
	}
	toRate, ok := snapshot.Rates[to]
	if !ok || !toRate.IsPositive() {
		return decimal.Zero
	}

	base := amount.Div(fromRate)
	return domain.RoundMoney(base.Mul(toRate))
}

// Source is the authoritative origin of rate rows, satisfied by the store.
type Source interface {
	GetExchangeRates(ctx context.Context) (*domain.ExchangeRateSnapshot, error)
}

// Converter keeps a cached snapshot refreshed on an interval and serves
// conversions from it. A terminal can Pin the cashier's chosen display
// currency so receipts keep the rate that was current at checkout even if
// the snapshot refreshes mid-sale.
type Converter struct {
	source   Source
	snapshot cache.SnapshotCache
	logger   *zap.Logger
	interval time.Duration

	mu      sync.RWMutex
	current *domain.ExchangeRateSnapshot
	pinned  string
	pinRate decimal.Decimal
}

func NewConverter(source Source, snapshot cache.SnapshotCache, interval time.Duration, logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Converter{
		source:   source,
		snapshot: snapshot,
		logger:   logger,
		interval: interval,
		pinned:   domain.BaseCurrency,
		pinRate:  decimal.NewFromInt(1),
	}
}

// Refresh pulls the authoritative rates, publishes them to the shared cache
// and swaps the in-memory snapshot. On source failure the previous snapshot
// stays in effect.
func (c *Converter) Refresh(ctx context.Context) (*domain.ExchangeRateSnapshot, error) {
	snapshot, err := c.source.GetExchangeRates(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.snapshot.Set(ctx, snapshotCacheKey, snapshot, 2*c.interval); err != nil {
		c.logger.Warn("failed to publish rate snapshot", zap.Error(err))
	}

	// The pinned display rate is deliberately left alone: a sale keeps the
	// rate that was current when the cashier picked the currency, even if
	// the snapshot refreshes mid-transaction.
	c.mu.Lock()
	c.current = snapshot
	c.mu.Unlock()

	return snapshot, nil
}

// Run refreshes on the configured interval until the context is cancelled.
func (c *Converter) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil {
				c.logger.Warn("rate refresh failed", zap.Error(err))
			}
		}
	}
}

// Snapshot returns the current in-memory snapshot, falling back to the
// shared cache when no refresh has happened yet.
func (c *Converter) Snapshot(ctx context.Context) *domain.ExchangeRateSnapshot {
	c.mu.RLock()
	current := c.current
	c.mu.RUnlock()
	if current != nil {
		return current
	}

	cached, ok, err := c.snapshot.Get(ctx, snapshotCacheKey)
	if err != nil {
		c.logger.Warn("failed to read cached rate snapshot", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	c.mu.Lock()
	if c.current == nil {
		c.current = cached
	}
	current = c.current
	c.mu.Unlock()
	return current
}

// Pin records the display currency the cashier selected and freezes its
// rate relative to base as of the current snapshot.
func (c *Converter) Pin(ctx context.Context, code string) {
	code = domain.NormalizeCurrency(code)
	snapshot := c.Snapshot(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pinned = code
	if code == domain.BaseCurrency {
		c.pinRate = decimal.NewFromInt(1)
		return
	}
	if snapshot != nil {
		if rate, ok := snapshot.Rates[code]; ok && rate.IsPositive() {
			c.pinRate = rate
			return
		}
	}
	c.pinRate = decimal.Zero
}

// Display converts a base-currency amount into the pinned display currency
// using the frozen rate. Zero when the pinned currency has no usable rate.
func (c *Converter) Display(amount decimal.Decimal) (string, decimal.Decimal) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.pinned == domain.BaseCurrency {
		return c.pinned, domain.RoundMoney(amount)
	}
	if !c.pinRate.IsPositive() {
		return c.pinned, decimal.Zero
	}
	return c.pinned, domain.RoundMoney(amount.Mul(c.pinRate))
}
