package comm

import (
	"context"
	"errors"
	"time"

	"CoinScout/internal/domain/models"
	"CoinScout/pkg/cache"
	"CoinScout/pkg/logger"
)

// Cache entities.
const (
	EntityMarketData   = "market_data"
	EntityHistory      = "history"
	EntityNews         = "news"
	EntityScanResult   = "scan_result"
	EntitySummary      = "summary"
	EntityCounter      = "counter"
	latestSummaryID    = "latest"
	opportunityCounter = "opportunities"
)

// Key builds a namespaced cache key in this view.
func (l *Layer) Key(entity string, ids ...interface{}) string {
	return l.ns.Key(entity, ids...)
}

// Set stores value under key for ttl. Backend failures are logged and
// reported as false.
func (l *Layer) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	if err := l.cache.Set(ctx, key, value, ttl); err != nil {
		l.cacheFailure("set", key, err)
		return false
	}
	return true
}

// Get loads key into dest. Misses and backend failures both return false;
// only the latter are logged.
func (l *Layer) Get(ctx context.Context, key string, dest interface{}) bool {
	err := l.cache.Get(ctx, key, dest)
	if err == nil {
		return true
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		l.cacheFailure("get", key, err)
	}
	return false
}

// Delete removes keys, logging backend failures.
func (l *Layer) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := l.cache.Delete(ctx, keys...); err != nil {
		l.cacheFailure("delete", keys[0], err)
	}
}

// Increment bumps the windowed counter name. It returns 0 when the backend
// fails.
func (l *Layer) Increment(ctx context.Context, name string, window time.Duration) int64 {
	key := l.Key(EntityCounter, name)
	n, err := l.cache.IncrementWindow(ctx, key, window)
	if err != nil {
		l.cacheFailure("increment", key, err)
		return 0
	}
	return n
}

// CountOpportunities adds n to the rolling opportunity counter and returns the
// new total within the configured window.
func (l *Layer) CountOpportunities(ctx context.Context, n int) int64 {
	var total int64
	for i := 0; i < n; i++ {
		total = l.Increment(ctx, opportunityCounter, l.settings.Cache.OpportunityWindow)
	}
	return total
}

func (l *Layer) cacheFailure(op, key string, err error) {
	l.metrics.RecordError("cache_" + op)
	l.log.Warn("comm: cache operation failed",
		logger.String("op", op),
		logger.String("key", key),
		logger.Error(err),
	)
}

// CacheMarketData stores snap for the market data TTL.
func (l *Layer) CacheMarketData(ctx context.Context, snap *models.MarketSnapshot) bool {
	if snap == nil || snap.Symbol == "" {
		return false
	}
	return l.Set(ctx, l.Key(EntityMarketData, snap.Symbol), snap, l.settings.Cache.MarketDataTTL)
}

// MarketData returns the cached snapshot for symbol.
func (l *Layer) MarketData(ctx context.Context, symbol string) (*models.MarketSnapshot, bool) {
	var snap models.MarketSnapshot
	if !l.Get(ctx, l.Key(EntityMarketData, symbol), &snap) {
		return nil, false
	}
	return &snap, true
}

// AppendHistory adds snap to the symbol's bounded history, scored by its
// capture time in milliseconds. The oldest entries are evicted past the cap.
func (l *Layer) AppendHistory(ctx context.Context, snap *models.MarketSnapshot) bool {
	if snap == nil || snap.Symbol == "" {
		return false
	}
	key := l.Key(EntityHistory, snap.Symbol)
	score := float64(snap.Timestamp.UnixMilli())
	if err := l.cache.AppendCapped(ctx, key, score, snap, l.settings.Cache.HistoryCap); err != nil {
		l.cacheFailure("append", key, err)
		return false
	}
	return true
}

// History returns the snapshots of symbol captured in [since, until], oldest
// first. Backend failures yield an empty history.
func (l *Layer) History(ctx context.Context, symbol string, since, until time.Time) []models.MarketSnapshot {
	key := l.Key(EntityHistory, symbol)
	out, err := cache.RangeTyped[models.MarketSnapshot](ctx, l.cache, key,
		float64(since.UnixMilli()), float64(until.UnixMilli()))
	if err != nil {
		l.cacheFailure("range", key, err)
		return nil
	}
	return out
}

// CacheNews stores the news events for symbol for the news TTL.
func (l *Layer) CacheNews(ctx context.Context, symbol string, events []models.NewsEvent) bool {
	if events == nil {
		events = []models.NewsEvent{}
	}
	return l.Set(ctx, l.Key(EntityNews, symbol), events, l.settings.Cache.NewsTTL)
}

// News returns cached news for symbol. A cached empty list is a hit.
func (l *Layer) News(ctx context.Context, symbol string) ([]models.NewsEvent, bool) {
	var events []models.NewsEvent
	if !l.Get(ctx, l.Key(EntityNews, symbol), &events) {
		return nil, false
	}
	return events, true
}

// CacheOpportunity stores the latest scan result for its symbol.
func (l *Layer) CacheOpportunity(ctx context.Context, opp models.Opportunity) bool {
	return l.Set(ctx, l.Key(EntityScanResult, opp.Symbol), opp, l.settings.Cache.ScanResultTTL)
}

// Opportunity returns the cached scan result for symbol.
func (l *Layer) Opportunity(ctx context.Context, symbol string) (*models.Opportunity, bool) {
	var opp models.Opportunity
	if !l.Get(ctx, l.Key(EntityScanResult, symbol), &opp) {
		return nil, false
	}
	return &opp, true
}

// CacheSummary stores summary under its cycle id and as the latest summary.
func (l *Layer) CacheSummary(ctx context.Context, summary models.ScanCycleSummary) bool {
	ttl := l.settings.Cache.SummaryTTL
	ok := l.Set(ctx, l.Key(EntitySummary, summary.CycleID), summary, ttl)
	return l.Set(ctx, l.Key(EntitySummary, latestSummaryID), summary, ttl) && ok
}

// LastSummary returns the most recently cached cycle summary.
func (l *Layer) LastSummary(ctx context.Context) (*models.ScanCycleSummary, bool) {
	return l.Summary(ctx, latestSummaryID)
}

// Summary returns the cached summary of cycleID.
func (l *Layer) Summary(ctx context.Context, cycleID string) (*models.ScanCycleSummary, bool) {
	var s models.ScanCycleSummary
	if !l.Get(ctx, l.Key(EntitySummary, cycleID), &s) {
		return nil, false
	}
	return &s, true
}
