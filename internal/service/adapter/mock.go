package adapter

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"time"

	"CoinScout/internal/domain/models"
	"CoinScout/pkg/config"
)

var defaultMockSymbols = []string{
	"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT",
	"ADAUSDT", "DOGEUSDT", "AVAXUSDT", "LINKUSDT", "PEPEUSDT",
}

var mockHeadlines = []struct {
	title     string
	sentiment float64
}{
	{"%s rally extends as open interest climbs", 0.6},
	{"%s mainnet upgrade scheduled", 0.5},
	{"Exchange announces %s listing", 0.7},
	{"%s slips as traders take profit", -0.3},
	{"Analysts split on %s outlook", 0.0},
	{"%s ecosystem partnership announced", 0.55},
	{"Whale outflows weigh on %s", -0.45},
}

// MockAdapter produces synthetic but structurally valid data without any I/O.
// Values depend only on the seed and the symbol.
type MockAdapter struct {
	name      string
	seed      uint64
	symbols   []string
	connected atomic.Bool
	now       func() time.Time
}

func NewMockAdapter(name string, cfg config.MockAdapterConfig) *MockAdapter {
	symbols := cfg.Symbols
	if len(symbols) == 0 {
		symbols = defaultMockSymbols
	}
	if name == "" {
		name = "mock"
	}
	return &MockAdapter{name: name, seed: cfg.Seed, symbols: symbols, now: time.Now}
}

func (a *MockAdapter) Name() string                      { return a.name }
func (a *MockAdapter) Type() models.AdapterType          { return models.AdapterTypeMock }
func (a *MockAdapter) IsMock() bool                      { return true }
func (a *MockAdapter) IsConnected() bool                 { return a.connected.Load() }
func (a *MockAdapter) HealthCheck(context.Context) error { return a.check() }

func (a *MockAdapter) Connect(context.Context) error {
	a.connected.Store(true)
	return nil
}

func (a *MockAdapter) Disconnect(context.Context) error {
	a.connected.Store(false)
	return nil
}

func (a *MockAdapter) check() error {
	if !a.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

func (a *MockAdapter) rng(symbol, salt string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	_, _ = h.Write([]byte(salt))
	return rand.New(rand.NewPCG(a.seed, h.Sum64()))
}

func (a *MockAdapter) GetMarketData(_ context.Context, symbol string) (*models.MarketSnapshot, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	return a.snapshot(symbol, a.now()), nil
}

func (a *MockAdapter) snapshot(symbol string, now time.Time) *models.MarketSnapshot {
	r := a.rng(symbol, "market")
	// Log-uniform price between 1e-4 and 1e5.
	price := math.Pow(10, -4+9*r.Float64())
	change := (r.Float64() - 0.45) * 0.3
	avgVolume := math.Pow(10, 5+4*r.Float64())
	volume := avgVolume * (0.5 + 3*r.Float64())
	supply := math.Pow(10, 6+5*r.Float64())
	rangePct := math.Abs(change) + 0.01 + 0.05*r.Float64()

	return &models.MarketSnapshot{
		Symbol:            symbol,
		Price:             price,
		Volume24h:         volume,
		AvgVolume24h:      avgVolume,
		PriceChange24h:    change,
		PriceChange7d:     (r.Float64() - 0.4) * 0.8,
		PriceChange30d:    (r.Float64() - 0.4) * 1.2,
		High24h:           price * (1 + rangePct/2),
		Low24h:            price * (1 - rangePct/2),
		MarketCap:         price * supply,
		CirculatingSupply: supply,
		TotalSupply:       supply * (1 + r.Float64()),
		Source:            a.name,
		Timestamp:         now,
	}
}

// GetNewsEvents returns up to three synthetic events per symbol published in
// the last day, newest first.
func (a *MockAdapter) GetNewsEvents(_ context.Context, symbol string, since time.Time, limit int) ([]models.NewsEvent, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	now := a.now()
	base := models.BaseAsset(symbol)
	r := a.rng(symbol, "news")
	n := r.IntN(4)
	events := make([]models.NewsEvent, 0, n)
	for i := 0; i < n; i++ {
		h := mockHeadlines[r.IntN(len(mockHeadlines))]
		published := now.Add(-time.Duration(1+r.IntN(23)) * time.Hour).Truncate(time.Hour)
		if published.Before(since) {
			continue
		}
		events = append(events, models.NewsEvent{
			ID:             fmt.Sprintf("mock-%s-%d", base, i),
			Title:          fmt.Sprintf(h.title, base),
			Source:         a.name,
			PublishedAt:    published,
			Sentiment:      h.sentiment,
			Impact:         0.3 + 0.6*r.Float64(),
			RelatedSymbols: []string{base},
			Categories:     []string{"mock"},
		})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].PublishedAt.After(events[j].PublishedAt) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (a *MockAdapter) ListSymbols(context.Context) ([]string, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	return append([]string(nil), a.symbols...), nil
}
