package adapter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"CoinScout/internal/domain/models"
	lru "CoinScout/internal/service/cache"
	"CoinScout/pkg/config"
	xhttp "CoinScout/pkg/http"
	"CoinScout/pkg/logger"
)

const (
	binancePingPath     = "/api/v3/ping"
	binanceTickerPath   = "/api/v3/ticker/24hr"
	binanceExchangePath = "/api/v3/exchangeInfo"
	binanceListingTTL   = 10 * time.Minute
)

// BinanceAdapter reads 24h tickers and the exchange listing from the Binance
// public REST API. In mock mode it serves synthetic data instead.
type BinanceAdapter struct {
	cfg       config.BinanceConfig
	client    *xhttp.Client
	tickers   *lru.LRU[*models.MarketSnapshot]
	listing   *lru.LRU[[]string]
	mock      *MockAdapter
	connected atomic.Bool
	log       *logger.Logger
}

func NewBinanceAdapter(cfg config.BinanceConfig, timeout time.Duration, log *logger.Logger, opts ...xhttp.ClientOption) *BinanceAdapter {
	if log == nil {
		log = logger.NewNop()
	}
	clientOpts := append([]xhttp.ClientOption{
		xhttp.WithTimeout(timeout),
		xhttp.WithRateLimit(cfg.RateLimit, cfg.Burst),
		xhttp.WithRetries(cfg.MaxRetries, 250*time.Millisecond),
	}, opts...)
	a := &BinanceAdapter{
		cfg:     cfg,
		client:  xhttp.NewClient(clientOpts...),
		tickers: lru.NewLRU[*models.MarketSnapshot](cfg.CacheSize, cfg.CacheTTL),
		listing: lru.NewLRU[[]string](1, binanceListingTTL),
		log:     log.With(logger.String("adapter", "binance")),
	}
	if cfg.Mock {
		a.mock = NewMockAdapter("binance", config.MockAdapterConfig{Seed: 7})
	}
	return a
}

func (a *BinanceAdapter) Name() string             { return "binance" }
func (a *BinanceAdapter) Type() models.AdapterType { return models.AdapterTypeMarketData }
func (a *BinanceAdapter) IsMock() bool             { return a.mock != nil }
func (a *BinanceAdapter) IsConnected() bool        { return a.connected.Load() }

func (a *BinanceAdapter) Connect(ctx context.Context) error {
	if a.mock != nil {
		_ = a.mock.Connect(ctx)
	} else if err := a.ping(ctx); err != nil {
		a.connected.Store(false)
		return err
	}
	a.connected.Store(true)
	return nil
}

func (a *BinanceAdapter) Disconnect(ctx context.Context) error {
	a.connected.Store(false)
	a.tickers.Purge()
	if a.mock != nil {
		return a.mock.Disconnect(ctx)
	}
	return nil
}

func (a *BinanceAdapter) HealthCheck(ctx context.Context) error {
	if !a.connected.Load() {
		return ErrNotConnected
	}
	if a.mock != nil {
		return nil
	}
	return a.ping(ctx)
}

func (a *BinanceAdapter) ping(ctx context.Context) error {
	if _, err := a.client.GetBytes(ctx, a.cfg.BaseURL+binancePingPath, nil, a.headers()); err != nil {
		return fmt.Errorf("binance ping: %w", err)
	}
	return nil
}

func (a *BinanceAdapter) headers() map[string]string {
	if a.cfg.APIKey == "" {
		return nil
	}
	return map[string]string{"X-MBX-APIKEY": a.cfg.APIKey}
}

// GetMarketData returns (nil, nil) for symbols Binance does not know.
func (a *BinanceAdapter) GetMarketData(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	if !a.connected.Load() {
		return nil, ErrNotConnected
	}
	if a.mock != nil {
		return a.mock.GetMarketData(ctx, symbol)
	}
	symbol = strings.ToUpper(symbol)
	if snap, ok := a.tickers.Get(symbol); ok {
		cp := *snap
		return &cp, nil
	}

	body, err := a.client.GetBytes(ctx, a.cfg.BaseURL+binanceTickerPath,
		map[string][]string{"symbol": {symbol}}, a.headers())
	if err != nil {
		if xhttp.IsStatus(err, http.StatusBadRequest) {
			return nil, nil
		}
		return nil, fmt.Errorf("binance ticker %s: %w", symbol, err)
	}
	snap, err := parseBinanceTicker(body, time.Now())
	if err != nil {
		return nil, fmt.Errorf("binance ticker %s: %w", symbol, err)
	}
	snap.Source = a.Name()
	a.tickers.Set(symbol, snap)
	cp := *snap
	return &cp, nil
}

// ListSymbols returns trading pairs quoted in the configured quote asset.
func (a *BinanceAdapter) ListSymbols(ctx context.Context) ([]string, error) {
	if !a.connected.Load() {
		return nil, ErrNotConnected
	}
	if a.mock != nil {
		return a.mock.ListSymbols(ctx)
	}
	return a.listing.GetOrLoad(a.cfg.QuoteAsset, func() ([]string, error) {
		body, err := a.client.GetBytes(ctx, a.cfg.BaseURL+binanceExchangePath, nil, a.headers())
		if err != nil {
			return nil, fmt.Errorf("binance exchange info: %w", err)
		}
		symbols, err := parseBinanceSymbols(body, a.cfg.QuoteAsset)
		if err != nil {
			return nil, err
		}
		a.log.Info("exchange listing loaded", logger.Int("symbols", len(symbols)))
		return symbols, nil
	})
}

// parseBinanceTicker reads a /ticker/24hr object. Numeric fields arrive as
// strings; percentages are converted to fractions.
func parseBinanceTicker(body []byte, now time.Time) (*models.MarketSnapshot, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid ticker json")
	}
	r := gjson.ParseBytes(body)
	symbol := r.Get("symbol").String()
	price := r.Get("lastPrice").Float()
	if symbol == "" || price <= 0 {
		return nil, fmt.Errorf("ticker missing symbol or price")
	}
	ts := now
	if ms := r.Get("closeTime").Int(); ms > 0 {
		ts = time.UnixMilli(ms).UTC()
	}
	return &models.MarketSnapshot{
		Symbol:         symbol,
		Price:          price,
		Volume24h:      r.Get("quoteVolume").Float(),
		PriceChange24h: r.Get("priceChangePercent").Float() / 100,
		High24h:        r.Get("highPrice").Float(),
		Low24h:         r.Get("lowPrice").Float(),
		Timestamp:      ts,
	}, nil
}

func parseBinanceSymbols(body []byte, quote string) ([]string, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid exchange info json")
	}
	var out []string
	gjson.GetBytes(body, "symbols").ForEach(func(_, s gjson.Result) bool {
		if s.Get("status").String() == "TRADING" && (quote == "" || s.Get("quoteAsset").String() == quote) {
			out = append(out, s.Get("symbol").String())
		}
		return true
	})
	return out, nil
}
