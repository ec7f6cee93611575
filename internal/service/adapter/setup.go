package adapter

import (
	"CoinScout/pkg/config"
	"CoinScout/pkg/logger"
)

// NewFromConfig registers the enabled adapters in fallback order: REST
// market data, ticker stream, news, then the mock source of last resort.
func NewFromConfig(cfg config.AdaptersConfig, log *logger.Logger) (*Manager, error) {
	m := NewManager(WithTimeouts(cfg.Timeouts), WithManagerLogger(log))
	if cfg.Binance.Enabled {
		if err := m.Register(NewBinanceAdapter(cfg.Binance, cfg.Timeouts.MarketData, log)); err != nil {
			return nil, err
		}
	}
	if cfg.Stream.Enabled {
		if err := m.Register(NewStreamAdapter(cfg.Stream, log)); err != nil {
			return nil, err
		}
	}
	if cfg.News.Enabled {
		if err := m.Register(NewNewsAdapter(cfg.News, cfg.Timeouts.News, log)); err != nil {
			return nil, err
		}
	}
	if cfg.Mock.Enabled {
		if err := m.Register(NewMockAdapter("mock", cfg.Mock)); err != nil {
			return nil, err
		}
	}
	return m, nil
}
