package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// TechnicalIndicators bundles optional indicator readings attached to a snapshot.
type TechnicalIndicators struct {
	RSI             float64 `json:"rsi,omitempty"`
	MACD            float64 `json:"macd,omitempty"`
	MACDSignal      float64 `json:"macd_signal,omitempty"`
	BollingerUpper  float64 `json:"bollinger_upper,omitempty"`
	BollingerMiddle float64 `json:"bollinger_middle,omitempty"`
	BollingerLower  float64 `json:"bollinger_lower,omitempty"`
	SMA20           float64 `json:"sma_20,omitempty"`
	SMA50           float64 `json:"sma_50,omitempty"`
	EMA12           float64 `json:"ema_12,omitempty"`
	EMA26           float64 `json:"ema_26,omitempty"`
	SocialMentions  float64 `json:"social_mentions,omitempty"`
}

// Fundamentals carries project-level data used by the potential finder.
type Fundamentals struct {
	DeveloperActivity float64 `json:"developer_activity,omitempty"` // commits over the last 30d
	CommunitySize     float64 `json:"community_size,omitempty"`     // followers/holders
	Partnerships      int     `json:"partnerships,omitempty"`
	InnovationScore   float64 `json:"innovation_score,omitempty"` // 0..1
	SecurityScore     float64 `json:"security_score,omitempty"`   // 0..1, higher is safer
	RegulatoryRisk    float64 `json:"regulatory_risk,omitempty"`  // 0..1, higher is riskier
}

// MarketSnapshot is one point-in-time market reading for a symbol.
// Percentage changes are fractions: 0.18 means +18%.
type MarketSnapshot struct {
	Symbol            string               `json:"symbol"`
	Price             float64              `json:"price"`
	Volume24h         float64              `json:"volume_24h"`
	AvgVolume24h      float64              `json:"avg_volume_24h,omitempty"`
	PriceChange24h    float64              `json:"price_change_24h"`
	PriceChange7d     float64              `json:"price_change_7d,omitempty"`
	PriceChange30d    float64              `json:"price_change_30d,omitempty"`
	High24h           float64              `json:"high_24h,omitempty"`
	Low24h            float64              `json:"low_24h,omitempty"`
	MarketCap         float64              `json:"market_cap,omitempty"`
	CirculatingSupply float64              `json:"circulating_supply,omitempty"`
	TotalSupply       float64              `json:"total_supply,omitempty"`
	Volatility        float64              `json:"volatility,omitempty"`
	Indicators        *TechnicalIndicators `json:"indicators,omitempty"`
	Fundamentals      *Fundamentals        `json:"fundamentals,omitempty"`
	Source            string               `json:"source,omitempty"`
	Timestamp         time.Time            `json:"timestamp"`
}

// CurrentVolatility returns the explicit volatility if present, otherwise the
// intraday range relative to price, otherwise the absolute 24h change.
func (s *MarketSnapshot) CurrentVolatility() float64 {
	if s.Volatility > 0 {
		return s.Volatility
	}
	if s.High24h > 0 && s.Low24h > 0 && s.Price > 0 && s.High24h >= s.Low24h {
		return (s.High24h - s.Low24h) / s.Price
	}
	if s.PriceChange24h < 0 {
		return -s.PriceChange24h
	}
	return s.PriceChange24h
}

// ErrInvalidSnapshot marks market data that fails basic quality checks.
var ErrInvalidSnapshot = errors.New("invalid market snapshot")

// Validate rejects snapshots the detectors cannot score.
func (s *MarketSnapshot) Validate() error {
	switch {
	case s.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidSnapshot)
	case !(s.Price > 0) || math.IsInf(s.Price, 0):
		return fmt.Errorf("%w: %s price %v", ErrInvalidSnapshot, s.Symbol, s.Price)
	case s.Volume24h < 0 || math.IsNaN(s.Volume24h) || math.IsInf(s.Volume24h, 0):
		return fmt.Errorf("%w: %s volume %v", ErrInvalidSnapshot, s.Symbol, s.Volume24h)
	case math.IsNaN(s.PriceChange24h) || math.IsInf(s.PriceChange24h, 0):
		return fmt.Errorf("%w: %s price change %v", ErrInvalidSnapshot, s.Symbol, s.PriceChange24h)
	case s.Timestamp.IsZero():
		return fmt.Errorf("%w: %s has no timestamp", ErrInvalidSnapshot, s.Symbol)
	}
	return nil
}

// BaseAsset strips common quote suffixes: BTCUSDT -> BTC.
func BaseAsset(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, q := range []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"} {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q)
		}
	}
	return s
}

// NewsEvent is a news item with sentiment and impact annotations.
type NewsEvent struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Body           string    `json:"body,omitempty"`
	Source         string    `json:"source"`
	URL            string    `json:"url,omitempty"`
	PublishedAt    time.Time `json:"published_at"`
	Sentiment      float64   `json:"sentiment"` // -1..1
	Impact         float64   `json:"impact"`    // 0..1
	RelatedSymbols []string  `json:"related_symbols,omitempty"`
	Categories     []string  `json:"categories,omitempty"`
	Keywords       []string  `json:"keywords,omitempty"`
}

// IsFresh reports whether the event was published within window before now.
func (e *NewsEvent) IsFresh(now time.Time, window time.Duration) bool {
	if e.PublishedAt.IsZero() {
		return false
	}
	if e.PublishedAt.After(now) {
		// Tolerate small clock skew between us and the provider.
		return e.PublishedAt.Sub(now) < time.Minute
	}
	return now.Sub(e.PublishedAt) <= window
}

// Relevance scores how strongly the event relates to symbol: 1 when listed as a
// related symbol, 0.5 when only mentioned in the text, 0 otherwise.
func (e *NewsEvent) Relevance(symbol string) float64 {
	base := BaseAsset(symbol)
	for _, rs := range e.RelatedSymbols {
		r := strings.ToUpper(rs)
		if r == strings.ToUpper(symbol) || r == base || BaseAsset(r) == base {
			return 1
		}
	}
	text := strings.ToUpper(e.Title + " " + e.Body)
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) {
		if w == base {
			return 0.5
		}
	}
	return 0
}
