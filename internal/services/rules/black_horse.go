package rules

import (
	"fmt"
	"math"
	"time"

	"CoinScout/internal/domain/models"
	"CoinScout/internal/services/features"
	"CoinScout/pkg/config"
)

const (
	factorMomentum  = "momentum"
	factorSentiment = "sentiment"
	factorTechnical = "technical"

	// Per-event sentiment vs lexicon polarity when both are available.
	eventSentimentShare = 0.7

	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// BlackHorse looks for news-driven momentum: a strong move on rising volume
// backed by fresh positive coverage.
type BlackHorse struct {
	cfg     config.BlackHorseConfig
	weights [4]float64 // momentum, volume, sentiment, technical
}

func NewBlackHorse(cfg config.BlackHorseConfig) (*BlackHorse, error) {
	ws, err := NormalizeWeights([]float64{cfg.MomentumWeight, cfg.VolumeWeight, cfg.SentimentWeight, cfg.TechnicalWeight})
	if err != nil {
		return nil, fmt.Errorf("black_horse: %w", err)
	}
	for name, v := range map[string]float64{
		"confidence_threshold": cfg.ConfidenceThreshold,
		"min_momentum":         cfg.MinMomentum,
		"min_volume":           cfg.MinVolume,
	} {
		if err := checkUnit(name, v); err != nil {
			return nil, fmt.Errorf("black_horse: %w", err)
		}
	}
	if cfg.Weight < 0 {
		return nil, fmt.Errorf("black_horse: %w: negative rule weight", ErrInvalidConfig)
	}
	if err := checkPositive("reference_change", cfg.ReferenceChange); err != nil {
		return nil, fmt.Errorf("black_horse: %w", err)
	}
	if cfg.SpikeRatio <= 1 {
		return nil, fmt.Errorf("black_horse: %w: spike_ratio must exceed 1", ErrInvalidConfig)
	}
	if cfg.NewsFreshness <= 0 {
		return nil, fmt.Errorf("black_horse: %w: news_freshness must be positive", ErrInvalidConfig)
	}
	return &BlackHorse{cfg: cfg, weights: [4]float64{ws[0], ws[1], ws[2], ws[3]}}, nil
}

func (d *BlackHorse) Name() string    { return models.RuleBlackHorse }
func (d *BlackHorse) Weight() float64 { return d.cfg.Weight }
func (d *BlackHorse) Enabled() bool   { return d.cfg.Enabled }
func (d *BlackHorse) UsesNews() bool  { return true }

func (d *BlackHorse) Evaluate(in Input) models.DetectionResult {
	res := newResult(d.Name(), in)
	snap := &in.Snapshot
	now := evalTime(in)
	history := features.Within(in.History, now, 0)

	var have float64
	momentum, fromHistory := d.momentumFactor(snap, history)
	if fromHistory {
		have++
	}
	volume, ratio, volumeSource := volumeFactor(snap, history, d.cfg.MinHistory, d.cfg.SpikeRatio)
	if volumeSource != "" {
		have++
	}
	sentiment, fresh, stale := d.sentimentFactor(snap.Symbol, in.News, now)
	if fresh > 0 {
		have++
	}
	technical, parts := technicalFactor(snap, history)
	if parts > 0 {
		have++
	}
	completeness := have / 4

	details, score := breakdown([]factor{
		{factorMomentum, d.weights[0], momentum},
		{factorVolume, d.weights[1], volume},
		{factorSentiment, d.weights[2], sentiment},
		{factorTechnical, d.weights[3], technical},
	}, map[string]float64{
		"confidence":   d.cfg.ConfidenceThreshold,
		factorMomentum: d.cfg.MinMomentum,
		factorVolume:   d.cfg.MinVolume,
	})
	details["volume_ratio"] = ratio
	details["fresh_news"] = float64(fresh)
	details["stale_news"] = float64(stale)
	res.Details = details
	res.Score = score
	res.Confidence = 0.5*completeness + 0.5*score

	risk := riskLevel(res.Confidence, snap.MarketCap, snap.CurrentVolatility())
	res.Attributes["risk_level"] = risk

	if momentum >= d.cfg.MinMomentum {
		res.Reasons = append(res.Reasons, fmt.Sprintf("price momentum %+.1f%% in 24h", snap.PriceChange24h*100))
	}
	if ratio >= d.cfg.SpikeRatio {
		res.Reasons = append(res.Reasons, fmt.Sprintf("volume spike %.1fx average", ratio))
	}
	if fresh > 0 {
		res.Reasons = append(res.Reasons, fmt.Sprintf("news sentiment %.2f across %d fresh events", sentiment*2-1, fresh))
	}
	if stale > 0 {
		res.Reasons = append(res.Reasons, fmt.Sprintf("%d stale news events ignored", stale))
	}
	if parts > 0 && technical >= 0.6 {
		res.Reasons = append(res.Reasons, "technical indicators supportive")
	}

	res.Triggered = score >= d.cfg.ConfidenceThreshold &&
		momentum >= d.cfg.MinMomentum &&
		volume >= d.cfg.MinVolume
	if res.Triggered {
		res.Reasons = append(res.Reasons, fmt.Sprintf("black horse candidate, %s risk", risk))
	}
	return res
}

func (d *BlackHorse) momentumFactor(snap *models.MarketSnapshot, history []models.MarketSnapshot) (float64, bool) {
	if len(history) >= d.cfg.MinHistory {
		if z, ok := features.ZScore(snap.PriceChange24h, features.Changes(history)); ok {
			return features.ZToUnit(z), true
		}
	}
	return features.Clamp01(0.5 + snap.PriceChange24h/(2*d.cfg.ReferenceChange)), false
}

// sentimentFactor maps the impact×relevance weighted sentiment of fresh
// events onto [0,1]. Stale events are dropped, not down-weighted.
func (d *BlackHorse) sentimentFactor(symbol string, news []models.NewsEvent, now time.Time) (score float64, fresh, stale int) {
	var sum, wsum float64
	for i := range news {
		ev := &news[i]
		if !ev.IsFresh(now, d.cfg.NewsFreshness) {
			stale++
			continue
		}
		fresh++
		s := clampSigned(ev.Sentiment)
		if kp, ok := KeywordPolarity(ev.Title + " " + ev.Body); ok {
			s = eventSentimentShare*s + (1-eventSentimentShare)*kp
		}
		w := features.Clamp01(ev.Impact) * ev.Relevance(symbol)
		sum += w * s
		wsum += w
	}
	if wsum == 0 {
		return 0.5, fresh, stale
	}
	return features.Clamp01((sum/wsum + 1) / 2), fresh, stale
}

// technicalFactor averages whichever indicator readings are available,
// preferring the snapshot's own indicators over ones derived from history.
func technicalFactor(snap *models.MarketSnapshot, history []models.MarketSnapshot) (float64, int) {
	ind := snap.Indicators
	if ind == nil {
		ind = features.IndicatorsFromHistory(history, snap.Price)
	}
	if ind == nil {
		return 0.5, 0
	}
	var parts []float64
	if ind.RSI > 0 {
		parts = append(parts, rsiBand(ind.RSI))
	}
	if ind.BollingerUpper > ind.BollingerLower && snap.Price > 0 {
		parts = append(parts, features.Clamp01((snap.Price-ind.BollingerLower)/(ind.BollingerUpper-ind.BollingerLower)))
	}
	if ind.SMA20 > 0 && snap.Price > 0 {
		parts = append(parts, features.Clamp01(0.5+(snap.Price/ind.SMA20-1)*5))
	}
	if ind.SocialMentions > 0 {
		parts = append(parts, features.Clamp01(math.Log10(1+ind.SocialMentions)/4))
	}
	if len(parts) == 0 {
		return 0.5, 0
	}
	return features.Mean(parts), len(parts)
}

// rsiBand favours healthy momentum (50-70) over overbought or oversold.
func rsiBand(rsi float64) float64 {
	switch {
	case rsi >= 80:
		return 0.3
	case rsi >= 70:
		return 0.6
	case rsi >= 50:
		return 0.8
	case rsi >= 30:
		return 0.5
	default:
		return 0.4
	}
}

func riskLevel(confidence, marketCap, volatility float64) string {
	points := 0
	switch {
	case confidence < 0.5:
		points += 2
	case confidence < 0.7:
		points++
	}
	switch {
	case marketCap > 0 && marketCap < 10_000_000:
		points += 2
	case marketCap < 100_000_000:
		points++
	}
	switch {
	case volatility > 0.3:
		points += 2
	case volatility > 0.15:
		points++
	}
	switch {
	case points <= 1:
		return RiskLow
	case points <= 3:
		return RiskMedium
	default:
		return RiskHigh
	}
}

func clampSigned(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(-1, math.Min(1, x))
}
