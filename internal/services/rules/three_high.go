package rules

import (
	"fmt"
	"math"

	"CoinScout/internal/domain/models"
	"CoinScout/internal/services/features"
	"CoinScout/pkg/config"
)

const (
	factorVolatility  = "volatility"
	factorVolume      = "volume"
	factorCorrelation = "correlation"
)

// ThreeHigh flags symbols with unusually high volatility and volume whose
// 24h move agrees with the reference market.
type ThreeHigh struct {
	cfg     config.ThreeHighConfig
	weights [3]float64 // volatility, volume, correlation
}

func NewThreeHigh(cfg config.ThreeHighConfig) (*ThreeHigh, error) {
	ws, err := NormalizeWeights([]float64{cfg.VolatilityWeight, cfg.VolumeWeight, cfg.CorrelationWeight})
	if err != nil {
		return nil, fmt.Errorf("three_high: %w", err)
	}
	for name, v := range map[string]float64{
		"volatility_threshold":  cfg.VolatilityThreshold,
		"volume_threshold":      cfg.VolumeThreshold,
		"correlation_threshold": cfg.CorrelationMin,
		"min_score":             cfg.MinScore,
	} {
		if err := checkUnit(name, v); err != nil {
			return nil, fmt.Errorf("three_high: %w", err)
		}
	}
	if cfg.Weight < 0 {
		return nil, fmt.Errorf("three_high: %w: negative rule weight", ErrInvalidConfig)
	}
	if err := checkPositive("reference_volatility", cfg.ReferenceVolatility); err != nil {
		return nil, fmt.Errorf("three_high: %w", err)
	}
	if cfg.SpikeRatio <= 1 {
		return nil, fmt.Errorf("three_high: %w: spike_ratio must exceed 1", ErrInvalidConfig)
	}
	return &ThreeHigh{cfg: cfg, weights: [3]float64{ws[0], ws[1], ws[2]}}, nil
}

func (d *ThreeHigh) Name() string    { return models.RuleThreeHigh }
func (d *ThreeHigh) Weight() float64 { return d.cfg.Weight }
func (d *ThreeHigh) Enabled() bool   { return d.cfg.Enabled }
func (d *ThreeHigh) UsesNews() bool  { return false }

func (d *ThreeHigh) Evaluate(in Input) models.DetectionResult {
	res := newResult(d.Name(), in)
	snap := &in.Snapshot
	history := features.Within(in.History, evalTime(in), d.cfg.Lookback)

	var have, want float64 = 0, 4
	vol, volHist := d.volatilityFactor(snap, history)
	if volHist || snap.Volatility > 0 || snap.High24h > 0 {
		have++
	}
	volume, ratio, volumeSource := volumeFactor(snap, history, d.cfg.MinHistory, d.cfg.SpikeRatio)
	if volumeSource != "" {
		have++
	}
	if len(history) >= d.cfg.MinHistory {
		have++
	}
	corr, refs := correlationFactor(snap, in.References)
	if refs > 0 {
		have++
	}

	details, score := breakdown([]factor{
		{factorVolatility, d.weights[0], vol},
		{factorVolume, d.weights[1], volume},
		{factorCorrelation, d.weights[2], corr},
	}, map[string]float64{
		factorVolatility:  d.cfg.VolatilityThreshold,
		factorVolume:      d.cfg.VolumeThreshold,
		factorCorrelation: d.cfg.CorrelationMin,
		"min_score":       d.cfg.MinScore,
	})
	details["volume_ratio"] = ratio
	details["reference_count"] = float64(refs)
	res.Details = details
	res.Score = score
	res.Confidence = 0.4 + 0.6*have/want

	if ratio >= d.cfg.SpikeRatio {
		res.Reasons = append(res.Reasons, fmt.Sprintf("volume spike %.1fx average", ratio))
	} else if volume >= d.cfg.VolumeThreshold {
		res.Reasons = append(res.Reasons, fmt.Sprintf("elevated volume (%s)", volumeSource))
	}
	if vol >= d.cfg.VolatilityThreshold {
		res.Reasons = append(res.Reasons, fmt.Sprintf("volatility %.1f%%", snap.CurrentVolatility()*100))
	}
	if refs == 0 {
		res.Reasons = append(res.Reasons, "no reference data, neutral correlation")
	} else if corr >= d.cfg.CorrelationMin {
		res.Reasons = append(res.Reasons, fmt.Sprintf("moves with market (%d references)", refs))
	}

	res.Triggered = vol >= d.cfg.VolatilityThreshold &&
		volume >= d.cfg.VolumeThreshold &&
		corr >= d.cfg.CorrelationMin &&
		score >= d.cfg.MinScore
	if res.Triggered {
		res.Reasons = append(res.Reasons, fmt.Sprintf("three-high score %.2f", score))
	}
	return res
}

func (d *ThreeHigh) volatilityFactor(snap *models.MarketSnapshot, history []models.MarketSnapshot) (float64, bool) {
	current := snap.CurrentVolatility()
	if len(history) >= d.cfg.MinHistory {
		if z, ok := features.ZScore(current, features.Volatilities(history)); ok {
			return features.ZToUnit(z), true
		}
	}
	return features.Clamp01(current / d.cfg.ReferenceVolatility), false
}

// volumeFactor scores current volume against history, else against the
// snapshot's average volume. ratio is volume/average when an average exists.
func volumeFactor(snap *models.MarketSnapshot, history []models.MarketSnapshot, minHistory int, spike float64) (score, ratio float64, source string) {
	var avg float64
	if len(history) > 0 {
		avg = features.Mean(features.Volumes(history))
	}
	if avg <= 0 {
		avg = snap.AvgVolume24h
	}
	if avg > 0 {
		ratio = snap.Volume24h / avg
	}
	if len(history) >= minHistory {
		if z, ok := features.ZScore(snap.Volume24h, features.Volumes(history)); ok {
			return features.ZToUnit(z), ratio, "history"
		}
	}
	if avg > 0 {
		return features.Clamp01((ratio - 1) / (spike - 1)), ratio, "average"
	}
	return 0.5, 0, ""
}

// correlationFactor measures agreement of 24h change direction and magnitude
// with reference symbols. Zero moves are neutral.
func correlationFactor(snap *models.MarketSnapshot, refs []models.MarketSnapshot) (float64, int) {
	var sum float64
	n := 0
	for _, r := range refs {
		if r.Symbol == snap.Symbol {
			continue
		}
		n++
		a, b := snap.PriceChange24h, r.PriceChange24h
		if a == 0 || b == 0 {
			sum += 0.5
			continue
		}
		ratio := math.Min(math.Abs(a), math.Abs(b)) / math.Max(math.Abs(a), math.Abs(b))
		if (a > 0) == (b > 0) {
			sum += 0.5 + 0.5*ratio
		} else {
			sum += 0.5 - 0.5*ratio
		}
	}
	if n == 0 {
		return 0.5, 0
	}
	return sum / float64(n), n
}
