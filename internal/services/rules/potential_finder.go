package rules

import (
	"fmt"
	"math"

	"CoinScout/internal/domain/models"
	"CoinScout/internal/services/features"
	"CoinScout/pkg/config"
)

const (
	factorMarketCap    = "market_cap"
	factorPrice        = "price"
	factorGrowth       = "growth"
	factorFundamentals = "fundamentals"
	factorRiskInverted = "risk_inverted"

	CategoryMicroCap = "micro_cap"
	CategorySmallCap = "small_cap"
	CategoryMidCap   = "mid_cap"
	CategoryLargeCap = "large_cap"
)

// PotentialFinder scores low-cap tokens for growth potential. Symbols outside
// the configured cap/price/volume bounds are rejected before scoring.
type PotentialFinder struct {
	cfg     config.PotentialFinderConfig
	weights [5]float64 // market cap, price, growth, fundamentals, risk
}

func NewPotentialFinder(cfg config.PotentialFinderConfig) (*PotentialFinder, error) {
	ws, err := NormalizeWeights([]float64{cfg.MarketCapWeight, cfg.PriceWeight, cfg.GrowthWeight, cfg.FundamentalWeight, cfg.RiskWeight})
	if err != nil {
		return nil, fmt.Errorf("potential_finder: %w", err)
	}
	for name, v := range map[string]float64{
		"min_score":        cfg.MinScore,
		"min_growth":       cfg.MinGrowth,
		"min_fundamentals": cfg.MinFundamentals,
		"max_risk":         cfg.MaxRisk,
	} {
		if err := checkUnit(name, v); err != nil {
			return nil, fmt.Errorf("potential_finder: %w", err)
		}
	}
	if cfg.Weight < 0 {
		return nil, fmt.Errorf("potential_finder: %w: negative rule weight", ErrInvalidConfig)
	}
	if cfg.MinMarketCap <= 0 || cfg.MaxMarketCap <= cfg.MinMarketCap {
		return nil, fmt.Errorf("potential_finder: %w: market cap bounds [%v, %v]", ErrInvalidConfig, cfg.MinMarketCap, cfg.MaxMarketCap)
	}
	if err := checkPositive("max_price", cfg.MaxPrice); err != nil {
		return nil, fmt.Errorf("potential_finder: %w", err)
	}
	return &PotentialFinder{cfg: cfg, weights: [5]float64{ws[0], ws[1], ws[2], ws[3], ws[4]}}, nil
}

func (d *PotentialFinder) Name() string    { return models.RulePotentialFinder }
func (d *PotentialFinder) Weight() float64 { return d.cfg.Weight }
func (d *PotentialFinder) Enabled() bool   { return d.cfg.Enabled }
func (d *PotentialFinder) UsesNews() bool  { return false }

func (d *PotentialFinder) Evaluate(in Input) models.DetectionResult {
	res := newResult(d.Name(), in)
	snap := &in.Snapshot

	if reason := d.prefilter(snap); reason != "" {
		res.Details[models.PrefilterRejected] = 1
		res.Reasons = append(res.Reasons, reason)
		return res
	}

	history := features.Within(in.History, evalTime(in), 0)
	capScore := d.marketCapFactor(snap.MarketCap)
	priceScore := priceBand(snap.Price)
	growth := growthFactor(snap, history)
	fundamentals, known := fundamentalsFactor(snap)
	risk := d.riskScore(snap, capScore)

	details, score := breakdown([]factor{
		{factorMarketCap, d.weights[0], capScore},
		{factorPrice, d.weights[1], priceScore},
		{factorGrowth, d.weights[2], growth},
		{factorFundamentals, d.weights[3], fundamentals},
		{factorRiskInverted, d.weights[4], 1 - risk},
	}, map[string]float64{
		"min_score":        d.cfg.MinScore,
		factorGrowth:       d.cfg.MinGrowth,
		factorFundamentals: d.cfg.MinFundamentals,
		"risk":             d.cfg.MaxRisk,
	})
	details["risk"] = risk
	res.Details = details
	res.Score = score

	var have float64
	for _, ok := range []bool{snap.PriceChange7d != 0, snap.PriceChange30d != 0, known, len(history) > 0, snap.Volatility > 0 || snap.High24h > 0} {
		if ok {
			have++
		}
	}
	res.Confidence = 0.4 + 0.6*have/5

	category := capCategory(snap.MarketCap)
	res.Attributes["category"] = category
	res.Reasons = append(res.Reasons, fmt.Sprintf("%s at $%.0f market cap", category, snap.MarketCap))
	if growth > d.cfg.MinGrowth {
		res.Reasons = append(res.Reasons, fmt.Sprintf("growth %+.0f%% over 7d", snap.PriceChange7d*100))
	}
	if !known {
		res.Reasons = append(res.Reasons, "fundamentals unknown, neutral")
	} else if fundamentals > d.cfg.MinFundamentals {
		res.Reasons = append(res.Reasons, "solid fundamentals")
	}
	if risk >= d.cfg.MaxRisk {
		res.Reasons = append(res.Reasons, fmt.Sprintf("risk too high (%.2f)", risk))
	}

	res.Triggered = growth > d.cfg.MinGrowth &&
		fundamentals > d.cfg.MinFundamentals &&
		risk < d.cfg.MaxRisk &&
		score >= d.cfg.MinScore
	return res
}

func (d *PotentialFinder) prefilter(s *models.MarketSnapshot) string {
	switch {
	case s.MarketCap < d.cfg.MinMarketCap || s.MarketCap > d.cfg.MaxMarketCap:
		return fmt.Sprintf("market cap %.0f outside [%.0f, %.0f]", s.MarketCap, d.cfg.MinMarketCap, d.cfg.MaxMarketCap)
	case s.Price <= 0 || s.Price > d.cfg.MaxPrice:
		return fmt.Sprintf("price %g outside (0, %g]", s.Price, d.cfg.MaxPrice)
	case s.Volume24h < d.cfg.MinVolume:
		return fmt.Sprintf("volume %.0f below %.0f", s.Volume24h, d.cfg.MinVolume)
	}
	return ""
}

// marketCapFactor is 1 at the lower cap bound and 0 at the upper, on a log scale.
func (d *PotentialFinder) marketCapFactor(mcap float64) float64 {
	lo, hi := math.Log10(d.cfg.MinMarketCap), math.Log10(d.cfg.MaxMarketCap)
	return features.Clamp01(1 - (math.Log10(mcap)-lo)/(hi-lo))
}

func priceBand(price float64) float64 {
	switch {
	case price < 0.001:
		return 1.0
	case price < 0.01:
		return 0.9
	case price < 0.1:
		return 0.8
	case price < 1:
		return 0.6
	case price < 10:
		return 0.4
	default:
		return 0.2
	}
}

func growthFactor(s *models.MarketSnapshot, history []models.MarketSnapshot) float64 {
	trend := 0.5
	if len(history) > 0 {
		if avg := features.Mean(features.Volumes(history)); avg > 0 {
			trend = features.Clamp01(0.5 + (s.Volume24h/avg-1)/4)
		}
	} else if s.AvgVolume24h > 0 {
		trend = features.Clamp01(0.5 + (s.Volume24h/s.AvgVolume24h-1)/4)
	}
	return 0.5*features.Clamp01(0.5+s.PriceChange7d) +
		0.3*features.Clamp01(0.5+s.PriceChange30d) +
		0.2*trend
}

// fundamentalsFactor averages the known fundamentals; known is false when the
// snapshot carries none and the neutral 0.5 is used.
func fundamentalsFactor(s *models.MarketSnapshot) (float64, bool) {
	var parts []float64
	if f := s.Fundamentals; f != nil {
		if f.DeveloperActivity > 0 {
			parts = append(parts, features.Clamp01(f.DeveloperActivity/100))
		}
		if f.CommunitySize > 0 {
			parts = append(parts, features.Clamp01(math.Log10(f.CommunitySize)/6))
		}
		if f.Partnerships > 0 {
			parts = append(parts, features.Clamp01(float64(f.Partnerships)/10))
		}
		if f.InnovationScore > 0 {
			parts = append(parts, features.Clamp01(f.InnovationScore))
		}
	}
	if s.CirculatingSupply > 0 && s.TotalSupply > 0 {
		parts = append(parts, features.Clamp01(s.CirculatingSupply/s.TotalSupply))
	}
	if len(parts) == 0 {
		return 0.5, false
	}
	return features.Mean(parts), true
}

// riskScore is the mean of volatility, liquidity, cap-size and
// security/regulatory risk, each in [0,1] with 1 the riskiest.
func (d *PotentialFinder) riskScore(s *models.MarketSnapshot, capScore float64) float64 {
	volatility := features.Clamp01(s.CurrentVolatility() / 0.5)
	liquidity := 1 - features.Clamp01((s.Volume24h/s.MarketCap)/0.1)
	security := 0.5
	if f := s.Fundamentals; f != nil && (f.SecurityScore > 0 || f.RegulatoryRisk > 0) {
		security = features.Mean([]float64{1 - features.Clamp01(f.SecurityScore), features.Clamp01(f.RegulatoryRisk)})
	}
	return features.Mean([]float64{volatility, liquidity, capScore, security})
}

func capCategory(mcap float64) string {
	switch {
	case mcap < 50_000_000:
		return CategoryMicroCap
	case mcap < 300_000_000:
		return CategorySmallCap
	case mcap < 2_000_000_000:
		return CategoryMidCap
	default:
		return CategoryLargeCap
	}
}
