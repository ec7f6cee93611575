package usecase

import (
	"sort"
	"time"

	"CoinScout/internal/domain/models"
	"CoinScout/internal/services/rules"
	"CoinScout/pkg/config"
)

// combine folds the detector results for one symbol into an opportunity. The
// overall score is the weight-averaged detector score scaled to 0..100; the
// confidence is averaged with the same weights.
func combine(snap models.MarketSnapshot, results []models.DetectionResult, weights map[string]float64) models.Opportunity {
	opp := models.Opportunity{
		Symbol:         snap.Symbol,
		Results:        make(map[string]models.DetectionResult, len(results)),
		TriggeredRules: []string{},
		Snapshot:       snap,
	}
	if len(results) == 0 {
		return opp
	}

	ws := make([]float64, len(results))
	for i, r := range results {
		ws[i] = weights[r.Rule]
	}
	norm, err := rules.NormalizeWeights(ws)
	if err != nil {
		norm = make([]float64, len(results))
		for i := range norm {
			norm[i] = 1 / float64(len(results))
		}
	}

	var score, conf float64
	for i, r := range results {
		score += norm[i] * r.Score
		conf += norm[i] * r.Confidence
		opp.Results[r.Rule] = r
		if r.Triggered {
			opp.TriggeredRules = append(opp.TriggeredRules, r.Rule)
		}
	}
	sort.Strings(opp.TriggeredRules)
	opp.Score = 100 * score
	opp.Confidence = conf
	return opp
}

// classify maps a score to a recommendation. Low confidence always yields
// WATCH.
func classify(score, confidence float64, th config.RecommendationThresholds, watchFloor float64) models.Recommendation {
	if confidence < watchFloor {
		return models.Watch
	}
	switch {
	case score >= th.StrongBuy:
		return models.StrongBuy
	case score >= th.Buy:
		return models.Buy
	case score >= th.Hold:
		return models.Hold
	case score >= th.Sell:
		return models.Sell
	default:
		return models.StrongSell
	}
}

// rank drops opportunities below the score or confidence floor, orders the
// rest by score then confidence (symbol breaks ties) and keeps at most limit.
func rank(opps []models.Opportunity, minScore, minConfidence float64, limit int) []models.Opportunity {
	out := make([]models.Opportunity, 0, len(opps))
	for _, o := range opps {
		if o.Score >= minScore && o.Confidence >= minConfidence {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Symbol < out[j].Symbol
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// freshNews keeps events published within window before now.
func freshNews(events []models.NewsEvent, now time.Time, window time.Duration) []models.NewsEvent {
	out := make([]models.NewsEvent, 0, len(events))
	for i := range events {
		if events[i].IsFresh(now, window) {
			out = append(out, events[i])
		}
	}
	return out
}
