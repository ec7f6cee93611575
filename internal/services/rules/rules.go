// Package rules holds the opportunity detectors and the engine that runs them.
// Detectors are pure: for a fixed Input they return identical results.
package rules

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"CoinScout/internal/domain/models"
	"CoinScout/pkg/config"
	"CoinScout/pkg/logger"
)

// ErrInvalidConfig is returned by detector constructors for negative weights
// or thresholds outside [0,1].
var ErrInvalidConfig = errors.New("rules: invalid configuration")

// Input is everything a detector may look at for one symbol.
type Input struct {
	Snapshot   models.MarketSnapshot
	News       []models.NewsEvent
	History    []models.MarketSnapshot
	References []models.MarketSnapshot
	Now        time.Time
}

// Detector scores one symbol.
type Detector interface {
	Name() string
	Weight() float64
	Enabled() bool
	UsesNews() bool
	Evaluate(in Input) models.DetectionResult
}

// NormalizeWeights scales ws to sum to 1. All-zero weights become equal
// weights; a negative weight is a configuration error.
func NormalizeWeights(ws []float64) ([]float64, error) {
	out := make([]float64, len(ws))
	var sum float64
	for i, w := range ws {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("%w: weight %d is %v", ErrInvalidConfig, i, w)
		}
		sum += w
	}
	for i, w := range ws {
		if sum == 0 {
			out[i] = 1 / float64(len(ws))
		} else {
			out[i] = w / sum
		}
	}
	return out, nil
}

func checkUnit(name string, v float64) error {
	if v < 0 || v > 1 || math.IsNaN(v) {
		return fmt.Errorf("%w: %s must be within [0,1], got %v", ErrInvalidConfig, name, v)
	}
	return nil
}

func checkPositive(name string, v float64) error {
	if v <= 0 || math.IsNaN(v) {
		return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidConfig, name, v)
	}
	return nil
}

// factor is one named sub-score with its effective weight.
type factor struct {
	name   string
	weight float64
	value  float64
}

// breakdown builds Details for factors and returns the score derived from them.
func breakdown(factors []factor, thresholds map[string]float64) (map[string]float64, float64) {
	details := make(map[string]float64, len(factors)*2+len(thresholds))
	for _, f := range factors {
		details[models.FactorPrefix+f.name] = f.value
		details[models.WeightPrefix+f.name] = f.weight
	}
	for k, v := range thresholds {
		details[models.ThresholdPrefix+k] = v
	}
	r := models.DetectionResult{Details: details}
	return details, r.WeightedSum()
}

// evalTime is the reference instant for freshness and lookback windows.
func evalTime(in Input) time.Time {
	if !in.Now.IsZero() {
		return in.Now
	}
	return in.Snapshot.Timestamp
}

func newResult(rule string, in Input) models.DetectionResult {
	return models.DetectionResult{
		Symbol:     in.Snapshot.Symbol,
		Rule:       rule,
		Reasons:    []string{},
		Details:    map[string]float64{},
		Attributes: map[string]string{},
		Timestamp:  evalTime(in),
	}
}

// Engine runs enabled detectors in registration order.
type Engine struct {
	detectors []Detector
	log       *logger.Logger
}

// NewEngine rejects duplicate detector names.
func NewEngine(log *logger.Logger, detectors ...Detector) (*Engine, error) {
	if log == nil {
		log = logger.NewNop()
	}
	seen := make(map[string]bool, len(detectors))
	for _, d := range detectors {
		if seen[d.Name()] {
			return nil, fmt.Errorf("%w: duplicate detector %q", ErrInvalidConfig, d.Name())
		}
		seen[d.Name()] = true
	}
	return &Engine{detectors: detectors, log: log.With(logger.String("component", "rule_engine"))}, nil
}

// Detectors returns the registered detectors.
func (e *Engine) Detectors() []Detector {
	return append([]Detector(nil), e.detectors...)
}

// Weights returns the combination weight of every enabled detector.
func (e *Engine) Weights() map[string]float64 {
	out := make(map[string]float64, len(e.detectors))
	for _, d := range e.detectors {
		if d.Enabled() {
			out[d.Name()] = d.Weight()
		}
	}
	return out
}

// Evaluate never panics: a failing detector yields a non-triggered result
// carrying the failure as its reason.
func (e *Engine) Evaluate(in Input) []models.DetectionResult {
	results := make([]models.DetectionResult, 0, len(e.detectors))
	for _, d := range e.detectors {
		if !d.Enabled() {
			continue
		}
		din := in
		if !d.UsesNews() {
			din.News = nil
		}
		results = append(results, e.safeEvaluate(d, din))
	}
	return results
}

func (e *Engine) safeEvaluate(d Detector, in Input) (res models.DetectionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("detector panicked",
				logger.String("rule", d.Name()),
				logger.String("symbol", in.Snapshot.Symbol),
				logger.Any("panic", r),
			)
			res = newResult(d.Name(), in)
			res.Reasons = append(res.Reasons, fmt.Sprintf("evaluation failed: %v", r))
		}
	}()
	return d.Evaluate(in)
}

// Triggered filters results to the triggered ones, sorted by score descending.
func Triggered(results []models.DetectionResult) []models.DetectionResult {
	var out []models.DetectionResult
	for _, r := range results {
		if r.Triggered {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// NewEngineFromConfig builds the three standard detectors. Any invalid
// threshold or weight fails here, before scanning starts.
func NewEngineFromConfig(cfg config.RulesConfig, log *logger.Logger) (*Engine, error) {
	th, err := NewThreeHigh(cfg.ThreeHigh)
	if err != nil {
		return nil, err
	}
	bh, err := NewBlackHorse(cfg.BlackHorse)
	if err != nil {
		return nil, err
	}
	pf, err := NewPotentialFinder(cfg.PotentialFinder)
	if err != nil {
		return nil, err
	}
	return NewEngine(log, th, bh, pf)
}
