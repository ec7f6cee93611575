package features

import (
	"math"
	"sort"
	"time"

	"CoinScout/internal/domain/models"
)

// LogReturns computes r_t = ln(p_t / p_{t-1}). It returns a slice of length
// len(prices)-1, or nil if insufficient data.
func LogReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev, cur := prices[i-1], prices[i]
		if prev <= 0 || cur <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// RealizedVolatility is the sample standard deviation of the last window
// returns. A window <= 1 uses every return.
func RealizedVolatility(returns []float64, window int) float64 {
	if window <= 1 || window > len(returns) {
		window = len(returns)
	}
	if window < 2 {
		return 0
	}
	return StdDev(returns[len(returns)-window:])
}

func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev is the sample standard deviation, 0 for fewer than two values.
func StdDev(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	m := Mean(xs)
	ss := 0.0
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// ZScore returns (x-mean)/std of series and false when the series is too short
// or flat to be meaningful.
func ZScore(x float64, series []float64) (float64, bool) {
	if len(series) < 2 {
		return 0, false
	}
	sd := StdDev(series)
	if sd == 0 || math.IsNaN(sd) {
		return 0, false
	}
	return (x - Mean(series)) / sd, true
}

// Clamp01 bounds x to [0,1]; NaN maps to 0.
func Clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// ZToUnit maps a z-score onto [0,1] centred at 0.5, saturating at |z| = 2.
func ZToUnit(z float64) float64 {
	return Clamp01(0.5 + z/4)
}

// Within returns history entries captured in (now-lookback, now], ordered by
// capture time. A non-positive lookback keeps everything up to now.
func Within(history []models.MarketSnapshot, now time.Time, lookback time.Duration) []models.MarketSnapshot {
	out := make([]models.MarketSnapshot, 0, len(history))
	for _, h := range history {
		if h.Timestamp.After(now) {
			continue
		}
		if lookback > 0 && !h.Timestamp.After(now.Add(-lookback)) {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Series extracts one float per snapshot.
func Series(history []models.MarketSnapshot, f func(*models.MarketSnapshot) float64) []float64 {
	out := make([]float64, len(history))
	for i := range history {
		out[i] = f(&history[i])
	}
	return out
}

func Prices(history []models.MarketSnapshot) []float64 {
	return Series(history, func(s *models.MarketSnapshot) float64 { return s.Price })
}

func Volumes(history []models.MarketSnapshot) []float64 {
	return Series(history, func(s *models.MarketSnapshot) float64 { return s.Volume24h })
}

func Volatilities(history []models.MarketSnapshot) []float64 {
	return Series(history, func(s *models.MarketSnapshot) float64 { return s.CurrentVolatility() })
}

func Changes(history []models.MarketSnapshot) []float64 {
	return Series(history, func(s *models.MarketSnapshot) float64 { return s.PriceChange24h })
}

// SMA is the simple moving average of the last n prices; ok is false when
// fewer than n prices exist.
func SMA(prices []float64, n int) (float64, bool) {
	if n <= 0 || len(prices) < n {
		return 0, false
	}
	return Mean(prices[len(prices)-n:]), true
}

// RSI computes Wilder's relative strength index over period.
func RSI(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) <= period {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain, avgLoss := gain/float64(period), loss/float64(period)
	for i := period + 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// Bollinger returns (lower, middle, upper) bands of width k standard
// deviations over the last n prices.
func Bollinger(prices []float64, n int, k float64) (lower, middle, upper float64, ok bool) {
	if n < 2 || len(prices) < n {
		return 0, 0, 0, false
	}
	w := prices[len(prices)-n:]
	middle = Mean(w)
	sd := StdDev(w)
	return middle - k*sd, middle, middle + k*sd, true
}

// IndicatorsFromHistory derives RSI(14), SMA20/50 and Bollinger(20, 2) from
// trailing prices plus the current price.
func IndicatorsFromHistory(history []models.MarketSnapshot, current float64) *models.TechnicalIndicators {
	prices := append(Prices(history), current)
	ind := &models.TechnicalIndicators{}
	found := false
	if v, ok := RSI(prices, 14); ok {
		ind.RSI, found = v, true
	}
	if v, ok := SMA(prices, 20); ok {
		ind.SMA20, found = v, true
	}
	if v, ok := SMA(prices, 50); ok {
		ind.SMA50, found = v, true
	}
	if lo, mid, up, ok := Bollinger(prices, 20, 2); ok {
		ind.BollingerLower, ind.BollingerMiddle, ind.BollingerUpper, found = lo, mid, up, true
	}
	if !found {
		return nil
	}
	return ind
}
