package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoinScout/internal/domain/models"
)

func TestLogReturns(t *testing.T) {
	r := LogReturns([]float64{100, 110, 0, 121})
	require.Len(t, r, 3)
	assert.InDelta(t, math.Log(1.1), r[0], 1e-12)
	assert.Equal(t, 0.0, r[1])
	assert.Equal(t, 0.0, r[2])
	assert.Nil(t, LogReturns([]float64{1}))
}

func TestMeanStdDevZScore(t *testing.T) {
	xs := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	assert.InDelta(t, 5.0, Mean(xs), 1e-12)
	assert.InDelta(t, 2.138089935, StdDev(xs), 1e-9)

	z, ok := ZScore(9, xs)
	require.True(t, ok)
	assert.InDelta(t, (9-5)/2.138089935, z, 1e-9)

	_, ok = ZScore(1, []float64{3, 3, 3})
	assert.False(t, ok, "flat series has no z-score")
	_, ok = ZScore(1, []float64{3})
	assert.False(t, ok)
}

func TestZToUnitAndClamp(t *testing.T) {
	assert.Equal(t, 0.5, ZToUnit(0))
	assert.Equal(t, 1.0, ZToUnit(3))
	assert.Equal(t, 0.0, ZToUnit(-3))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
}

func TestWithin(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	h := []models.MarketSnapshot{
		{Price: 3, Timestamp: now.Add(-1 * time.Hour)},
		{Price: 1, Timestamp: now.Add(-30 * time.Hour)},
		{Price: 2, Timestamp: now.Add(-2 * time.Hour)},
		{Price: 4, Timestamp: now.Add(time.Hour)},
	}
	got := Within(h, now, 24*time.Hour)
	require.Len(t, got, 2)
	assert.Equal(t, []float64{2, 3}, Prices(got))
}

func TestRSI(t *testing.T) {
	up := make([]float64, 20)
	for i := range up {
		up[i] = float64(i + 1)
	}
	v, ok := RSI(up, 14)
	require.True(t, ok)
	assert.Equal(t, 100.0, v)

	_, ok = RSI(up[:10], 14)
	assert.False(t, ok)
}

func TestBollingerAndIndicators(t *testing.T) {
	prices := make([]float64, 25)
	for i := range prices {
		prices[i] = 10
	}
	lo, mid, up, ok := Bollinger(prices, 20, 2)
	require.True(t, ok)
	assert.Equal(t, 10.0, lo)
	assert.Equal(t, 10.0, mid)
	assert.Equal(t, 10.0, up)

	assert.Nil(t, IndicatorsFromHistory(nil, 10))

	h := make([]models.MarketSnapshot, 30)
	for i := range h {
		h[i].Price = float64(100 + i)
	}
	ind := IndicatorsFromHistory(h, 131)
	require.NotNil(t, ind)
	assert.Equal(t, 100.0, ind.RSI)
	assert.Greater(t, ind.SMA20, 0.0)
	assert.Equal(t, 0.0, ind.SMA50)
}
