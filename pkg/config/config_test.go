package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Equal(t, "development", c.Environment)
	assert.Equal(t, "memory", c.Backend.Type)
	assert.Equal(t, "scanner", c.Cache.Prefix)
	assert.Equal(t, 120*time.Second, c.Cache.MarketDataTTL)
	assert.Equal(t, time.Hour, c.Cache.ScanResultTTL)
	assert.Equal(t, 30*time.Minute, c.Cache.NewsTTL)
	assert.Equal(t, 1000, c.Cache.HistoryCap)
	assert.Equal(t, 5, c.Scanner.MaxConcurrent)
	assert.Equal(t, 20, c.Scanner.MaxOpportunities)
	assert.Equal(t, 10*time.Second, c.Scanner.ErrorBackoff)
	assert.Equal(t, 30*time.Second, c.Scanner.MaxErrorBackoff)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, c.Scanner.ReferenceSymbols)
	assert.Equal(t, "scanner.pool.preliminary", c.Topics.Opportunities)
	assert.Equal(t, 5*time.Second, c.Adapters.Timeouts.MarketData)
	assert.Equal(t, 80.0, c.Scanner.Thresholds.StrongBuy)
	assert.InDelta(t, 0.4, c.Rules.ThreeHigh.VolumeWeight, 1e-9)
}

func TestParseOverridesDefaults(t *testing.T) {
	c, err := Parse([]byte(`
environment: production
tenant: acme
backend:
  type: redis
scanner:
  max_concurrent: 8
  interval: 30s
adapters:
  binance:
    enabled: false
rules:
  black_horse:
    min_momentum: 0.7
`))
	require.NoError(t, err)
	assert.Equal(t, "production", c.Environment)
	assert.Equal(t, "acme", c.Tenant)
	assert.Equal(t, "redis", c.Backend.Type)
	assert.Equal(t, 8, c.Scanner.MaxConcurrent)
	assert.Equal(t, 30*time.Second, c.Scanner.Interval)
	assert.Equal(t, 20, c.Scanner.BatchSize, "untouched fields keep defaults")
	assert.False(t, c.Adapters.Binance.Enabled)
	assert.InDelta(t, 0.7, c.Rules.BlackHorse.MinMomentum, 1e-9)
	assert.InDelta(t, 0.25, c.Rules.BlackHorse.VolumeWeight, 1e-9)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"kafka without brokers": "backend:\n  type: kafka\n",
		"unknown backend":       "backend:\n  type: nats\n",
		"bad thresholds":        "scanner:\n  thresholds:\n    buy: 90\n",
		"bad regex":             "universe:\n  include: [\"([\"]\n",
		"zero concurrency":      "scanner:\n  max_concurrent: 0\n",
		"backoff order":         "scanner:\n  error_backoff: 1m\n",
		"no market adapters":    "adapters:\n  binance: {enabled: false}\n  mock: {enabled: false}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	c := Default()
	env := map[string]string{
		"SCANNER_ENV":     "staging",
		"KAFKA_BROKERS":   "k1:9092, k2:9092",
		"BUS_BACKEND":     "kafka",
		"BINANCE_API_KEY": "secret",
		"TENANT":          "t1",
		"LOG_LEVEL":       "DEBUG",
	}
	c.ApplyEnv(func(k string) string { return env[k] })

	require.NoError(t, c.Validate())
	assert.Equal(t, "staging", c.Environment)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.Equal(t, "kafka", c.Backend.Type)
	assert.Equal(t, "secret", c.Adapters.Binance.APIKey)
	assert.Equal(t, "t1", c.Tenant)
	assert.Equal(t, "debug", c.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: test\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", c.Environment)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTopicsAll(t *testing.T) {
	c := Default()
	assert.Equal(t, []string{"scanner.pool.preliminary", "scanner.status", "scanner.news", "scanner.errors"}, c.Topics.All())
}

func TestShippedConfigIsValid(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", c.Backend.Type)
	assert.Equal(t, 30, c.ClickHouse.Retention)
	assert.Equal(t, "0.0.0.0", c.Server.Host)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, c.Scanner.ReferenceSymbols)
	assert.InDelta(t, 0.35, c.Rules.ThreeHigh.Weight, 1e-9)
}
