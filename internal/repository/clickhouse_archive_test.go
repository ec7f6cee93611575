package repository

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoinScout/internal/domain/models"
)

func TestBuildInsertPlaceholders(t *testing.T) {
	q, args := buildInsert("db.t", []string{"a", "b", "c"}, [][]interface{}{{1, 2, 3}, {4, 5, 6}})

	assert.Equal(t, "INSERT INTO db.t (a, b, c) VALUES (?, ?, ?),(?, ?, ?)", q)
	assert.Equal(t, []interface{}{1, 2, 3, 4, 5, 6}, args)
}

func TestOpportunityRowCarriesPayload(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	opp := models.Opportunity{
		Symbol:         "BTCUSDT",
		Score:          82.5,
		Confidence:     0.9,
		Recommendation: models.StrongBuy,
		NewsCount:      2,
		CycleID:        "cycle-1",
		Timestamp:      ts,
	}

	row, err := opportunityRow(&opp)
	require.NoError(t, err)
	require.Len(t, row, len(opportunityColumns))
	assert.Equal(t, ts, row[0])
	assert.Equal(t, "BTCUSDT", row[2])
	assert.Equal(t, "STRONG_BUY", row[5])
	assert.Equal(t, []string{}, row[6])
	assert.Equal(t, uint32(2), row[7])

	var decoded models.Opportunity
	require.NoError(t, json.Unmarshal([]byte(row[8].(string)), &decoded))
	assert.Equal(t, opp.Symbol, decoded.Symbol)
	assert.InDelta(t, opp.Score, decoded.Score, 1e-9)
}

func TestOpportunityRowSkipsUnkeyed(t *testing.T) {
	row, err := opportunityRow(&models.Opportunity{Symbol: "ETHUSDT"})
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestCycleRowEncodesTriggers(t *testing.T) {
	row, err := cycleRow(&models.ScanCycleSummary{
		CycleID:        "c",
		SymbolsScanned: 4,
		RuleTriggers:   map[string]int{models.RuleThreeHigh: 3},
	})
	require.NoError(t, err)
	require.Len(t, row, len(cycleColumns))
	assert.Equal(t, uint32(4), row[4])
	assert.JSONEq(t, `{"three_high":3}`, row[8].(string))
}

func TestRecentQueryClampsLimit(t *testing.T) {
	since := time.Unix(1700000000, 0)

	q, args := recentQuery("db.opportunities", "btcusdt", since, 0)
	assert.Contains(t, q, "symbol = ?")
	assert.Equal(t, []interface{}{"BTCUSDT", since.UTC(), defaultRecentLimit}, args)

	q, args = recentQuery("db.opportunities", "", since, 5000)
	assert.NotContains(t, q, "symbol")
	assert.Equal(t, maxRecentLimit, args[1])
}

func TestSchemaStatements(t *testing.T) {
	stmts := schemaStatements("coinscout", 7)
	require.Len(t, stmts, 3)
	assert.Equal(t, "CREATE DATABASE IF NOT EXISTS coinscout", stmts[0])
	assert.Contains(t, stmts[1], "coinscout.opportunities")
	assert.Contains(t, stmts[1], "INTERVAL 7 DAY")
	assert.True(t, strings.Contains(stmts[2], "coinscout.scan_cycles"))

	assert.Len(t, schemaStatements("", 7), 2)
}
