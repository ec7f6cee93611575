package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"CoinScout/internal/domain/models"
	domrepo "CoinScout/internal/domain/repository"
	pkgch "CoinScout/pkg/clickhouse"
	applogger "CoinScout/pkg/logger"
)

const (
	opportunitiesTable = "opportunities"
	cyclesTable        = "scan_cycles"

	insertChunkSize     = 2000
	defaultRecentLimit  = 50
	maxRecentLimit      = 1000
	defaultRetentionDay = 30
)

var opportunityColumns = []string{
	"ts", "cycle_id", "symbol", "score", "confidence",
	"recommendation", "triggered_rules", "news_count", "payload",
}

var cycleColumns = []string{
	"started_at", "finished_at", "cycle_id", "duration_ms", "symbols_scanned",
	"symbols_failed", "data_quality_failures", "opportunities_found", "rule_triggers", "error",
}

// ClickHouseArchive stores ranked opportunities and cycle summaries in
// ClickHouse for later inspection.
type ClickHouseArchive struct {
	ch        *pkgch.Client
	database  string
	retention int
	l         *applogger.Logger
}

var _ domrepo.OpportunityArchive = (*ClickHouseArchive)(nil)

// NewClickHouseArchive creates an archive over an open client. Rows older
// than retentionDays are expired by the table TTL.
func NewClickHouseArchive(ch *pkgch.Client, database string, retentionDays int) *ClickHouseArchive {
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDay
	}
	return &ClickHouseArchive{ch: ch, database: database, retention: retentionDays, l: applogger.NewNop()}
}

// SetLogger injects a structured logger.
func (a *ClickHouseArchive) SetLogger(l *applogger.Logger) {
	if l != nil {
		a.l = l
	}
}

func (a *ClickHouseArchive) Init(ctx context.Context) error {
	if err := a.ch.InitSchema(ctx, schemaStatements(a.database, a.retention)); err != nil {
		a.l.Error("clickhouse archive schema error", applogger.String("database", a.database), applogger.Error(err))
		return err
	}
	return nil
}

func (a *ClickHouseArchive) StoreOpportunities(ctx context.Context, opps []models.Opportunity) error {
	start := time.Now()
	table := a.table(opportunitiesTable)
	for lo := 0; lo < len(opps); lo += insertChunkSize {
		hi := lo + insertChunkSize
		if hi > len(opps) {
			hi = len(opps)
		}
		rows := make([][]interface{}, 0, hi-lo)
		for i := range opps[lo:hi] {
			row, err := opportunityRow(&opps[lo+i])
			if err != nil {
				return err
			}
			if row != nil {
				rows = append(rows, row)
			}
		}
		if len(rows) == 0 {
			continue
		}
		q, args := buildInsert(table, opportunityColumns, rows)
		if _, err := a.ch.DB().ExecContext(ctx, q, args...); err != nil {
			a.l.Error("clickhouse insert opportunities error",
				applogger.String("table", table),
				applogger.Int("rows", len(rows)),
				applogger.Error(err),
			)
			return fmt.Errorf("insert opportunities: %w", err)
		}
	}
	a.l.Debug("clickhouse insert opportunities ok",
		applogger.Int("rows", len(opps)),
		applogger.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (a *ClickHouseArchive) StoreSummary(ctx context.Context, s models.ScanCycleSummary) error {
	row, err := cycleRow(&s)
	if err != nil {
		return err
	}
	table := a.table(cyclesTable)
	q, args := buildInsert(table, cycleColumns, [][]interface{}{row})
	if _, err := a.ch.DB().ExecContext(ctx, q, args...); err != nil {
		a.l.Error("clickhouse insert cycle error",
			applogger.String("table", table),
			applogger.String("cycle_id", s.CycleID),
			applogger.Error(err),
		)
		return fmt.Errorf("insert cycle summary: %w", err)
	}
	return nil
}

// RecentOpportunities returns archived opportunities newer than since, most
// recent first. An empty symbol matches every symbol.
func (a *ClickHouseArchive) RecentOpportunities(ctx context.Context, symbol string, since time.Time, limit int) ([]models.Opportunity, error) {
	q, args := recentQuery(a.table(opportunitiesTable), symbol, since, limit)
	rows, err := a.ch.DB().QueryContext(ctx, q, args...)
	if err != nil {
		a.l.Error("clickhouse recent_opportunities query error",
			applogger.String("symbol", symbol),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("query opportunities: %w", err)
	}
	defer rows.Close()

	out := make([]models.Opportunity, 0, 64)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		var opp models.Opportunity
		if err := json.Unmarshal([]byte(payload), &opp); err != nil {
			a.l.Warn("clickhouse archived opportunity undecodable",
				applogger.String("symbol", symbol),
				applogger.Error(err),
			)
			continue
		}
		out = append(out, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (a *ClickHouseArchive) Health(ctx context.Context) error {
	return a.ch.Health(ctx)
}

// Close releases the underlying connection pool.
func (a *ClickHouseArchive) Close() error {
	return a.ch.Close()
}

func (a *ClickHouseArchive) table(name string) string {
	if a.database == "" {
		return name
	}
	return a.database + "." + name
}

func schemaStatements(database string, retentionDays int) []string {
	prefix := ""
	stmts := make([]string, 0, 3)
	if database != "" {
		prefix = database + "."
		stmts = append(stmts, "CREATE DATABASE IF NOT EXISTS "+database)
	}
	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s%s (
			ts DateTime64(3),
			cycle_id String,
			symbol LowCardinality(String),
			score Float64,
			confidence Float64,
			recommendation LowCardinality(String),
			triggered_rules Array(String),
			news_count UInt32,
			payload String
		) ENGINE = MergeTree ORDER BY (symbol, ts) TTL toDateTime(ts) + INTERVAL %d DAY`,
			prefix, opportunitiesTable, retentionDays),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s%s (
			started_at DateTime64(3),
			finished_at DateTime64(3),
			cycle_id String,
			duration_ms Int64,
			symbols_scanned UInt32,
			symbols_failed UInt32,
			data_quality_failures UInt32,
			opportunities_found UInt32,
			rule_triggers String,
			error String
		) ENGINE = MergeTree ORDER BY started_at TTL toDateTime(started_at) + INTERVAL %d DAY`,
			prefix, cyclesTable, retentionDays),
	)
	return stmts
}

// buildInsert renders a multi-row VALUES insert with one placeholder per
// column per row.
func buildInsert(table string, columns []string, rows [][]interface{}) (string, []interface{}) {
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	values := make([]string, len(rows))
	args := make([]interface{}, 0, len(rows)*len(columns))
	for i, row := range rows {
		values[i] = placeholder
		args = append(args, row...)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, strings.Join(columns, ", "), strings.Join(values, ","))
	return q, args
}

// opportunityRow returns nil for entries that cannot be keyed.
func opportunityRow(o *models.Opportunity) ([]interface{}, error) {
	if o.Symbol == "" || o.Timestamp.IsZero() {
		return nil, nil
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode opportunity %s: %w", o.Symbol, err)
	}
	triggered := o.TriggeredRules
	if triggered == nil {
		triggered = []string{}
	}
	return []interface{}{
		o.Timestamp.UTC(),
		o.CycleID,
		o.Symbol,
		o.Score,
		o.Confidence,
		string(o.Recommendation),
		triggered,
		uint32(o.NewsCount),
		string(payload),
	}, nil
}

func cycleRow(s *models.ScanCycleSummary) ([]interface{}, error) {
	triggers := s.RuleTriggers
	if triggers == nil {
		triggers = map[string]int{}
	}
	encoded, err := json.Marshal(triggers)
	if err != nil {
		return nil, fmt.Errorf("encode rule triggers: %w", err)
	}
	return []interface{}{
		s.StartedAt.UTC(),
		s.FinishedAt.UTC(),
		s.CycleID,
		s.DurationMs,
		uint32(s.SymbolsScanned),
		uint32(s.SymbolsFailed),
		uint32(s.DataQualityFailures),
		uint32(s.OpportunitiesFound),
		string(encoded),
		s.Error,
	}, nil
}

func recentQuery(table, symbol string, since time.Time, limit int) (string, []interface{}) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	if symbol == "" {
		return fmt.Sprintf("SELECT payload FROM %s WHERE ts >= ? ORDER BY ts DESC LIMIT ?", table),
			[]interface{}{since.UTC(), limit}
	}
	return fmt.Sprintf("SELECT payload FROM %s WHERE symbol = ? AND ts >= ? ORDER BY ts DESC LIMIT ?", table),
		[]interface{}{strings.ToUpper(symbol), since.UTC(), limit}
}
