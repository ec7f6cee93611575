package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"CoinScout/internal/domain/models"
	"CoinScout/internal/service/adapter"
	"CoinScout/internal/services/rules"
	"CoinScout/pkg/logger"
)

type symbolOutcome int

const (
	outcomeScanned symbolOutcome = iota
	outcomeFailed
	outcomeDataQuality
)

// RunCycle performs one full scan pass. Per-symbol failures are counted in
// the summary; an error means the cycle as a whole failed.
func (s *Scanner) RunCycle(ctx context.Context) (models.ScanCycleSummary, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	cycleID := uuid.NewString()
	log := s.log.With(logger.String("cycle_id", cycleID))
	started := s.now()
	s.emitStart(cycleID)

	summary, found, err := s.scan(ctx, cycleID, started, log)
	finished := s.now()
	summary.FinishedAt = finished
	summary.DurationMs = finished.Sub(started).Milliseconds()

	if err != nil {
		summary.Error = err.Error()
		if ctx.Err() != nil {
			s.metrics.RecordCycle("interrupted", finished.Sub(started).Seconds())
			log.Info("scan cycle interrupted", logger.Int("scanned", summary.SymbolsScanned))
			return summary, err
		}
		s.cycleFailed(ctx, summary, err, log)
		return summary, err
	}

	return s.dispatch(ctx, summary, found, log), nil
}

func (s *Scanner) scan(ctx context.Context, cycleID string, now time.Time, log *logger.Logger) (models.ScanCycleSummary, []models.Opportunity, error) {
	summary := models.ScanCycleSummary{
		CycleID:      cycleID,
		StartedAt:    now,
		RuleTriggers: map[string]int{},
	}
	if !s.source.HasMarketData() {
		return summary, nil, fmt.Errorf("scan cycle: %w", adapter.ErrNoAdapters)
	}

	symbols := s.resolveUniverse(ctx)
	// symbol tasks outlive loop cancellation; adapter timeouts bound them
	taskCtx := context.WithoutCancel(ctx)
	refs := s.references(taskCtx)
	log.Debug("scan cycle started", logger.Int("symbols", len(symbols)), logger.Int("references", len(refs)))

	var (
		mu    sync.Mutex
		found []models.Opportunity
	)
	sem := make(chan struct{}, s.cfg.MaxConcurrent)
	for start := 0; start < len(symbols); start += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return summary, nil, fmt.Errorf("scan cycle: %w", err)
		}
		end := start + s.cfg.BatchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		var wg sync.WaitGroup
		for _, symbol := range symbols[start:end] {
			sem <- struct{}{}
			wg.Add(1)
			go func(symbol string) {
				defer wg.Done()
				defer func() { <-sem }()
				s.metrics.RecordInFlight(1)
				defer s.metrics.RecordInFlight(-1)

				opp, outcome := s.safeScanSymbol(taskCtx, symbol, cycleID, refs, now, log)

				mu.Lock()
				defer mu.Unlock()
				switch outcome {
				case outcomeScanned:
					summary.SymbolsScanned++
					for _, rule := range opp.TriggeredRules {
						summary.RuleTriggers[rule]++
					}
					found = append(found, opp)
				case outcomeDataQuality:
					summary.DataQualityFailures++
				default:
					summary.SymbolsFailed++
				}
			}(symbol)
		}
		wg.Wait()
	}
	return summary, found, nil
}

// references fetches the configured reference snapshots once per cycle.
func (s *Scanner) references(ctx context.Context) []models.MarketSnapshot {
	refs := make([]models.MarketSnapshot, 0, len(s.cfg.ReferenceSymbols))
	for _, sym := range s.cfg.ReferenceSymbols {
		snap, err := s.source.GetMarketData(ctx, sym, s.cfg.PreferredAdapter)
		if err != nil || snap == nil {
			continue
		}
		if snap.Validate() != nil {
			continue
		}
		refs = append(refs, *snap)
	}
	return refs
}

func (s *Scanner) safeScanSymbol(ctx context.Context, symbol, cycleID string, refs []models.MarketSnapshot, now time.Time, log *logger.Logger) (opp models.Opportunity, outcome symbolOutcome) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.RecordSymbolScanned("failed")
			log.Error("symbol scan panicked", logger.String("symbol", symbol), logger.Any("panic", r))
			outcome = outcomeFailed
		}
	}()
	return s.scanSymbol(ctx, symbol, cycleID, refs, now, log)
}

func (s *Scanner) scanSymbol(ctx context.Context, symbol, cycleID string, refs []models.MarketSnapshot, now time.Time, log *logger.Logger) (models.Opportunity, symbolOutcome) {
	snap, err := s.source.GetMarketData(ctx, symbol, s.cfg.PreferredAdapter)
	if err != nil || snap == nil {
		s.metrics.RecordSymbolScanned("failed")
		log.Debug("market data unavailable", logger.String("symbol", symbol), logger.Error(err))
		return models.Opportunity{}, outcomeFailed
	}
	if err := snap.Validate(); err != nil {
		s.metrics.RecordSymbolScanned("invalid")
		log.Warn("market data rejected", logger.String("symbol", symbol), logger.Error(err))
		return models.Opportunity{}, outcomeDataQuality
	}

	s.comm.CacheMarketData(ctx, snap)
	news := s.loadNews(ctx, symbol, now, log)
	history := s.comm.History(ctx, symbol, now.Add(-s.cfg.HistoryWindow), now)
	s.comm.AppendHistory(ctx, snap)

	results := s.engine.Evaluate(rules.Input{
		Snapshot:   *snap,
		News:       news,
		History:    history,
		References: refs,
		Now:        now,
	})
	opp := combine(*snap, results, s.engine.Weights())
	opp.Recommendation = classify(opp.Score, opp.Confidence, s.cfg.Thresholds, s.cfg.WatchConfidenceFloor)
	opp.NewsCount = len(news)
	opp.CycleID = cycleID
	opp.Timestamp = now

	for _, rule := range opp.TriggeredRules {
		s.metrics.RecordRuleTrigger(rule)
	}
	s.metrics.RecordSymbolScanned("ok")
	return opp, outcomeScanned
}

// loadNews reads the symbol's news from the cache, asking the adapters on a
// miss. Only events inside the lookback window are returned.
func (s *Scanner) loadNews(ctx context.Context, symbol string, now time.Time, log *logger.Logger) []models.NewsEvent {
	if events, ok := s.comm.News(ctx, symbol); ok {
		return freshNews(events, now, s.cfg.NewsLookback)
	}
	events, err := s.source.GetNewsEvents(ctx, symbol, now.Add(-s.cfg.NewsLookback), s.cfg.NewsLimit)
	if err != nil {
		log.Debug("news unavailable", logger.String("symbol", symbol), logger.Error(err))
		return nil
	}
	s.comm.CacheNews(ctx, symbol, events)
	return freshNews(events, now, s.cfg.NewsLookback)
}

// dispatch publishes, caches and archives the ranked opportunities and the
// cycle summary, then updates state and runs callbacks. It returns the
// finalized summary.
func (s *Scanner) dispatch(ctx context.Context, summary models.ScanCycleSummary, found []models.Opportunity, log *logger.Logger) models.ScanCycleSummary {
	pubCtx := context.WithoutCancel(ctx)
	ranked := rank(found, s.cfg.MinScore, s.cfg.MinConfidence, s.cfg.MaxOpportunities)
	summary.OpportunitiesFound = len(ranked)

	for _, opp := range ranked {
		if err := s.comm.PublishOpportunity(pubCtx, opp); err != nil {
			log.Debug("opportunity not published", logger.String("symbol", opp.Symbol), logger.Error(err))
		}
		s.comm.CacheOpportunity(pubCtx, opp)
		s.metrics.RecordOpportunity(string(opp.Recommendation))
	}
	if len(ranked) > 0 {
		total := s.comm.CountOpportunities(pubCtx, len(ranked))
		log.Debug("rolling opportunity count", logger.Int64("total", total))
	}
	s.archiveResults(pubCtx, summary, ranked, log)

	if err := s.comm.PublishScanResult(pubCtx, summary); err != nil {
		log.Debug("scan summary not published", logger.Error(err))
	}
	s.comm.CacheSummary(pubCtx, summary)

	s.mu.Lock()
	s.cycles++
	s.consecutiveErrors = 0
	s.lastCycleAt = summary.FinishedAt
	last := summary
	s.lastSummary = &last
	if s.state == models.StateError {
		s.setStateLocked(models.StateScanning)
	}
	s.mu.Unlock()

	s.metrics.RecordCycle("ok", float64(summary.DurationMs)/1000)
	log.Info("scan cycle completed",
		logger.Int("scanned", summary.SymbolsScanned),
		logger.Int("failed", summary.SymbolsFailed),
		logger.Int("data_quality", summary.DataQualityFailures),
		logger.Int("opportunities", summary.OpportunitiesFound),
		logger.Int64("duration_ms", summary.DurationMs),
	)

	for _, opp := range ranked {
		s.emitOpportunity(opp)
	}
	s.heartbeat(pubCtx, log)
	s.emitComplete(summary)
	return summary
}

func (s *Scanner) archiveResults(ctx context.Context, summary models.ScanCycleSummary, ranked []models.Opportunity, log *logger.Logger) {
	if s.archive == nil {
		return
	}
	if len(ranked) > 0 {
		if err := s.archive.StoreOpportunities(ctx, ranked); err != nil {
			s.metrics.RecordError("archive")
			log.Warn("archive opportunities failed", logger.Error(err))
		}
	}
	if err := s.archive.StoreSummary(ctx, summary); err != nil {
		s.metrics.RecordError("archive")
		log.Warn("archive summary failed", logger.Error(err))
	}
}

// cycleFailed moves a running scanner into the error state and reports the
// failure. The loop retries after errorBackoff.
func (s *Scanner) cycleFailed(ctx context.Context, summary models.ScanCycleSummary, err error, log *logger.Logger) {
	pubCtx := context.WithoutCancel(ctx)

	s.mu.Lock()
	s.cycles++
	s.consecutiveErrors++
	consecutive := s.consecutiveErrors
	s.lastCycleAt = summary.FinishedAt
	last := summary
	s.lastSummary = &last
	if s.state == models.StateScanning {
		s.setStateLocked(models.StateError)
	}
	s.mu.Unlock()

	kind := "cycle"
	if errors.Is(err, adapter.ErrNoAdapters) {
		kind = "no_adapters"
	}
	s.metrics.RecordError(kind)
	s.metrics.RecordCycle("failed", float64(summary.DurationMs)/1000)
	log.Error("scan cycle failed", logger.Error(err), logger.Int("consecutive", consecutive))

	if perr := s.comm.PublishError(pubCtx, "scanner", err, summary.CycleID); perr != nil {
		log.Debug("error report not published", logger.Error(perr))
	}
	s.comm.CacheSummary(pubCtx, summary)
	s.archiveResults(pubCtx, summary, nil, log)
	s.heartbeat(pubCtx, log)
	s.emitError(err, consecutive)
}

func (s *Scanner) heartbeat(ctx context.Context, log *logger.Logger) {
	if !s.cfg.Heartbeat {
		return
	}
	var connected []string
	for _, rec := range s.source.Records() {
		if rec.Status.Usable() {
			connected = append(connected, rec.Name)
		}
	}
	s.mu.Lock()
	hb := models.Heartbeat{
		State:             s.state,
		Cycles:            s.cycles,
		ConsecutiveErrors: s.consecutiveErrors,
		ConnectedAdapters: connected,
		Timestamp:         s.now().UTC(),
	}
	s.mu.Unlock()
	if err := s.comm.PublishHeartbeat(ctx, hb); err != nil {
		log.Debug("heartbeat not published", logger.Error(err))
	}
}
