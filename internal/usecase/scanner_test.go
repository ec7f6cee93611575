package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoinScout/internal/domain/models"
	"CoinScout/internal/service/adapter"
	"CoinScout/internal/service/comm"
	"CoinScout/internal/services/rules"
	"CoinScout/pkg/bus"
	"CoinScout/pkg/cache"
	"CoinScout/pkg/config"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	snaps   map[string]*models.MarketSnapshot
	news    []models.NewsEvent
	listing []string
	listErr error

	noMarket    atomic.Bool
	delay       time.Duration
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	newsCalls   atomic.Int64
}

func newFakeSource(symbols ...string) *fakeSource {
	f := &fakeSource{snaps: make(map[string]*models.MarketSnapshot)}
	for _, s := range symbols {
		f.snaps[s] = &models.MarketSnapshot{Symbol: s, Price: 10, Volume24h: 1e6, Timestamp: testNow}
	}
	return f
}

func (f *fakeSource) GetMarketData(_ context.Context, symbol, _ string) (*models.MarketSnapshot, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[symbol]
	if !ok {
		return nil, fmt.Errorf("market data for %s: %w", symbol, adapter.ErrNoData)
	}
	cp := *snap
	return &cp, nil
}

func (f *fakeSource) GetNewsEvents(_ context.Context, _ string, _ time.Time, _ int) ([]models.NewsEvent, error) {
	f.newsCalls.Add(1)
	return f.news, nil
}

func (f *fakeSource) ListSymbols(context.Context) ([]string, error) {
	return f.listing, f.listErr
}

func (f *fakeSource) HasMarketData() bool { return !f.noMarket.Load() }

func (f *fakeSource) Records() []models.AdapterRecord {
	return []models.AdapterRecord{{Name: "fake", Status: models.AdapterConnected}}
}

// stubEngine scores each symbol with a fixed (score, confidence) pair.
type stubEngine struct {
	scores map[string][2]float64
	seen   sync.Map // symbol -> rules.Input
}

func (e *stubEngine) Evaluate(in rules.Input) []models.DetectionResult {
	if in.Snapshot.Symbol == "PANIC" {
		panic("boom")
	}
	e.seen.Store(in.Snapshot.Symbol, in)
	sc := e.scores[in.Snapshot.Symbol]
	return []models.DetectionResult{{
		Symbol:     in.Snapshot.Symbol,
		Rule:       "stub",
		Score:      sc[0],
		Confidence: sc[1],
		Triggered:  sc[0] >= 0.6,
	}}
}

func (e *stubEngine) Weights() map[string]float64 { return map[string]float64{"stub": 1} }

type published struct {
	mu   sync.Mutex
	envs map[models.MessageType][]*models.Envelope
}

func (p *published) count(t models.MessageType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envs[t])
}

func (p *published) symbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, env := range p.envs[models.MessageOpportunity] {
		out = append(out, env.Metadata["symbol"])
	}
	return out
}

func newTestComm(t *testing.T) (*comm.Layer, *published) {
	t.Helper()
	l, err := comm.New(bus.NewMemoryBus(nil), cache.NewMemoryCache(), comm.Settings{
		Namespace: cache.NewNamespace("scanner", "test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	p := &published{envs: map[models.MessageType][]*models.Envelope{}}
	_, err = l.Subscribe(context.Background(), "scanner.", func(_ context.Context, env *models.Envelope) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.envs[env.MessageType] = append(p.envs[env.MessageType], env)
		return nil
	})
	require.NoError(t, err)
	return l, p
}

func testScannerConfig() config.ScannerConfig {
	return config.ScannerConfig{
		Interval:             time.Hour,
		BatchSize:            20,
		MaxConcurrent:        5,
		MinScore:             60,
		MinConfidence:        0.5,
		MaxOpportunities:     20,
		ErrorBackoff:         time.Hour,
		MaxErrorBackoff:      time.Hour,
		WatchConfidenceFloor: 0.4,
		Heartbeat:            true,
	}
}

func newTestScanner(t *testing.T, cfg config.ScannerConfig, u config.UniverseConfig, src MarketSource, eng Evaluator) (*Scanner, *published) {
	t.Helper()
	l, p := newTestComm(t)
	s, err := NewScanner(cfg, u, src, eng, l, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s, p
}

func TestRunCycleFiltersSortsAndCaps(t *testing.T) {
	symbols := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT", "DDDUSDT", "EEEUSDT"}
	eng := &stubEngine{scores: map[string][2]float64{
		"AAAUSDT": {0.9, 0.8},
		"BBBUSDT": {0.7, 0.9},
		"CCCUSDT": {0.7, 0.95},
		"DDDUSDT": {0.5, 0.9},
		"EEEUSDT": {0.95, 0.3},
	}}
	cfg := testScannerConfig()
	cfg.MaxOpportunities = 2

	var found []models.Opportunity
	s, p := newTestScanner(t, cfg, config.UniverseConfig{Symbols: symbols}, newFakeSource(symbols...), eng)
	s.OnOpportunityFound(func(opp models.Opportunity) { found = append(found, opp) })

	summary, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, summary.SymbolsScanned)
	assert.Equal(t, 2, summary.OpportunitiesFound)
	assert.Equal(t, 4, summary.RuleTriggers["stub"])
	assert.Empty(t, summary.Error)

	require.Len(t, found, 2)
	assert.Equal(t, "AAAUSDT", found[0].Symbol)
	assert.InDelta(t, 90, found[0].Score, 1e-9)
	assert.Equal(t, models.StrongBuy, found[0].Recommendation)
	assert.Equal(t, "CCCUSDT", found[1].Symbol)
	assert.Equal(t, models.Buy, found[1].Recommendation)
	assert.Equal(t, summary.CycleID, found[0].CycleID)

	assert.Equal(t, []string{"AAAUSDT", "CCCUSDT"}, p.symbols())
	assert.Equal(t, 1, p.count(models.MessageScanResult))
	assert.Equal(t, 1, p.count(models.MessageHeartbeat))

	last, ok := s.LastSummary(context.Background())
	require.True(t, ok)
	assert.Equal(t, summary.CycleID, last.CycleID)
	assert.Equal(t, int64(1), s.Status().Cycles)
}

func TestRunCycleRespectsConcurrencyBound(t *testing.T) {
	var symbols []string
	for i := 0; i < 12; i++ {
		symbols = append(symbols, fmt.Sprintf("S%02dUSDT", i))
	}
	src := newFakeSource(symbols...)
	src.delay = 20 * time.Millisecond
	cfg := testScannerConfig()
	cfg.MaxConcurrent = 3
	cfg.BatchSize = 5

	s, _ := newTestScanner(t, cfg, config.UniverseConfig{Symbols: symbols}, src, &stubEngine{})
	summary, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, summary.SymbolsScanned)
	assert.LessOrEqual(t, src.maxInFlight.Load(), int64(3))
	assert.GreaterOrEqual(t, src.maxInFlight.Load(), int64(2))
}

func TestRunCycleCountsSymbolFailures(t *testing.T) {
	src := newFakeSource("GOODUSDT", "PANIC")
	src.snaps["BADUSDT"] = &models.MarketSnapshot{Symbol: "BADUSDT", Price: 0, Timestamp: testNow}
	symbols := []string{"GOODUSDT", "MISSINGUSDT", "BADUSDT", "PANIC"}

	s, _ := newTestScanner(t, testScannerConfig(), config.UniverseConfig{Symbols: symbols}, src, &stubEngine{})
	summary, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SymbolsScanned)
	assert.Equal(t, 2, summary.SymbolsFailed)
	assert.Equal(t, 1, summary.DataQualityFailures)
}

func TestCycleWithoutAdaptersEntersErrorStateAndRecovers(t *testing.T) {
	src := newFakeSource("BTCUSDT")
	src.noMarket.Store(true)
	s, p := newTestScanner(t, testScannerConfig(), config.UniverseConfig{Symbols: []string{"BTCUSDT"}}, src, &stubEngine{})

	errCh := make(chan int, 1)
	s.OnError(func(err error, consecutive int) {
		assert.ErrorIs(t, err, adapter.ErrNoAdapters)
		errCh <- consecutive
	})

	require.NoError(t, s.Start(context.Background()))
	select {
	case n := <-errCh:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("OnError was not called")
	}
	assert.Eventually(t, func() bool { return s.State() == models.StateError }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Status().ConsecutiveErrors)
	assert.Equal(t, 1, p.count(models.MessageError))
	assert.False(t, s.Health(context.Background()).Healthy)

	// the loop is backing off; a manual cycle with adapters back clears the error
	src.noMarket.Store(false)
	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateScanning, s.State())
	assert.Equal(t, 0, s.Status().ConsecutiveErrors)

	require.NoError(t, s.Stop())
	assert.Equal(t, models.StateStopped, s.State())
}

func TestLifecycleTransitions(t *testing.T) {
	s, _ := newTestScanner(t, testScannerConfig(), config.UniverseConfig{Symbols: []string{"BTCUSDT"}}, newFakeSource("BTCUSDT"), &stubEngine{})
	ctx := context.Background()

	assert.ErrorIs(t, s.Pause(), ErrInvalidTransition)
	assert.ErrorIs(t, s.Resume(), ErrInvalidTransition)

	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyRunning)
	require.NoError(t, s.Pause())
	assert.Equal(t, models.StatePaused, s.State())
	assert.ErrorIs(t, s.Pause(), ErrInvalidTransition)
	require.NoError(t, s.Resume())
	assert.Equal(t, models.StateScanning, s.State())

	require.NoError(t, s.Stop())
	assert.Equal(t, models.StateStopped, s.State())
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, models.StateScanning, s.State())
	require.NoError(t, s.Stop())
}

func TestCallbackPanicDoesNotBreakCycle(t *testing.T) {
	eng := &stubEngine{scores: map[string][2]float64{"BTCUSDT": {0.9, 0.9}}}
	s, _ := newTestScanner(t, testScannerConfig(), config.UniverseConfig{Symbols: []string{"BTCUSDT"}}, newFakeSource("BTCUSDT"), eng)

	var completed atomic.Int64
	s.OnScanStart(func(string) { panic("start") })
	s.OnOpportunityFound(func(models.Opportunity) { panic("opportunity") })
	s.OnScanComplete(func(models.ScanCycleSummary) { completed.Add(1) })

	summary, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.OpportunitiesFound)
	assert.Equal(t, int64(1), completed.Load())
}

func TestNewsIsCachedAndFiltered(t *testing.T) {
	src := newFakeSource("ETHUSDT")
	src.news = []models.NewsEvent{
		{ID: "fresh", Title: "ETH upgrade", PublishedAt: testNow.Add(-2 * time.Hour)},
		{ID: "stale", Title: "old", PublishedAt: testNow.Add(-48 * time.Hour)},
	}
	eng := &stubEngine{}
	cfg := testScannerConfig()
	s, _ := newTestScanner(t, cfg, config.UniverseConfig{Symbols: []string{"ETHUSDT"}}, src, eng)

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = s.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), src.newsCalls.Load())
	v, ok := eng.seen.Load("ETHUSDT")
	require.True(t, ok)
	in := v.(rules.Input)
	require.Len(t, in.News, 1)
	assert.Equal(t, "fresh", in.News[0].ID)
	// the second cycle sees the first cycle's snapshot as history
	assert.Len(t, in.History, 1)
}

func TestResolveUniverse(t *testing.T) {
	src := newFakeSource()
	src.listing = []string{"btcusdt", "PEPEUSDT", "ETHBTC", "SOLUSDT", "XRPUSDT", "BTCUSDT"}
	u := config.UniverseConfig{
		Symbols:    []string{"ADAUSDT"},
		Dynamic:    true,
		Include:    []string{"USDT$"},
		Exclude:    []string{"^PEPE"},
		MaxSymbols: 2,
	}
	s, _ := newTestScanner(t, testScannerConfig(), u, src, &stubEngine{})
	ctx := context.Background()

	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, s.resolveUniverse(ctx))

	src.listErr = errors.New("down")
	assert.Equal(t, []string{"ADAUSDT"}, s.resolveUniverse(ctx))

	src.listErr = nil
	src.listing = []string{"PEPEUSDT"}
	assert.Equal(t, []string{"ADAUSDT"}, s.resolveUniverse(ctx))

	_, err := NewScanner(testScannerConfig(), config.UniverseConfig{Include: []string{"("}}, src, &stubEngine{}, &comm.Layer{})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	th := config.RecommendationThresholds{StrongBuy: 80, Buy: 65, Hold: 45, Sell: 30}
	tests := []struct {
		score, conf float64
		want        models.Recommendation
	}{
		{85, 0.9, models.StrongBuy},
		{80, 0.9, models.StrongBuy},
		{70, 0.9, models.Buy},
		{50, 0.9, models.Hold},
		{30, 0.9, models.Sell},
		{10, 0.9, models.StrongSell},
		{95, 0.3, models.Watch},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.score, tt.conf, th, 0.4), "score %v conf %v", tt.score, tt.conf)
	}
}

func TestCombineUsesRuleWeights(t *testing.T) {
	snap := models.MarketSnapshot{Symbol: "BTCUSDT"}
	results := []models.DetectionResult{
		{Rule: "a", Score: 0.8, Confidence: 0.6, Triggered: true},
		{Rule: "b", Score: 0.4, Confidence: 1.0},
	}
	opp := combine(snap, results, map[string]float64{"a": 3, "b": 1})
	assert.InDelta(t, 70, opp.Score, 1e-9)
	assert.InDelta(t, 0.7, opp.Confidence, 1e-9)
	assert.Equal(t, []string{"a"}, opp.TriggeredRules)
	assert.Len(t, opp.Results, 2)

	equal := combine(snap, results, nil)
	assert.InDelta(t, 60, equal.Score, 1e-9)

	empty := combine(snap, nil, nil)
	assert.Zero(t, empty.Score)
	assert.Empty(t, empty.TriggeredRules)
}

func TestRankTieBreaks(t *testing.T) {
	opps := []models.Opportunity{
		{Symbol: "B", Score: 70, Confidence: 0.8},
		{Symbol: "A", Score: 70, Confidence: 0.8},
		{Symbol: "C", Score: 70, Confidence: 0.9},
		{Symbol: "D", Score: 90, Confidence: 0.6},
		{Symbol: "E", Score: 59.9, Confidence: 0.9},
	}
	ranked := rank(opps, 60, 0.5, 10)
	var got []string
	for _, o := range ranked {
		got = append(got, o.Symbol)
	}
	assert.Equal(t, []string{"D", "C", "A", "B"}, got)
	assert.Len(t, rank(opps, 60, 0.5, 1), 1)
}

func TestEndToEndWithMockAdapter(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	mgr := adapter.NewManager()
	require.NoError(t, mgr.Register(adapter.NewMockAdapter("mock", config.MockAdapterConfig{Seed: 42})))
	require.NoError(t, mgr.ConnectAll(ctx))

	eng, err := rules.NewEngineFromConfig(cfg.Rules, nil)
	require.NoError(t, err)

	sc := testScannerConfig()
	sc.MinScore = 0
	sc.MinConfidence = 0
	sc.ReferenceSymbols = []string{"BTCUSDT", "ETHUSDT"}
	u := config.UniverseConfig{Symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT"}}

	l, p := newTestComm(t)
	s, err := NewScanner(sc, u, mgr, eng, l)
	require.NoError(t, err)

	summary, err := s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.SymbolsScanned)
	assert.Equal(t, 5, summary.OpportunitiesFound)
	assert.Equal(t, 5, p.count(models.MessageOpportunity))

	opp, ok := l.Opportunity(ctx, "BTCUSDT")
	require.True(t, ok)
	assert.Len(t, opp.Results, 3)
	assert.GreaterOrEqual(t, opp.Score, 0.0)
	assert.LessOrEqual(t, opp.Score, 100.0)

	health := s.Health(ctx)
	assert.True(t, health.Healthy)
	assert.Equal(t, "ok", health.Checks["adapters"])
}

func TestRunCycleReturnsFinalSummary(t *testing.T) {
	eng := &stubEngine{scores: map[string][2]float64{
		"BTCUSDT": {0.9, 0.9},
		"ETHUSDT": {0.7, 0.9},
	}}
	symbols := []string{"BTCUSDT", "ETHUSDT"}
	s, p := newTestScanner(t, testScannerConfig(), config.UniverseConfig{Symbols: symbols}, newFakeSource(symbols...), eng)

	var completed models.ScanCycleSummary
	s.OnScanComplete(func(summary models.ScanCycleSummary) { completed = summary })

	summary, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.OpportunitiesFound)
	assert.Equal(t, 2, p.count(models.MessageOpportunity))

	last, ok := s.LastSummary(context.Background())
	require.True(t, ok)
	assert.Equal(t, *last, summary)
	assert.Equal(t, completed, summary)
}

func TestRunCycleSurvivesDegradedBackends(t *testing.T) {
	failing := bus.NewMemoryBus(nil)
	failing.SetFailure(errors.New("broker down"))
	closed := cache.NewMemoryCache()
	require.NoError(t, closed.Close())

	l, err := comm.New(failing, closed, comm.Settings{Namespace: cache.NewNamespace("scanner", "test")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	eng := &stubEngine{scores: map[string][2]float64{"BTCUSDT": {0.9, 0.9}}}
	s, err := NewScanner(testScannerConfig(), config.UniverseConfig{Symbols: []string{"BTCUSDT"}},
		newFakeSource("BTCUSDT"), eng, l, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	summary, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SymbolsScanned)
	assert.Equal(t, 1, summary.OpportunitiesFound)
	assert.Empty(t, summary.Error)
	assert.NotEqual(t, models.StateError, s.State())
	assert.Zero(t, s.Status().ConsecutiveErrors)

	last, ok := s.LastSummary(context.Background())
	require.True(t, ok)
	assert.Equal(t, summary.CycleID, last.CycleID)
}

func TestLoopStopsWhenStartContextEnds(t *testing.T) {
	s, _ := newTestScanner(t, testScannerConfig(), config.UniverseConfig{Symbols: []string{"BTCUSDT"}}, newFakeSource("BTCUSDT"), &stubEngine{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.Eventually(t, func() bool { return s.Status().Cycles >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool { return s.State() == models.StateStopped }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, models.StateScanning, s.State())
	require.NoError(t, s.Stop())
	assert.Equal(t, models.StateStopped, s.State())
}
