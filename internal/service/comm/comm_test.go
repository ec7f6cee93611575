package comm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoinScout/internal/domain/models"
	"CoinScout/pkg/bus"
	"CoinScout/pkg/cache"
	"CoinScout/pkg/config"
	"CoinScout/pkg/logger"
	"CoinScout/pkg/metrics"
)

var errBackendDown = errors.New("backend down")

type countingBus struct {
	*bus.MemoryBus
	publishes atomic.Int64
}

func (b *countingBus) Publish(ctx context.Context, msg bus.Message) error {
	b.publishes.Add(1)
	return b.MemoryBus.Publish(ctx, msg)
}

type downCache struct{}

func (downCache) Set(context.Context, string, interface{}, time.Duration) error { return errBackendDown }
func (downCache) Get(context.Context, string, interface{}) error                { return errBackendDown }
func (downCache) Delete(context.Context, ...string) error                       { return errBackendDown }
func (downCache) Exists(context.Context, ...string) (bool, error)               { return false, errBackendDown }
func (downCache) Expire(context.Context, string, time.Duration) (bool, error)   { return false, errBackendDown }
func (downCache) IncrementWindow(context.Context, string, time.Duration) (int64, error) {
	return 0, errBackendDown
}
func (downCache) AppendCapped(context.Context, string, float64, interface{}, int) error {
	return errBackendDown
}
func (downCache) RangeByScore(context.Context, string, float64, float64) ([]string, error) {
	return nil, errBackendDown
}
func (downCache) Ping(context.Context) error { return errBackendDown }
func (downCache) Close() error               { return nil }

type recordingMetrics struct {
	metrics.Nop
	mu      sync.Mutex
	publish map[string]int
}

func (m *recordingMetrics) RecordPublish(_ string, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publish == nil {
		m.publish = make(map[string]int)
	}
	m.publish[result]++
}

func (m *recordingMetrics) count(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publish[result]
}

type received struct {
	mu   sync.Mutex
	envs []*models.Envelope
	tops []string
}

func (r *received) handler(topic string) EnvelopeHandler {
	return func(_ context.Context, env *models.Envelope) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.envs = append(r.envs, env)
		r.tops = append(r.tops, topic)
		return nil
	}
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func testSettings(env string) Settings {
	return Settings{
		Namespace: cache.NewNamespace("scanner", env),
		Comm: config.CommConfig{
			Source:       "test",
			RetryBuffer:  10,
			RetryMax:     3,
			RetryBackoff: time.Hour,
			FlushTimeout: time.Second,
		},
	}
}

func newTestLayer(t *testing.T, b bus.Bus, c cache.Service, s Settings, opts ...Option) *Layer {
	t.Helper()
	l, err := New(b, c, s, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestPublishRejectsEnvelopeWithoutMessageID(t *testing.T) {
	b := &countingBus{MemoryBus: bus.NewMemoryBus(nil)}
	m := &recordingMetrics{}
	l := newTestLayer(t, b, cache.NewMemoryCache(), testSettings("test"), WithMetrics(m))

	env, err := l.NewEnvelope(models.MessageOpportunity, map[string]string{"symbol": "BTCUSDT"}, "")
	require.NoError(t, err)
	env.MessageID = ""

	err = l.Publish(context.Background(), "scanner.pool.preliminary", env)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidEnvelope)
	assert.Contains(t, err.Error(), "MessageID")
	assert.Equal(t, int64(0), b.publishes.Load())
	assert.Equal(t, 1, m.count("invalid"))
}

func TestPublishRejectsUnknownTypeAndNil(t *testing.T) {
	b := &countingBus{MemoryBus: bus.NewMemoryBus(nil)}
	l := newTestLayer(t, b, cache.NewMemoryCache(), testSettings("test"))

	env, err := l.NewEnvelope("price_alert", 1, "")
	require.NoError(t, err)
	assert.ErrorIs(t, l.Publish(context.Background(), "scanner.status", env), models.ErrInvalidEnvelope)
	assert.ErrorIs(t, l.Publish(context.Background(), "scanner.status", nil), models.ErrInvalidEnvelope)
	assert.Equal(t, int64(0), b.publishes.Load())
}

func TestPublishRoutesEachTypeToItsTopic(t *testing.T) {
	ctx := context.Background()
	mb := bus.NewMemoryBus(nil)
	l := newTestLayer(t, mb, cache.NewMemoryCache(), testSettings("test"))

	got := map[string][]models.MessageType{}
	var mu sync.Mutex
	_, err := mb.Subscribe(ctx, "scanner.", func(_ context.Context, msg bus.Message) error {
		env, err := models.DecodeEnvelope(msg.Value)
		require.NoError(t, err)
		assert.Equal(t, env.MessageID, msg.Headers["message_id"])
		mu.Lock()
		got[msg.Topic] = append(got[msg.Topic], env.MessageType)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, l.PublishOpportunity(ctx, models.Opportunity{Symbol: "BTCUSDT", Score: 82, CycleID: "c1"}))
	require.NoError(t, l.PublishScanResult(ctx, models.ScanCycleSummary{CycleID: "c1"}))
	require.NoError(t, l.PublishHeartbeat(ctx, models.Heartbeat{State: models.StateScanning}))
	require.NoError(t, l.PublishNews(ctx, models.NewsEvent{ID: "n1", Title: "ETF approved"}))
	require.NoError(t, l.PublishError(ctx, "scanner", errors.New("boom"), "c1"))

	assert.Equal(t, map[string][]models.MessageType{
		"scanner.pool.preliminary": {models.MessageOpportunity},
		"scanner.status":           {models.MessageScanResult, models.MessageHeartbeat},
		"scanner.news":             {models.MessageNewsEvent},
		"scanner.errors":           {models.MessageError},
	}, got)
}

func TestEnvelopeFields(t *testing.T) {
	l := newTestLayer(t, bus.NewMemoryBus(nil), cache.NewMemoryCache(), testSettings("test"))

	env, err := l.NewEnvelope(models.MessageHeartbeat, models.Heartbeat{Cycles: 3}, "corr")
	require.NoError(t, err)
	require.NoError(t, env.Validate())
	assert.Len(t, env.MessageID, 36)
	assert.Equal(t, "test", env.Source)
	assert.Equal(t, models.SchemaVersion, env.SchemaVersion)
	assert.Equal(t, "corr", env.CorrelationID)

	var hb models.Heartbeat
	require.NoError(t, env.DecodePayload(&hb))
	assert.Equal(t, int64(3), hb.Cycles)
}

func TestSubscribePrefixDeliversValidEnvelopesOnly(t *testing.T) {
	ctx := context.Background()
	mb := bus.NewMemoryBus(nil)
	l := newTestLayer(t, mb, cache.NewMemoryCache(), testSettings("test"))

	var r received
	sub, err := l.Subscribe(ctx, "scanner.*", r.handler("any"))
	require.NoError(t, err)

	require.NoError(t, l.PublishOpportunity(ctx, models.Opportunity{Symbol: "ETHUSDT"}))
	require.NoError(t, l.PublishHeartbeat(ctx, models.Heartbeat{}))
	require.NoError(t, mb.Publish(ctx, bus.Message{Topic: "scanner.status", Value: []byte(`{"message_type":"heartbeat"}`)}))
	require.NoError(t, mb.Publish(ctx, bus.Message{Topic: "other.topic", Value: []byte(`{}`)}))
	assert.Equal(t, 2, r.len())

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, l.PublishHeartbeat(ctx, models.Heartbeat{}))
	assert.Equal(t, 2, r.len())
}

func TestCacheNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	mc := cache.NewMemoryCache()
	prod := newTestLayer(t, bus.NewMemoryBus(nil), mc, testSettings("production"))
	staging := newTestLayer(t, bus.NewMemoryBus(nil), mc, testSettings("staging"))
	tenantA := prod.WithTenant("a")
	tenantB := prod.WithTenant("b")

	snap := &models.MarketSnapshot{Symbol: "BTCUSDT", Price: 50000, Timestamp: time.Now()}
	require.True(t, prod.CacheMarketData(ctx, snap))
	assert.Equal(t, "scanner:production:market_data:BTCUSDT", prod.Key(EntityMarketData, "BTCUSDT"))
	assert.Equal(t, "scanner:production:a:market_data:BTCUSDT", tenantA.Key(EntityMarketData, "BTCUSDT"))

	got, ok := prod.MarketData(ctx, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 50000.0, got.Price)

	_, ok = staging.MarketData(ctx, "BTCUSDT")
	assert.False(t, ok)
	_, ok = tenantA.MarketData(ctx, "BTCUSDT")
	assert.False(t, ok)

	require.True(t, tenantA.CacheMarketData(ctx, &models.MarketSnapshot{Symbol: "BTCUSDT", Price: 1}))
	_, ok = tenantB.MarketData(ctx, "BTCUSDT")
	assert.False(t, ok)
	got, ok = prod.MarketData(ctx, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 50000.0, got.Price)
}

func TestHistoryIsBoundedAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := testSettings("test")
	s.Cache.HistoryCap = 3
	l := newTestLayer(t, bus.NewMemoryBus(nil), cache.NewMemoryCache(), s)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.True(t, l.AppendHistory(ctx, &models.MarketSnapshot{
			Symbol:    "SOLUSDT",
			Price:     float64(100 + i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	hist := l.History(ctx, "SOLUSDT", base, base.Add(time.Hour))
	require.Len(t, hist, 3)
	assert.Equal(t, []float64{102, 103, 104}, []float64{hist[0].Price, hist[1].Price, hist[2].Price})

	recent := l.History(ctx, "SOLUSDT", base.Add(4*time.Minute), base.Add(time.Hour))
	require.Len(t, recent, 1)
	assert.Equal(t, 104.0, recent[0].Price)
}

func TestNewsSummaryAndOpportunityCache(t *testing.T) {
	ctx := context.Background()
	l := newTestLayer(t, bus.NewMemoryBus(nil), cache.NewMemoryCache(), testSettings("test"))

	_, ok := l.News(ctx, "ETHUSDT")
	assert.False(t, ok)
	require.True(t, l.CacheNews(ctx, "ETHUSDT", nil))
	events, ok := l.News(ctx, "ETHUSDT")
	assert.True(t, ok)
	assert.Empty(t, events)

	require.True(t, l.CacheSummary(ctx, models.ScanCycleSummary{CycleID: "c1", SymbolsScanned: 4}))
	require.True(t, l.CacheSummary(ctx, models.ScanCycleSummary{CycleID: "c2", SymbolsScanned: 7}))
	last, ok := l.LastSummary(ctx)
	require.True(t, ok)
	assert.Equal(t, "c2", last.CycleID)
	first, ok := l.Summary(ctx, "c1")
	require.True(t, ok)
	assert.Equal(t, 4, first.SymbolsScanned)

	require.True(t, l.CacheOpportunity(ctx, models.Opportunity{Symbol: "ETHUSDT", Score: 71}))
	opp, ok := l.Opportunity(ctx, "ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 71.0, opp.Score)

	assert.Equal(t, int64(3), l.CountOpportunities(ctx, 3))
	assert.Equal(t, int64(5), l.CountOpportunities(ctx, 2))
}

func TestDegradedModeNeverFails(t *testing.T) {
	ctx := context.Background()
	mb := bus.NewMemoryBus(nil)
	m := &recordingMetrics{}
	l, err := New(mb, downCache{}, testSettings("test"), WithMetrics(m))
	require.NoError(t, err)

	var r received
	_, err = l.Subscribe(ctx, "scanner.", r.handler("any"))
	require.NoError(t, err)

	mb.SetFailure(errBackendDown)

	err = l.PublishOpportunity(ctx, models.Opportunity{Symbol: "BTCUSDT"})
	assert.ErrorIs(t, err, ErrPublishDeferred)
	assert.Equal(t, 1, m.count("failed"))

	assert.False(t, l.CacheMarketData(ctx, &models.MarketSnapshot{Symbol: "BTCUSDT"}))
	_, ok := l.MarketData(ctx, "BTCUSDT")
	assert.False(t, ok)
	assert.Empty(t, l.History(ctx, "BTCUSDT", time.Time{}, time.Now()))
	assert.False(t, l.AppendHistory(ctx, &models.MarketSnapshot{Symbol: "BTCUSDT"}))
	assert.Equal(t, int64(0), l.CountOpportunities(ctx, 2))
	_, ok = l.LastSummary(ctx)
	assert.False(t, ok)
	l.Delete(ctx, l.Key(EntityNews, "BTCUSDT"))

	checks := l.HealthCheck(ctx)
	assert.Equal(t, errBackendDown.Error(), checks["cache"])
	assert.Equal(t, errBackendDown.Error(), checks["bus"])

	// once the bus recovers, close flushes the buffered message
	mb.SetFailure(nil)
	require.NoError(t, l.Close())
	assert.Equal(t, 1, r.len())
	assert.Equal(t, models.MessageOpportunity, r.envs[0].MessageType)
	assert.Equal(t, 0, l.PendingRetries())
	require.NoError(t, l.Close())
}

func TestRetryBufferFullDropsMessage(t *testing.T) {
	ctx := context.Background()
	mb := bus.NewMemoryBus(nil)
	mb.SetFailure(errBackendDown)
	s := testSettings("test")
	s.Comm.RetryBuffer = 1
	m := &recordingMetrics{}
	l := newTestLayer(t, mb, cache.NewMemoryCache(), s, WithMetrics(m))

	// Stop the background loop so the single slot stays occupied.
	l.retry.mu.Lock()
	l.retry.stopped = true
	close(l.retry.stopCh)
	l.retry.mu.Unlock()
	<-l.retry.doneCh

	assert.ErrorIs(t, l.PublishHeartbeat(ctx, models.Heartbeat{}), ErrPublishDeferred)
	assert.ErrorIs(t, l.PublishHeartbeat(ctx, models.Heartbeat{}), ErrPublishDropped)
	assert.Equal(t, 1, m.count("dropped"))
}

func TestRetryQueueGivesUpAfterMaxAttempts(t *testing.T) {
	mb := bus.NewMemoryBus(nil)
	mb.SetFailure(errBackendDown)
	m := &recordingMetrics{}
	q := newRetryQueue(mb, 4, 2, time.Millisecond, time.Second, m, logger.NewNop())
	q.start()
	defer q.flush(context.Background())

	require.True(t, q.enqueue(pendingMessage{msg: bus.Message{Topic: "scanner.status"}, kind: models.MessageHeartbeat}))
	assert.Eventually(t, func() bool { return m.count("dropped") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, q.depth())
}

func TestRetryQueueRepublishesWhenBusRecovers(t *testing.T) {
	ctx := context.Background()
	mb := bus.NewMemoryBus(nil)
	var delivered atomic.Int64
	_, err := mb.Subscribe(ctx, "scanner.", func(context.Context, bus.Message) error {
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)

	mb.SetFailure(errBackendDown)
	m := &recordingMetrics{}
	q := newRetryQueue(mb, 4, 100, 5*time.Millisecond, time.Second, m, logger.NewNop())
	q.start()
	defer q.flush(ctx)

	require.True(t, q.enqueue(pendingMessage{msg: bus.Message{Topic: "scanner.status"}, kind: models.MessageHeartbeat}))
	time.Sleep(20 * time.Millisecond)
	mb.SetFailure(nil)

	assert.Eventually(t, func() bool {
		return delivered.Load() == 1 && m.count("retried") == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPublishMessageShipsAggregatedLogs(t *testing.T) {
	ctx := context.Background()
	mb := bus.NewMemoryBus(nil)
	l := newTestLayer(t, mb, cache.NewMemoryCache(), testSettings("test"))

	var pub logger.Publisher = l
	var r received
	_, err := l.Subscribe(ctx, "scanner.errors", r.handler("scanner.errors"))
	require.NoError(t, err)

	entries := []logger.AggregatedLogEntry{{Level: "error", Message: "adapter failed", Count: 4}}
	require.NoError(t, pub.PublishMessage(ctx, "", entries))
	require.Equal(t, 1, r.len())

	var report models.ErrorReport
	require.NoError(t, r.envs[0].DecodePayload(&report))
	assert.Equal(t, "logger", report.Component)
	assert.Equal(t, float64(1), report.Details["count"])
}

func TestHealthCheckHealthyAndNewRequiresBackends(t *testing.T) {
	l := newTestLayer(t, bus.NewMemoryBus(nil), cache.NewMemoryCache(), testSettings("test"))
	assert.Equal(t, map[string]string{"cache": "ok", "bus": "ok"}, l.HealthCheck(context.Background()))

	_, err := New(nil, cache.NewMemoryCache(), Settings{})
	assert.Error(t, err)
	_, err = New(bus.NewMemoryBus(nil), nil, Settings{})
	assert.Error(t, err)
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := &config.Config{Environment: "production", Tenant: "acme"}
	cfg.Cache.Prefix = "scanner"
	s := SettingsFromConfig(cfg)
	assert.Equal(t, "scanner:production:acme", s.Namespace.Base())
}
