package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	models "CoinScout/internal/domain/models"
	"CoinScout/internal/service/adapter"
	"CoinScout/internal/service/comm"
	"CoinScout/internal/services/rules"
	"CoinScout/internal/usecase"
	"CoinScout/pkg/bus"
	"CoinScout/pkg/cache"
	"CoinScout/pkg/config"
)

type fakeScanner struct {
	state    models.ScannerState
	startErr error
	runErr   error
	healthy  bool
	startCtx context.Context
}

func (f *fakeScanner) Start(ctx context.Context) error {
	f.startCtx = ctx
	if f.startErr != nil {
		return f.startErr
	}
	f.state = models.StateScanning
	return nil
}

func (f *fakeScanner) Stop() error {
	f.state = models.StateStopped
	return nil
}

func (f *fakeScanner) Pause() error {
	if f.state != models.StateScanning {
		return fmt.Errorf("%w: pause from %s", usecase.ErrInvalidTransition, f.state)
	}
	f.state = models.StatePaused
	return nil
}

func (f *fakeScanner) Resume() error {
	f.state = models.StateScanning
	return nil
}

func (f *fakeScanner) RunCycle(context.Context) (models.ScanCycleSummary, error) {
	if f.runErr != nil {
		return models.ScanCycleSummary{}, f.runErr
	}
	return models.ScanCycleSummary{CycleID: "c1", SymbolsScanned: 3}, nil
}

func (f *fakeScanner) Status() models.ScannerStatus {
	return models.ScannerStatus{State: f.state, Interval: "1m0s"}
}

func (f *fakeScanner) Health(context.Context) models.HealthReport {
	return models.HealthReport{Healthy: f.healthy, State: f.state, Checks: map[string]string{"bus": "ok"}}
}

func (f *fakeScanner) LastSummary(context.Context) (*models.ScanCycleSummary, bool) {
	return nil, false
}

type fakeAdapters struct{}

func (fakeAdapters) Records() []models.AdapterRecord {
	return []models.AdapterRecord{{Name: "mock", Status: models.AdapterMock}}
}

func (fakeAdapters) Record(name string) (models.AdapterRecord, bool) {
	if name == "mock" {
		return models.AdapterRecord{Name: "mock", Status: models.AdapterMock}, true
	}
	return models.AdapterRecord{}, false
}

type fakeOpps map[string]models.Opportunity

func (f fakeOpps) Opportunity(_ context.Context, symbol string) (*models.Opportunity, bool) {
	o, ok := f[symbol]
	if !ok {
		return nil, false
	}
	return &o, true
}

type apiBody struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func serve(t *testing.T, h *ScannerHandler, method, path string) (int, apiBody) {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e)
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var body apiBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

func newHandler(sc *fakeScanner, opps fakeOpps) *ScannerHandler {
	return NewScannerHandler(nil, sc, fakeAdapters{}, opps, nil)
}

func TestStatusAndHealth(t *testing.T) {
	sc := &fakeScanner{state: models.StateScanning, healthy: true}
	h := newHandler(sc, nil)

	code, body := serve(t, h, http.MethodGet, "/api/scanner/status")
	assert.Equal(t, http.StatusOK, code)
	var st models.ScannerStatus
	require.NoError(t, json.Unmarshal(body.Data, &st))
	assert.Equal(t, models.StateScanning, st.State)

	code, _ = serve(t, h, http.MethodGet, "/api/scanner/health")
	assert.Equal(t, http.StatusOK, code)

	sc.healthy = false
	code, body = serve(t, h, http.MethodGet, "/api/scanner/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, http.StatusServiceUnavailable, body.Status)
}

func TestControlTransitions(t *testing.T) {
	sc := &fakeScanner{state: models.StateIdle}
	h := newHandler(sc, nil)

	code, body := serve(t, h, http.MethodPost, "/api/scanner/start")
	require.Equal(t, http.StatusOK, code)
	var ack models.ControlResponse
	require.NoError(t, json.Unmarshal(body.Data, &ack))
	assert.Equal(t, "start", ack.Action)
	assert.Equal(t, models.StateScanning, ack.State)
	require.NotNil(t, sc.startCtx)
	assert.NoError(t, sc.startCtx.Err())

	code, _ = serve(t, h, http.MethodPost, "/api/scanner/pause")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.StatePaused, sc.state)

	code, _ = serve(t, h, http.MethodPost, "/api/scanner/pause")
	assert.Equal(t, http.StatusConflict, code)

	sc.startErr = usecase.ErrAlreadyRunning
	code, body = serve(t, h, http.MethodPost, "/api/scanner/start")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, string(body.Data), "ERR_CONFLICT")

	code, _ = serve(t, h, http.MethodPost, "/api/scanner/stop")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.StateStopped, sc.state)
}

func TestManualScan(t *testing.T) {
	sc := &fakeScanner{state: models.StateIdle}
	h := newHandler(sc, nil)

	code, body := serve(t, h, http.MethodPost, "/api/scanner/scan")
	require.Equal(t, http.StatusOK, code)
	var summary models.ScanCycleSummary
	require.NoError(t, json.Unmarshal(body.Data, &summary))
	assert.Equal(t, 3, summary.SymbolsScanned)

	sc.runErr = fmt.Errorf("scan cycle: %w", adapter.ErrNoAdapters)
	code, _ = serve(t, h, http.MethodPost, "/api/scanner/scan")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = serve(t, h, http.MethodGet, "/api/scanner/summary")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestManualScanWithMockAdapter(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	mgr := adapter.NewManager()
	require.NoError(t, mgr.Register(adapter.NewMockAdapter("mock", config.MockAdapterConfig{Seed: 7})))
	require.NoError(t, mgr.ConnectAll(ctx))

	eng, err := rules.NewEngineFromConfig(cfg.Rules, nil)
	require.NoError(t, err)

	layer, err := comm.New(bus.NewMemoryBus(nil), cache.NewMemoryCache(), comm.Settings{
		Namespace: cache.NewNamespace("scanner", "test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = layer.Close() })

	sc := cfg.Scanner
	sc.MinScore = 0
	sc.MinConfidence = 0
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	scanner, err := usecase.NewScanner(sc, config.UniverseConfig{Symbols: symbols}, mgr, eng, layer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = scanner.Stop() })

	h := NewScannerHandler(nil, scanner, mgr, layer, nil)

	code, body := serve(t, h, http.MethodPost, "/api/scanner/scan")
	require.Equal(t, http.StatusOK, code, string(body.Data))
	var summary models.ScanCycleSummary
	require.NoError(t, json.Unmarshal(body.Data, &summary))
	assert.Equal(t, 3, summary.SymbolsScanned)
	assert.Equal(t, 3, summary.OpportunitiesFound)

	code, body = serve(t, h, http.MethodGet, "/api/scanner/summary")
	require.Equal(t, http.StatusOK, code)
	var last models.ScanCycleSummary
	require.NoError(t, json.Unmarshal(body.Data, &last))
	assert.Equal(t, summary.CycleID, last.CycleID)
	assert.Equal(t, summary.OpportunitiesFound, last.OpportunitiesFound)

	code, body = serve(t, h, http.MethodGet, "/api/opportunities/btcusdt")
	require.Equal(t, http.StatusOK, code)
	var view models.OpportunityView
	require.NoError(t, json.Unmarshal(body.Data, &view))
	require.NotNil(t, view.Latest)
	assert.Equal(t, summary.CycleID, view.Latest.CycleID)
}

func TestAdapters(t *testing.T) {
	h := newHandler(&fakeScanner{}, nil)

	code, body := serve(t, h, http.MethodGet, "/api/adapters")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body.Data), `"total":1`)

	code, _ = serve(t, h, http.MethodGet, "/api/adapters/mock")
	assert.Equal(t, http.StatusOK, code)

	code, _ = serve(t, h, http.MethodGet, "/api/adapters/binance")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestOpportunities(t *testing.T) {
	opps := fakeOpps{"BTCUSDT": {Symbol: "BTCUSDT", Score: 88, Recommendation: models.StrongBuy, Timestamp: time.Unix(1700000000, 0).UTC()}}
	h := newHandler(&fakeScanner{}, opps)

	code, body := serve(t, h, http.MethodGet, "/api/opportunities/btcusdt")
	require.Equal(t, http.StatusOK, code)
	var view models.OpportunityView
	require.NoError(t, json.Unmarshal(body.Data, &view))
	require.NotNil(t, view.Latest)
	assert.InDelta(t, 88, view.Latest.Score, 1e-9)

	code, _ = serve(t, h, http.MethodGet, "/api/opportunities/ETHUSDT")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = serve(t, h, http.MethodGet, "/api/opportunities/"+strings.Repeat("X", 40))
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = serve(t, h, http.MethodGet, "/api/opportunities/BTCUSDT?limit=5000")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body.Data), `"field":"limit"`)
}
