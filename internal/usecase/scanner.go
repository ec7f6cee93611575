package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"CoinScout/internal/domain/models"
	domrepo "CoinScout/internal/domain/repository"
	"CoinScout/internal/services/rules"
	"CoinScout/pkg/config"
	"CoinScout/pkg/logger"
	"CoinScout/pkg/metrics"
)

var (
	ErrAlreadyRunning    = errors.New("scanner: already running")
	ErrInvalidTransition = errors.New("scanner: invalid state transition")
)

// MarketSource is what the scanner needs from the adapter manager.
type MarketSource interface {
	GetMarketData(ctx context.Context, symbol, preferred string) (*models.MarketSnapshot, error)
	GetNewsEvents(ctx context.Context, symbol string, since time.Time, limit int) ([]models.NewsEvent, error)
	ListSymbols(ctx context.Context) ([]string, error)
	HasMarketData() bool
	Records() []models.AdapterRecord
}

// Evaluator runs the detectors for one symbol.
type Evaluator interface {
	Evaluate(in rules.Input) []models.DetectionResult
	Weights() map[string]float64
}

// Communicator publishes results and keeps per-symbol state between cycles.
type Communicator interface {
	PublishOpportunity(ctx context.Context, opp models.Opportunity) error
	PublishScanResult(ctx context.Context, summary models.ScanCycleSummary) error
	PublishHeartbeat(ctx context.Context, hb models.Heartbeat) error
	PublishError(ctx context.Context, component string, cause error, correlationID string) error

	CacheMarketData(ctx context.Context, snap *models.MarketSnapshot) bool
	AppendHistory(ctx context.Context, snap *models.MarketSnapshot) bool
	History(ctx context.Context, symbol string, since, until time.Time) []models.MarketSnapshot
	CacheNews(ctx context.Context, symbol string, events []models.NewsEvent) bool
	News(ctx context.Context, symbol string) ([]models.NewsEvent, bool)
	CacheOpportunity(ctx context.Context, opp models.Opportunity) bool
	CacheSummary(ctx context.Context, summary models.ScanCycleSummary) bool
	LastSummary(ctx context.Context) (*models.ScanCycleSummary, bool)
	CountOpportunities(ctx context.Context, n int) int64
	HealthCheck(ctx context.Context) map[string]string
}

type ScannerOption func(*Scanner)

// WithScannerLogger sets the scanner logger.
func WithScannerLogger(log *logger.Logger) ScannerOption {
	return func(s *Scanner) {
		if log != nil {
			s.log = log
		}
	}
}

// WithScannerMetrics sets the metrics recorder.
func WithScannerMetrics(m domrepo.Metrics) ScannerOption {
	return func(s *Scanner) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithArchive stores published opportunities and summaries in archive.
func WithArchive(archive domrepo.OpportunityArchive) ScannerOption {
	return func(s *Scanner) { s.archive = archive }
}

// WithClock overrides the evaluation clock.
func WithClock(now func() time.Time) ScannerOption {
	return func(s *Scanner) {
		if now != nil {
			s.now = now
		}
	}
}

// Scanner runs periodic scan cycles over the symbol universe.
//
// States: idle -> scanning -> (paused <-> scanning) -> stopped, and
// scanning -> error -> scanning after a backoff. The loop never exits on
// its own; only Stop ends it.
type Scanner struct {
	cfg      config.ScannerConfig
	universe *universe
	source   MarketSource
	engine   Evaluator
	comm     Communicator
	archive  domrepo.OpportunityArchive
	metrics  domrepo.Metrics
	log      *logger.Logger
	now      func() time.Time

	// cycleMu serializes cycles started by the loop and by RunCycle.
	cycleMu sync.Mutex

	mu                sync.Mutex
	state             models.ScannerState
	cycles            int64
	consecutiveErrors int
	lastCycleAt       time.Time
	lastSummary       *models.ScanCycleSummary
	cancel            context.CancelFunc
	done              chan struct{}
	wake              chan struct{}

	cbMu          sync.RWMutex
	onStart       []func(cycleID string)
	onComplete    []func(summary models.ScanCycleSummary)
	onOpportunity []func(opp models.Opportunity)
	onError       []func(err error, consecutive int)
}

// NewScanner creates an idle scanner. Invalid universe patterns fail here.
func NewScanner(
	cfg config.ScannerConfig,
	universeCfg config.UniverseConfig,
	source MarketSource,
	engine Evaluator,
	comm Communicator,
	opts ...ScannerOption,
) (*Scanner, error) {
	if source == nil || engine == nil || comm == nil {
		return nil, fmt.Errorf("scanner: source, engine and comm are required")
	}
	u, err := newUniverse(universeCfg)
	if err != nil {
		return nil, err
	}
	s := &Scanner{
		cfg:      withScannerDefaults(cfg),
		universe: u,
		source:   source,
		engine:   engine,
		comm:     comm,
		metrics:  metrics.Nop{},
		log:      logger.NewNop(),
		now:      time.Now,
		state:    models.StateIdle,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.String("component", "scanner"))
	s.metrics.RecordState(string(models.StateIdle))
	return s, nil
}

func withScannerDefaults(cfg config.ScannerConfig) config.ScannerConfig {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxOpportunities <= 0 {
		cfg.MaxOpportunities = 20
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 10 * time.Second
	}
	if cfg.MaxErrorBackoff <= 0 {
		cfg.MaxErrorBackoff = 30 * time.Second
	}
	if cfg.NewsLimit <= 0 {
		cfg.NewsLimit = 10
	}
	if cfg.NewsLookback <= 0 {
		cfg.NewsLookback = 24 * time.Hour
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 24 * time.Hour
	}
	if cfg.Thresholds == (config.RecommendationThresholds{}) {
		cfg.Thresholds = config.RecommendationThresholds{StrongBuy: 80, Buy: 65, Hold: 45, Sell: 30}
	}
	return cfg
}

// OnScanStart registers fn to run when a cycle begins.
func (s *Scanner) OnScanStart(fn func(cycleID string)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onStart = append(s.onStart, fn)
}

// OnScanComplete registers fn to run after every successful cycle.
func (s *Scanner) OnScanComplete(fn func(summary models.ScanCycleSummary)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onComplete = append(s.onComplete, fn)
}

// OnOpportunityFound registers fn to run for each published opportunity.
func (s *Scanner) OnOpportunityFound(fn func(opp models.Opportunity)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onOpportunity = append(s.onOpportunity, fn)
}

// OnError registers fn to run when a cycle fails.
func (s *Scanner) OnError(fn func(err error, consecutive int)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onError = append(s.onError, fn)
}

// notify runs a callback synchronously, recovering panics.
func (s *Scanner) notify(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.RecordError("callback_" + kind)
			s.log.Error("scanner callback panicked", logger.String("callback", kind), logger.Any("panic", r))
		}
	}()
	fn()
}

func (s *Scanner) emitStart(cycleID string) {
	s.cbMu.RLock()
	fns := append([]func(string){}, s.onStart...)
	s.cbMu.RUnlock()
	for _, fn := range fns {
		s.notify("scan_start", func() { fn(cycleID) })
	}
}

func (s *Scanner) emitComplete(summary models.ScanCycleSummary) {
	s.cbMu.RLock()
	fns := append([]func(models.ScanCycleSummary){}, s.onComplete...)
	s.cbMu.RUnlock()
	for _, fn := range fns {
		s.notify("scan_complete", func() { fn(summary) })
	}
}

func (s *Scanner) emitOpportunity(opp models.Opportunity) {
	s.cbMu.RLock()
	fns := append([]func(models.Opportunity){}, s.onOpportunity...)
	s.cbMu.RUnlock()
	for _, fn := range fns {
		s.notify("opportunity", func() { fn(opp) })
	}
}

func (s *Scanner) emitError(err error, consecutive int) {
	s.cbMu.RLock()
	fns := append([]func(error, int){}, s.onError...)
	s.cbMu.RUnlock()
	for _, fn := range fns {
		s.notify("error", func() { fn(err, consecutive) })
	}
}

func (s *Scanner) setStateLocked(st models.ScannerState) {
	if s.state == st {
		return
	}
	s.log.Info("scanner state changed", logger.String("from", string(s.state)), logger.String("to", string(st)))
	s.state = st
	s.metrics.RecordState(string(st))
}

// Start launches the scan loop. The first cycle runs immediately.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.StateIdle && s.state != models.StateStopped {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.setStateLocked(models.StateScanning)
	go s.loop(loopCtx, s.done)
	return nil
}

// Stop cancels the loop and waits for the running cycle to finish. It must not
// be called from a scanner callback.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.setStateLocked(models.StateStopped)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Pause suspends cycles; the loop keeps running.
func (s *Scanner) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.StateScanning && s.state != models.StateError {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, s.state)
	}
	s.setStateLocked(models.StatePaused)
	return nil
}

// Resume continues a paused scanner and triggers a cycle right away.
func (s *Scanner) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.StatePaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, s.state)
	}
	s.setStateLocked(models.StateScanning)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Scanner) State() models.ScannerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the scanner.
func (s *Scanner) Status() models.ScannerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.ScannerStatus{
		State:             s.state,
		Cycles:            s.cycles,
		ConsecutiveErrors: s.consecutiveErrors,
		LastCycleAt:       s.lastCycleAt,
		Interval:          s.cfg.Interval.String(),
	}
	if s.lastSummary != nil {
		summary := *s.lastSummary
		st.LastSummary = &summary
	}
	return st
}

// LastSummary returns the latest cycle summary, falling back to the cache
// when this process has not completed a cycle yet.
func (s *Scanner) LastSummary(ctx context.Context) (*models.ScanCycleSummary, bool) {
	s.mu.Lock()
	last := s.lastSummary
	s.mu.Unlock()
	if last != nil {
		summary := *last
		return &summary, true
	}
	return s.comm.LastSummary(ctx)
}

// Health aggregates scanner state, communication backends and adapters.
func (s *Scanner) Health(ctx context.Context) models.HealthReport {
	checks := s.comm.HealthCheck(ctx)
	if checks == nil {
		checks = map[string]string{}
	}
	healthy := true
	for _, v := range checks {
		if v != "ok" {
			healthy = false
		}
	}
	if s.source.HasMarketData() {
		checks["adapters"] = "ok"
	} else {
		checks["adapters"] = "no usable market data adapter"
		healthy = false
	}
	state := s.State()
	if state == models.StateError {
		healthy = false
	}
	return models.HealthReport{
		Healthy:  healthy,
		State:    state,
		Checks:   checks,
		Adapters: s.source.Records(),
	}
}

func (s *Scanner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.loopExited(done)
	for {
		wait := s.cfg.Interval
		if s.State() != models.StatePaused {
			if _, err := s.RunCycle(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				wait = s.errorBackoff()
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// loopExited marks the scanner stopped when its loop ends without Stop, for
// example because the context passed to Start was cancelled.
func (s *Scanner) loopExited(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != done {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel, s.done = nil, nil
	s.setStateLocked(models.StateStopped)
}

// errorBackoff doubles ErrorBackoff per consecutive failure up to
// MaxErrorBackoff.
func (s *Scanner) errorBackoff() time.Duration {
	s.mu.Lock()
	n := s.consecutiveErrors
	s.mu.Unlock()

	d := s.cfg.ErrorBackoff
	for i := 1; i < n && d < s.cfg.MaxErrorBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxErrorBackoff {
		d = s.cfg.MaxErrorBackoff
	}
	return d
}
