// Package adapter owns the external data sources and resolves capability
// requests (market data, news, symbol listing) across them with fallback.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"CoinScout/internal/domain/models"
	"CoinScout/internal/domain/repository"
	"CoinScout/internal/service/metrics"
	"CoinScout/pkg/config"
	"CoinScout/pkg/logger"
)

var (
	// ErrNoAdapters means no usable adapter offers the capability.
	ErrNoAdapters = errors.New("adapter: no usable adapter")
	// ErrNoData means every usable adapter was tried and none had data.
	ErrNoData = errors.New("adapter: no data")
	// ErrNotConnected is returned by adapters called before Connect.
	ErrNotConnected = errors.New("adapter: not connected")

	errNoCapability = errors.New("adapter: no supported capability")
	errDuplicate    = errors.New("adapter: duplicate name")
	errUnknown      = errors.New("adapter: unknown adapter")
)

const (
	opMarketData = "market_data"
	opNews       = "news"
	opSymbols    = "list_symbols"
	opConnect    = "connect"
	opHealth     = "health"
)

type entry struct {
	adapter repository.Adapter
	market  repository.MarketDataProvider
	news    repository.NewsProvider
	lister  repository.SymbolLister
	rec     models.AdapterRecord
}

// Manager is the adapter registry. Records are only mutated here, under mu;
// adapter calls run outside the lock.
type Manager struct {
	mu       sync.RWMutex
	entries  []*entry
	byName   map[string]*entry
	timeouts config.AdapterTimeouts
	log      *logger.Logger
	now      func() time.Time
}

type ManagerOption func(*Manager)

func WithTimeouts(t config.AdapterTimeouts) ManagerOption {
	return func(m *Manager) {
		m.timeouts = t
	}
}

func WithManagerLogger(l *logger.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		byName: make(map[string]*entry),
		timeouts: config.AdapterTimeouts{
			MarketData: 5 * time.Second,
			News:       10 * time.Second,
			Health:     3 * time.Second,
			Connect:    15 * time.Second,
		},
		log: logger.NewNop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logger.String("component", "adapter_manager"))
	return m
}

// Register adds a in registration order. The adapter must implement at least
// one capability interface; capabilities are resolved here once.
func (m *Manager) Register(a repository.Adapter) error {
	e := &entry{adapter: a}
	e.market, _ = a.(repository.MarketDataProvider)
	e.news, _ = a.(repository.NewsProvider)
	e.lister, _ = a.(repository.SymbolLister)

	var caps []string
	if e.market != nil {
		caps = append(caps, opMarketData)
	}
	if e.news != nil {
		caps = append(caps, opNews)
	}
	if e.lister != nil {
		caps = append(caps, opSymbols)
	}
	if len(caps) == 0 {
		return fmt.Errorf("register %s: %w", a.Name(), errNoCapability)
	}
	e.rec = models.AdapterRecord{
		Name:         a.Name(),
		Type:         a.Type(),
		Status:       models.AdapterDisconnected,
		Capabilities: caps,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[a.Name()]; ok {
		return fmt.Errorf("register %s: %w", a.Name(), errDuplicate)
	}
	m.entries = append(m.entries, e)
	m.byName[a.Name()] = e
	m.log.Info("adapter registered", logger.String("adapter", a.Name()), logger.Strings("capabilities", caps))
	return nil
}

// Connect connects one adapter by name and updates its record.
func (m *Manager) Connect(ctx context.Context, name string) error {
	m.mu.RLock()
	e, ok := m.byName[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connect %s: %w", name, errUnknown)
	}
	return m.connect(ctx, e)
}

func (m *Manager) connect(ctx context.Context, e *entry) error {
	m.setStatus(e, models.AdapterConnecting, nil)

	cctx, cancel := context.WithTimeout(ctx, m.timeouts.Connect)
	defer cancel()
	started := m.now()
	err := e.adapter.Connect(cctx)
	metrics.ObserveCall(e.rec.Name, opConnect, started, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		e.rec.Status = models.AdapterError
		e.rec.LastError = err.Error()
		e.rec.ConnectFailures++
		m.log.Warn("adapter connect failed",
			logger.String("adapter", e.rec.Name),
			logger.Int64("connect_failures", e.rec.ConnectFailures),
			logger.Error(err),
		)
		return fmt.Errorf("connect %s: %w", e.rec.Name, err)
	}
	if e.adapter.IsMock() {
		e.rec.Status = models.AdapterMock
	} else {
		e.rec.Status = models.AdapterConnected
	}
	e.rec.LastError = ""
	e.rec.ConnectedAt = m.now()
	m.log.Info("adapter connected", logger.String("adapter", e.rec.Name), logger.String("status", string(e.rec.Status)))
	return nil
}

// ConnectAll connects every registered adapter. It fails only when no
// adapter ends up usable; individual failures are left for the health sweep.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, e := range m.snapshotEntries() {
		if err := m.connect(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	if m.usableCount() == 0 {
		if len(errs) == 0 {
			return ErrNoAdapters
		}
		return fmt.Errorf("%w: %w", ErrNoAdapters, errors.Join(errs...))
	}
	return nil
}

// DisconnectAll disconnects every adapter, logging failures.
func (m *Manager) DisconnectAll(ctx context.Context) {
	for _, e := range m.snapshotEntries() {
		if err := e.adapter.Disconnect(ctx); err != nil {
			m.log.Warn("adapter disconnect failed", logger.String("adapter", e.rec.Name), logger.Error(err))
		}
		m.setStatus(e, models.AdapterDisconnected, nil)
	}
}

// GetMarketData resolves a snapshot for symbol: the preferred adapter first
// when usable, then the remaining usable adapters in registration order.
// Failures and timeouts count as misses.
func (m *Manager) GetMarketData(ctx context.Context, symbol, preferred string) (*models.MarketSnapshot, error) {
	candidates := m.candidates(func(e *entry) bool { return e.market != nil }, func(e *entry) bool {
		return preferred != "" && e.rec.Name == preferred
	})
	if len(candidates) == 0 {
		return nil, fmt.Errorf("market data for %s: %w", symbol, ErrNoAdapters)
	}
	for i, e := range candidates {
		cctx, cancel := context.WithTimeout(ctx, m.timeouts.MarketData)
		started := m.now()
		snap, err := e.market.GetMarketData(cctx, symbol)
		cancel()
		m.observe(e, opMarketData, started, err)
		if err != nil {
			m.log.Debug("market data miss",
				logger.String("adapter", e.rec.Name),
				logger.String("symbol", symbol),
				logger.Error(err),
			)
			continue
		}
		if snap == nil {
			continue
		}
		if i > 0 {
			metrics.AdapterFallbacks.WithLabelValues(opMarketData).Inc()
		}
		if snap.Source == "" {
			snap.Source = e.rec.Name
		}
		return snap, nil
	}
	m.log.Warn("no adapter returned market data", logger.String("symbol", symbol), logger.Int("tried", len(candidates)))
	return nil, fmt.Errorf("market data for %s: %w", symbol, ErrNoData)
}

// GetNewsEvents resolves news for symbol, trying news-type adapters before
// any other adapter that can serve news. An empty result from a news
// adapter is an answer, not a miss.
func (m *Manager) GetNewsEvents(ctx context.Context, symbol string, since time.Time, limit int) ([]models.NewsEvent, error) {
	candidates := m.candidates(func(e *entry) bool { return e.news != nil }, func(e *entry) bool {
		return e.rec.Type == models.AdapterTypeNews
	})
	if len(candidates) == 0 {
		return nil, fmt.Errorf("news for %s: %w", symbol, ErrNoAdapters)
	}
	for i, e := range candidates {
		cctx, cancel := context.WithTimeout(ctx, m.timeouts.News)
		started := m.now()
		events, err := e.news.GetNewsEvents(cctx, symbol, since, limit)
		cancel()
		m.observe(e, opNews, started, err)
		if err != nil {
			m.log.Debug("news miss", logger.String("adapter", e.rec.Name), logger.String("symbol", symbol), logger.Error(err))
			continue
		}
		if i > 0 {
			metrics.AdapterFallbacks.WithLabelValues(opNews).Inc()
		}
		if limit > 0 && len(events) > limit {
			events = events[:limit]
		}
		return events, nil
	}
	return nil, fmt.Errorf("news for %s: %w", symbol, ErrNoData)
}

// ListSymbols returns the listing of the first usable lister that answers.
func (m *Manager) ListSymbols(ctx context.Context) ([]string, error) {
	candidates := m.candidates(func(e *entry) bool { return e.lister != nil }, nil)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("list symbols: %w", ErrNoAdapters)
	}
	for _, e := range candidates {
		cctx, cancel := context.WithTimeout(ctx, m.timeouts.MarketData)
		started := m.now()
		symbols, err := e.lister.ListSymbols(cctx)
		cancel()
		m.observe(e, opSymbols, started, err)
		if err == nil && len(symbols) > 0 {
			return symbols, nil
		}
	}
	return nil, fmt.Errorf("list symbols: %w", ErrNoData)
}

// HasMarketData reports whether any usable adapter serves market data.
func (m *Manager) HasMarketData() bool {
	return len(m.candidates(func(e *entry) bool { return e.market != nil }, nil)) > 0
}

// Sweep retries Connect on adapters in error state and health-checks the
// usable ones, moving failures to error. Connect failures only bump a
// counter; the next sweep tries again.
func (m *Manager) Sweep(ctx context.Context) {
	for _, e := range m.snapshotEntries() {
		m.mu.RLock()
		status := e.rec.Status
		m.mu.RUnlock()

		switch {
		case status == models.AdapterError:
			if err := m.connect(ctx, e); err == nil {
				m.log.Info("adapter recovered", logger.String("adapter", e.rec.Name))
			}
		case status.Usable():
			hctx, cancel := context.WithTimeout(ctx, m.timeouts.Health)
			started := m.now()
			err := e.adapter.HealthCheck(hctx)
			cancel()
			metrics.ObserveCall(e.rec.Name, opHealth, started, err)
			if err != nil {
				m.setStatus(e, models.AdapterError, err)
				m.log.Warn("adapter health check failed", logger.String("adapter", e.rec.Name), logger.Error(err))
			}
		}
	}
}

// StartHealthSweep runs Sweep every interval until ctx is done.
func (m *Manager) StartHealthSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Records returns a copy of every adapter record in registration order.
func (m *Manager) Records() []models.AdapterRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AdapterRecord, 0, len(m.entries))
	for _, e := range m.entries {
		rec := e.rec
		rec.Capabilities = append([]string(nil), e.rec.Capabilities...)
		out = append(out, rec)
	}
	return out
}

// Record returns the record of one adapter.
func (m *Manager) Record(name string) (models.AdapterRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byName[name]
	if !ok {
		return models.AdapterRecord{}, false
	}
	return e.rec, true
}

// candidates returns usable adapters matching has, with those matching
// first moved to the front. Order is otherwise registration order.
func (m *Manager) candidates(has, first func(*entry) bool) []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*entry
	for _, e := range m.entries {
		if has(e) && e.rec.Status.Usable() {
			out = append(out, e)
		}
	}
	if first != nil {
		sort.SliceStable(out, func(i, j int) bool { return first(out[i]) && !first(out[j]) })
	}
	return out
}

func (m *Manager) observe(e *entry, op string, started time.Time, err error) {
	metrics.ObserveCall(e.rec.Name, op, started, err)
	ms := float64(m.now().Sub(started)) / float64(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()
	e.rec.Requests++
	if err != nil {
		e.rec.Failures++
		e.rec.LastError = err.Error()
	} else {
		e.rec.Successes++
	}
	n := float64(e.rec.Requests)
	e.rec.AvgLatencyMs += (ms - e.rec.AvgLatencyMs) / n
}

func (m *Manager) setStatus(e *entry, s models.AdapterStatus, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.rec.Status = s
	if err != nil {
		e.rec.LastError = err.Error()
	}
}

func (m *Manager) snapshotEntries() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*entry(nil), m.entries...)
}

func (m *Manager) usableCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if e.rec.Status.Usable() {
			n++
		}
	}
	return n
}
