package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"CoinScout/internal/domain/models"
	lru "CoinScout/internal/service/cache"
	"CoinScout/pkg/config"
	"CoinScout/pkg/logger"
)

// StreamAdapter keeps the latest 24h ticker per symbol from a websocket
// all-market ticker stream. Entries expire after StaleAfter without updates.
type StreamAdapter struct {
	cfg    config.StreamConfig
	dialer *websocket.Dialer
	latest *lru.LRU[*models.MarketSnapshot]
	log    *logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connected atomic.Bool
	lastMsg   atomic.Int64 // unix nanos
}

func NewStreamAdapter(cfg config.StreamConfig, log *logger.Logger) *StreamAdapter {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	return &StreamAdapter{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		latest: lru.NewLRU[*models.MarketSnapshot](cfg.CacheSize, cfg.StaleAfter),
		log:    log.With(logger.String("adapter", "stream")),
	}
}

func (a *StreamAdapter) Name() string             { return "stream" }
func (a *StreamAdapter) Type() models.AdapterType { return models.AdapterTypeMarketData }
func (a *StreamAdapter) IsMock() bool             { return false }
func (a *StreamAdapter) IsConnected() bool        { return a.connected.Load() }

// Connect dials the stream and starts the read and ping loops. The loops
// outlive ctx and stop on Disconnect. A running stream that is stale or has
// lost its connection is torn down and redialed.
func (a *StreamAdapter) Connect(ctx context.Context) error {
	if a.running() {
		herr := a.HealthCheck(ctx)
		if herr == nil {
			return nil
		}
		a.log.Warn("stream unhealthy, redialing", logger.Error(herr))
		if err := a.Disconnect(ctx); err != nil {
			a.log.Debug("stream teardown", logger.Error(err))
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	a.conn = conn
	a.connected.Store(true)
	a.lastMsg.Store(time.Now().UnixNano())

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(2)
	go a.readLoop(runCtx)
	go a.pingLoop(runCtx)
	a.log.Info("stream connected", logger.String("url", a.cfg.URL))
	return nil
}

func (a *StreamAdapter) running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

func (a *StreamAdapter) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := a.dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("stream connect: %w", err)
	}
	return conn, nil
}

func (a *StreamAdapter) Disconnect(context.Context) error {
	a.mu.Lock()
	cancel, conn := a.cancel, a.conn
	a.cancel, a.conn = nil, nil
	a.mu.Unlock()

	a.connected.Store(false)
	if cancel == nil {
		return nil
	}
	cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	a.wg.Wait()
	return err
}

func (a *StreamAdapter) HealthCheck(context.Context) error {
	if !a.connected.Load() {
		return ErrNotConnected
	}
	if age := time.Since(time.Unix(0, a.lastMsg.Load())); age > a.cfg.StaleAfter {
		return fmt.Errorf("stream stale: no message for %s", age.Round(time.Second))
	}
	return nil
}

// GetMarketData returns the latest streamed ticker or (nil, nil) when the
// symbol has not been seen recently.
func (a *StreamAdapter) GetMarketData(_ context.Context, symbol string) (*models.MarketSnapshot, error) {
	if !a.connected.Load() {
		return nil, ErrNotConnected
	}
	snap, ok := a.latest.Get(symbol)
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

// ListSymbols returns every symbol with a live ticker.
func (a *StreamAdapter) ListSymbols(context.Context) ([]string, error) {
	if !a.connected.Load() {
		return nil, ErrNotConnected
	}
	keys := a.latest.Keys()
	sort.Strings(keys)
	return keys, nil
}

func (a *StreamAdapter) currentConn() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *StreamAdapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		conn := a.currentConn()
		if conn == nil {
			return
		}
		_, b, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.connected.Store(false)
			a.log.Warn("stream read failed, reconnecting", logger.Error(err))
			if !a.reconnect(ctx) {
				return
			}
			continue
		}
		a.lastMsg.Store(time.Now().UnixNano())
		a.handleFrame(b)
	}
}

// reconnect redials until it succeeds or ctx is cancelled.
func (a *StreamAdapter) reconnect(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(a.cfg.ReconnectDelay):
		}
		conn, err := a.dial(ctx)
		if err != nil {
			a.log.Warn("stream reconnect failed", logger.Error(err))
			continue
		}
		a.mu.Lock()
		if a.cancel == nil {
			a.mu.Unlock()
			_ = conn.Close()
			return false
		}
		if a.conn != nil {
			_ = a.conn.Close()
		}
		a.conn = conn
		a.mu.Unlock()
		a.connected.Store(true)
		a.log.Info("stream reconnected")
		return true
	}
}

func (a *StreamAdapter) pingLoop(ctx context.Context) {
	defer a.wg.Done()
	if a.cfg.PingInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if conn := a.currentConn(); conn != nil {
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}
}

// handleFrame accepts either the array form (!ticker@arr) or a single
// 24hrTicker event. Frames that are not tickers are ignored.
func (a *StreamAdapter) handleFrame(b []byte) int {
	if !gjson.ValidBytes(b) {
		return 0
	}
	n := 0
	store := func(t gjson.Result) {
		if snap := parseStreamTicker(t); snap != nil {
			a.latest.Set(snap.Symbol, snap)
			n++
		}
	}
	r := gjson.ParseBytes(b)
	if r.IsArray() {
		r.ForEach(func(_, t gjson.Result) bool {
			store(t)
			return true
		})
	} else if d := r.Get("data"); d.Exists() {
		store(d)
	} else {
		store(r)
	}
	return n
}

func parseStreamTicker(t gjson.Result) *models.MarketSnapshot {
	if t.Get("e").String() != "24hrTicker" {
		return nil
	}
	symbol, price := t.Get("s").String(), t.Get("c").Float()
	if symbol == "" || price <= 0 {
		return nil
	}
	ts := time.Now().UTC()
	if ms := t.Get("E").Int(); ms > 0 {
		ts = time.UnixMilli(ms).UTC()
	}
	return &models.MarketSnapshot{
		Symbol:         symbol,
		Price:          price,
		Volume24h:      t.Get("q").Float(),
		PriceChange24h: t.Get("P").Float() / 100,
		High24h:        t.Get("h").Float(),
		Low24h:         t.Get("l").Float(),
		Source:         "stream",
		Timestamp:      ts,
	}
}
