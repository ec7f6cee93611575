package adapter

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
	"CoinScout/pkg/config"
)

type stubAdapter struct {
	name      string
	typ       models.AdapterType
	mock      bool
	snap      *models.MarketSnapshot
	news      []models.NewsEvent
	err       error
	block     bool
	connected atomic.Bool
	calls     atomic.Int32
	newsCalls atomic.Int32

	mu         sync.Mutex
	connectErr error
	healthErr  error
}

func newStub(name string) *stubAdapter {
	return &stubAdapter{
		name: name,
		typ:  models.AdapterTypeMarketData,
		snap: &models.MarketSnapshot{Symbol: "XYZ", Price: 1, Source: name},
	}
}

func (s *stubAdapter) setErrors(connectErr, healthErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr, s.healthErr = connectErr, healthErr
}

func (s *stubAdapter) Name() string             { return s.name }
func (s *stubAdapter) Type() models.AdapterType { return s.typ }
func (s *stubAdapter) IsMock() bool             { return s.mock }
func (s *stubAdapter) IsConnected() bool        { return s.connected.Load() }

func (s *stubAdapter) Connect(context.Context) error {
	s.mu.Lock()
	err := s.connectErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.connected.Store(true)
	return nil
}

func (s *stubAdapter) Disconnect(context.Context) error {
	s.connected.Store(false)
	return nil
}

func (s *stubAdapter) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthErr
}

func (s *stubAdapter) GetMarketData(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil || s.snap == nil {
		return nil, s.err
	}
	cp := *s.snap
	return &cp, nil
}

func (s *stubAdapter) GetNewsEvents(context.Context, string, time.Time, int) ([]models.NewsEvent, error) {
	s.newsCalls.Add(1)
	return s.news, s.err
}

type bareAdapter struct{}

func (bareAdapter) Name() string                      { return "bare" }
func (bareAdapter) Type() models.AdapterType          { return models.AdapterTypeSocial }
func (bareAdapter) IsMock() bool                      { return false }
func (bareAdapter) IsConnected() bool                 { return false }
func (bareAdapter) Connect(context.Context) error     { return nil }
func (bareAdapter) Disconnect(context.Context) error  { return nil }
func (bareAdapter) HealthCheck(context.Context) error { return nil }

func TestManagerFallsBackToConnectedMock(t *testing.T) {
	ctx := context.Background()
	a := newStub("A")
	b := newStub("B")
	b.mock = true
	b.snap = &models.MarketSnapshot{Symbol: "XYZ", Price: 42}

	m := NewManager()
	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))
	require.NoError(t, m.Connect(ctx, "B"))

	snap, err := m.GetMarketData(ctx, "XYZ", "")
	require.NoError(t, err)
	assert.Equal(t, 42.0, snap.Price)
	assert.Equal(t, "B", snap.Source)
	assert.Zero(t, a.calls.Load())

	rec, ok := m.Record("B")
	require.True(t, ok)
	assert.Equal(t, models.AdapterMock, rec.Status)
	assert.Equal(t, int64(1), rec.Requests)
	assert.Equal(t, int64(1), rec.Successes)

	rec, _ = m.Record("A")
	assert.Equal(t, models.AdapterDisconnected, rec.Status)
}

func TestManagerFallbackExhaustiveness(t *testing.T) {
	const n = 4
	for i := 0; i < n; i++ {
		t.Run(fmt.Sprintf("first_connected_%d", i), func(t *testing.T) {
			ctx := context.Background()
			m := NewManager()
			stubs := make([]*stubAdapter, n)
			for j := range stubs {
				stubs[j] = newStub(fmt.Sprintf("a%d", j))
				require.NoError(t, m.Register(stubs[j]))
				if j >= i {
					require.NoError(t, m.Connect(ctx, stubs[j].name))
				}
			}

			snap, err := m.GetMarketData(ctx, "XYZ", "")
			require.NoError(t, err)
			assert.Equal(t, stubs[i].name, snap.Source)
			for j, s := range stubs {
				want := int32(0)
				if j == i {
					want = 1
				}
				assert.Equal(t, want, s.calls.Load(), "adapter %d", j)
			}
		})
	}
}

func TestManagerSkipsFailingAdapters(t *testing.T) {
	ctx := context.Background()
	failing := newStub("failing")
	failing.err = errors.New("boom")
	empty := newStub("empty")
	empty.snap = nil
	good := newStub("good")
	after := newStub("after")

	m := NewManager()
	for _, s := range []*stubAdapter{failing, empty, good, after} {
		require.NoError(t, m.Register(s))
		require.NoError(t, m.Connect(ctx, s.name))
	}

	snap, err := m.GetMarketData(ctx, "XYZ", "")
	require.NoError(t, err)
	assert.Equal(t, "good", snap.Source)
	assert.Equal(t, int32(1), failing.calls.Load())
	assert.Equal(t, int32(1), empty.calls.Load())
	assert.Zero(t, after.calls.Load())

	rec, _ := m.Record("failing")
	assert.Equal(t, int64(1), rec.Failures)
	assert.Equal(t, "boom", rec.LastError)
	assert.Equal(t, models.AdapterConnected, rec.Status, "call failures do not change status")
}

func TestManagerPreferredAdapterFirst(t *testing.T) {
	ctx := context.Background()
	first, preferred := newStub("first"), newStub("preferred")
	m := NewManager()
	require.NoError(t, m.Register(first))
	require.NoError(t, m.Register(preferred))
	require.NoError(t, m.ConnectAll(ctx))

	snap, err := m.GetMarketData(ctx, "XYZ", "preferred")
	require.NoError(t, err)
	assert.Equal(t, "preferred", snap.Source)
	assert.Zero(t, first.calls.Load())

	// An unusable preferred adapter is skipped.
	preferred.setErrors(nil, errors.New("down"))
	m.Sweep(ctx)
	snap, err = m.GetMarketData(ctx, "XYZ", "preferred")
	require.NoError(t, err)
	assert.Equal(t, "first", snap.Source)
}

func TestManagerTimeoutIsAMiss(t *testing.T) {
	ctx := context.Background()
	slow, fast := newStub("slow"), newStub("fast")
	slow.block = true

	m := NewManager(WithTimeouts(config.AdapterTimeouts{
		MarketData: 20 * time.Millisecond, News: time.Second, Health: time.Second, Connect: time.Second,
	}))
	require.NoError(t, m.Register(slow))
	require.NoError(t, m.Register(fast))
	require.NoError(t, m.ConnectAll(ctx))

	snap, err := m.GetMarketData(ctx, "XYZ", "")
	require.NoError(t, err)
	assert.Equal(t, "fast", snap.Source)
	rec, _ := m.Record("slow")
	assert.Equal(t, int64(1), rec.Failures)
}

func TestManagerNoAdaptersAndNoData(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	_, err := m.GetMarketData(ctx, "XYZ", "")
	assert.ErrorIs(t, err, ErrNoAdapters)
	assert.ErrorIs(t, m.ConnectAll(ctx), ErrNoAdapters)
	assert.False(t, m.HasMarketData())

	empty := newStub("empty")
	empty.snap = nil
	require.NoError(t, m.Register(empty))
	require.NoError(t, m.ConnectAll(ctx))
	_, err = m.GetMarketData(ctx, "XYZ", "")
	assert.ErrorIs(t, err, ErrNoData)
	assert.True(t, m.HasMarketData())
}

func TestManagerRegisterChecksCapabilities(t *testing.T) {
	m := NewManager()
	assert.ErrorIs(t, m.Register(bareAdapter{}), errNoCapability)
	require.NoError(t, m.Register(newStub("a")))
	assert.ErrorIs(t, m.Register(newStub("a")), errDuplicate)
	assert.ErrorIs(t, m.Connect(context.Background(), "missing"), errUnknown)

	recs := m.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, []string{opMarketData, opNews}, recs[0].Capabilities)
}

func TestManagerSweepReconnects(t *testing.T) {
	ctx := context.Background()
	flaky := newStub("flaky")
	flaky.setErrors(errors.New("refused"), nil)

	m := NewManager()
	require.NoError(t, m.Register(flaky))
	err := m.ConnectAll(ctx)
	require.ErrorIs(t, err, ErrNoAdapters)

	rec, _ := m.Record("flaky")
	assert.Equal(t, models.AdapterError, rec.Status)
	assert.Equal(t, int64(1), rec.ConnectFailures)
	assert.Equal(t, "refused", rec.LastError)

	m.Sweep(ctx)
	rec, _ = m.Record("flaky")
	assert.Equal(t, int64(2), rec.ConnectFailures, "failures never stop retries")

	flaky.setErrors(nil, nil)
	m.Sweep(ctx)
	rec, _ = m.Record("flaky")
	assert.Equal(t, models.AdapterConnected, rec.Status)
	assert.Empty(t, rec.LastError)
	assert.False(t, rec.ConnectedAt.IsZero())

	flaky.setErrors(nil, errors.New("unhealthy"))
	m.Sweep(ctx)
	rec, _ = m.Record("flaky")
	assert.Equal(t, models.AdapterError, rec.Status)
	assert.Equal(t, "unhealthy", rec.LastError)
}

func TestManagerNewsPrefersNewsAdapters(t *testing.T) {
	ctx := context.Background()
	generic := newStub("generic")
	generic.news = []models.NewsEvent{{ID: "g"}}
	news := newStub("news")
	news.typ = models.AdapterTypeNews
	news.news = []models.NewsEvent{{ID: "n1"}, {ID: "n2"}, {ID: "n3"}}

	m := NewManager()
	require.NoError(t, m.Register(generic))
	require.NoError(t, m.Register(news))
	require.NoError(t, m.ConnectAll(ctx))

	events, err := m.GetNewsEvents(ctx, "XYZ", time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "n1", events[0].ID)
	assert.Zero(t, generic.newsCalls.Load())
}

func TestManagerDisconnectAll(t *testing.T) {
	ctx := context.Background()
	a := newStub("a")
	m := NewManager()
	require.NoError(t, m.Register(a))
	require.NoError(t, m.ConnectAll(ctx))
	m.DisconnectAll(ctx)

	assert.False(t, a.IsConnected())
	rec, _ := m.Record("a")
	assert.Equal(t, models.AdapterDisconnected, rec.Status)
	_, err := m.GetMarketData(ctx, "XYZ", "")
	assert.ErrorIs(t, err, ErrNoAdapters)
}
