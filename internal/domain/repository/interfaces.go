package repository

import (
	"context"
	"time"

	"CoinScout/internal/domain/models"
)

// Adapter is the lifecycle contract every data source implements.
type Adapter interface {
	Name() string
	Type() models.AdapterType
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	IsConnected() bool
	IsMock() bool
}

// MarketDataProvider returns a snapshot for symbol, or (nil, nil) when the
// source has nothing for it.
type MarketDataProvider interface {
	GetMarketData(ctx context.Context, symbol string) (*models.MarketSnapshot, error)
}

// NewsProvider returns events related to symbol published after since,
// newest first, at most limit.
type NewsProvider interface {
	GetNewsEvents(ctx context.Context, symbol string, since time.Time, limit int) ([]models.NewsEvent, error)
}

// SymbolLister enumerates tradable symbols.
type SymbolLister interface {
	ListSymbols(ctx context.Context) ([]string, error)
}

// OpportunityArchive persists published opportunities and cycle summaries.
type OpportunityArchive interface {
	Init(ctx context.Context) error
	StoreOpportunities(ctx context.Context, opps []models.Opportunity) error
	StoreSummary(ctx context.Context, s models.ScanCycleSummary) error
	RecentOpportunities(ctx context.Context, symbol string, since time.Time, limit int) ([]models.Opportunity, error)
	Health(ctx context.Context) error
	Close() error
}

// Metrics records scanner observations.
type Metrics interface {
	RecordCycle(status string, seconds float64)
	RecordSymbolScanned(result string)
	RecordOpportunity(recommendation string)
	RecordRuleTrigger(rule string)
	RecordInFlight(delta float64)
	RecordPublish(messageType, result string)
	RecordError(kind string)
	RecordState(state string)
}
