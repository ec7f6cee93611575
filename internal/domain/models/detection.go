package models

import (
	"sort"
	"strings"
	"time"
)

// Rule names.
const (
	RuleThreeHigh       = "three_high"
	RuleBlackHorse      = "black_horse"
	RulePotentialFinder = "potential_finder"
)

// DetectionResult is the immutable output of one detector for one symbol.
// Details holds float sub-scores ("factor.<name>"), effective weights
// ("weight.<name>") and thresholds; Attributes holds string labels.
type DetectionResult struct {
	Symbol     string             `json:"symbol"`
	Rule       string             `json:"rule"`
	Score      float64            `json:"score"`
	Confidence float64            `json:"confidence"`
	Triggered  bool               `json:"triggered"`
	Reasons    []string           `json:"reasons"`
	Details    map[string]float64 `json:"details"`
	Attributes map[string]string  `json:"attributes,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Detail keys.
const (
	FactorPrefix      = "factor."
	WeightPrefix      = "weight."
	ThresholdPrefix   = "threshold."
	PrefilterRejected = "prefilter_rejected"
)

// FactorNames returns the factor names present in Details, sorted.
func (r *DetectionResult) FactorNames() []string {
	var names []string
	for k := range r.Details {
		if strings.HasPrefix(k, FactorPrefix) {
			names = append(names, strings.TrimPrefix(k, FactorPrefix))
		}
	}
	sort.Strings(names)
	return names
}

// WeightedSum recomputes Σ weight.x × factor.x from Details.
func (r *DetectionResult) WeightedSum() float64 {
	var sum float64
	for _, name := range r.FactorNames() {
		sum += r.Details[WeightPrefix+name] * r.Details[FactorPrefix+name]
	}
	return sum
}

// Recommendation classifies an opportunity.
type Recommendation string

const (
	StrongBuy  Recommendation = "STRONG_BUY"
	Buy        Recommendation = "BUY"
	Hold       Recommendation = "HOLD"
	Sell       Recommendation = "SELL"
	StrongSell Recommendation = "STRONG_SELL"
	Watch      Recommendation = "WATCH"
)

// Opportunity combines all rule results for one symbol in one cycle.
type Opportunity struct {
	Symbol         string                     `json:"symbol"`
	Score          float64                    `json:"score"` // 0..100
	Confidence     float64                    `json:"confidence"`
	Recommendation Recommendation             `json:"recommendation"`
	TriggeredRules []string                   `json:"triggered_rules"`
	Results        map[string]DetectionResult `json:"results"`
	Snapshot       MarketSnapshot             `json:"snapshot"`
	NewsCount      int                        `json:"news_count"`
	CycleID        string                     `json:"cycle_id"`
	Timestamp      time.Time                  `json:"timestamp"`
}

// ScanCycleSummary reports one orchestrator pass.
type ScanCycleSummary struct {
	CycleID             string         `json:"cycle_id"`
	StartedAt           time.Time      `json:"started_at"`
	FinishedAt          time.Time      `json:"finished_at"`
	DurationMs          int64          `json:"duration_ms"`
	SymbolsScanned      int            `json:"symbols_scanned"`
	SymbolsFailed       int            `json:"symbols_failed"`
	DataQualityFailures int            `json:"data_quality_failures"`
	OpportunitiesFound  int            `json:"opportunities_found"`
	RuleTriggers        map[string]int `json:"rule_triggers"`
	Error               string         `json:"error,omitempty"`
}

// ScannerState is the orchestrator lifecycle state.
type ScannerState string

const (
	StateIdle     ScannerState = "idle"
	StateScanning ScannerState = "scanning"
	StatePaused   ScannerState = "paused"
	StateError    ScannerState = "error"
	StateStopped  ScannerState = "stopped"
)

// ScannerStatus is a point-in-time view of the orchestrator.
type ScannerStatus struct {
	State             ScannerState      `json:"state"`
	Cycles            int64             `json:"cycles"`
	ConsecutiveErrors int               `json:"consecutive_errors"`
	LastCycleAt       time.Time         `json:"last_cycle_at,omitempty"`
	LastSummary       *ScanCycleSummary `json:"last_summary,omitempty"`
	Interval          string            `json:"interval"`
}

// AdapterStatus is the connection state of an adapter.
type AdapterStatus string

const (
	AdapterDisconnected AdapterStatus = "disconnected"
	AdapterConnecting   AdapterStatus = "connecting"
	AdapterConnected    AdapterStatus = "connected"
	AdapterError        AdapterStatus = "error"
	AdapterMock         AdapterStatus = "mock"
)

// Usable reports whether an adapter in this status may serve requests.
func (s AdapterStatus) Usable() bool {
	return s == AdapterConnected || s == AdapterMock
}

// AdapterType is the capability family of an adapter.
type AdapterType string

const (
	AdapterTypeMarketData AdapterType = "market_data"
	AdapterTypeNews       AdapterType = "news"
	AdapterTypeSocial     AdapterType = "social"
	AdapterTypeOnChain    AdapterType = "on_chain"
	AdapterTypeMock       AdapterType = "mock"
)

// AdapterRecord is the manager-owned bookkeeping for one adapter.
type AdapterRecord struct {
	Name            string        `json:"name"`
	Type            AdapterType   `json:"type"`
	Status          AdapterStatus `json:"status"`
	LastError       string        `json:"last_error,omitempty"`
	ConnectedAt     time.Time     `json:"connected_at,omitempty"`
	Requests        int64         `json:"requests"`
	Successes       int64         `json:"successes"`
	Failures        int64         `json:"failures"`
	ConnectFailures int64         `json:"connect_failures"`
	AvgLatencyMs    float64       `json:"avg_latency_ms"`
	Capabilities    []string      `json:"capabilities"`
}

// HealthReport is the aggregated health of the scanner process.
type HealthReport struct {
	Healthy  bool              `json:"healthy"`
	State    ScannerState      `json:"state"`
	Checks   map[string]string `json:"checks"`
	Adapters []AdapterRecord   `json:"adapters"`
}
