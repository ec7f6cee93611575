package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var scannerStates = []string{"idle", "scanning", "paused", "error", "stopped"}

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	cycles         *prometheus.CounterVec
	cycleDuration  *prometheus.HistogramVec
	symbolsScanned *prometheus.CounterVec
	opportunities  *prometheus.CounterVec
	ruleTriggers   *prometheus.CounterVec
	inFlight       prometheus.Gauge
	published      *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	state          *prometheus.GaugeVec
}

// New creates a recorder registered on the default registry.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a recorder registered on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not panic.
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinscout_scan_cycles_total",
				Help: "Total number of scan cycles by outcome",
			},
			[]string{"status"},
		),
		cycleDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coinscout_scan_cycle_duration_seconds",
				Help:    "Duration of scan cycles in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		symbolsScanned: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinscout_symbols_scanned_total",
				Help: "Symbols scanned by result",
			},
			[]string{"result"},
		),
		opportunities: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinscout_opportunities_total",
				Help: "Opportunities published by recommendation",
			},
			[]string{"recommendation"},
		),
		ruleTriggers: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinscout_rule_triggers_total",
				Help: "Detector triggers by rule",
			},
			[]string{"rule"},
		),
		inFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "coinscout_symbol_scans_in_flight",
				Help: "Symbol scans currently running",
			},
		),
		published: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinscout_messages_published_total",
				Help: "Envelopes handed to the bus by type and result",
			},
			[]string{"message_type", "result"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinscout_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		state: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coinscout_scanner_state",
				Help: "1 for the current scanner state, 0 otherwise",
			},
			[]string{"state"},
		),
	}
}

// RecordCycle records a finished cycle.
func (r *Recorder) RecordCycle(status string, seconds float64) {
	r.cycles.WithLabelValues(status).Inc()
	r.cycleDuration.WithLabelValues(status).Observe(seconds)
}

// RecordSymbolScanned records one symbol outcome (ok, failed, invalid).
func (r *Recorder) RecordSymbolScanned(result string) {
	r.symbolsScanned.WithLabelValues(result).Inc()
}

// RecordOpportunity records a published opportunity.
func (r *Recorder) RecordOpportunity(recommendation string) {
	r.opportunities.WithLabelValues(recommendation).Inc()
}

// RecordRuleTrigger records a triggered detector.
func (r *Recorder) RecordRuleTrigger(rule string) {
	r.ruleTriggers.WithLabelValues(rule).Inc()
}

// RecordInFlight adjusts the in-flight gauge.
func (r *Recorder) RecordInFlight(delta float64) {
	r.inFlight.Add(delta)
}

// RecordPublish records an envelope publish attempt.
func (r *Recorder) RecordPublish(messageType, result string) {
	r.published.WithLabelValues(messageType, result).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordState marks state as the current scanner state.
func (r *Recorder) RecordState(state string) {
	for _, s := range scannerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.state.WithLabelValues(s).Set(v)
	}
}

// Nop discards every observation.
type Nop struct{}

func (Nop) RecordCycle(string, float64) {}
func (Nop) RecordSymbolScanned(string) {}
func (Nop) RecordOpportunity(string) {}
func (Nop) RecordRuleTrigger(string) {}
func (Nop) RecordInFlight(float64) {}
func (Nop) RecordPublish(string, string) {}
func (Nop) RecordError(string) {}
func (Nop) RecordState(string) {}
