package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewWithRegisterer(reg)

	r.RecordCycle("ok", 1.5)
	r.RecordCycle("ok", 0.5)
	r.RecordRuleTrigger("three_high")
	r.RecordInFlight(1)
	r.RecordInFlight(1)
	r.RecordInFlight(-1)
	r.RecordState("paused")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.cycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ruleTriggers.WithLabelValues("three_high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.state.WithLabelValues("paused")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.state.WithLabelValues("scanning")))

	// A second recorder on its own registry must not collide.
	assert.NotPanics(t, func() { NewWithRegisterer(prometheus.NewRegistry()) })
}
