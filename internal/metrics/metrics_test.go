package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordSend(t *testing.T) {
	before := testutil.ToFloat64(SendsTotal.WithLabelValues("ses", "sent"))
	RecordSend("ses", "sent", 150*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(SendsTotal.WithLabelValues("ses", "sent")))
}

func TestRecordBreakerState(t *testing.T) {
	RecordBreakerState("sparkpost", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(BreakerState.WithLabelValues("sparkpost")))
	RecordBreakerState("sparkpost", "half_open")
	assert.Equal(t, 1.0, testutil.ToFloat64(BreakerState.WithLabelValues("sparkpost")))
	RecordBreakerState("sparkpost", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(BreakerState.WithLabelValues("sparkpost")))
}

func TestRecordSweep(t *testing.T) {
	before := testutil.ToFloat64(SweepEnrollmentsTotal.WithLabelValues("deferred"))
	RecordSweep(3, 1, 2, 4)
	assert.Equal(t, before+4, testutil.ToFloat64(SweepEnrollmentsTotal.WithLabelValues("deferred")))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(WavesTotal)
	RecordWave()
	assert.Equal(t, before+1, testutil.ToFloat64(WavesTotal))

	RecordRateLimited("provider-api")
	RecordRetry("send")
	RecordDedup("created")
	RecordRun("completed")
	RecordClassification("warm_prospect", "rules")
	assert.GreaterOrEqual(t, testutil.ToFloat64(ClassificationsTotal.WithLabelValues("warm_prospect", "rules")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(RunsTotal.WithLabelValues("completed")), 1.0)
}
